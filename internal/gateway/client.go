package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/internal/session"
	"github.com/mbeoliero/chatsync/pkg/errcode"
)

// Client represents a connected WebSocket client and its session
type Client struct {
	mu        sync.Mutex
	conn      ClientConn
	UserId    string
	ConnId    string
	TokenId   string
	server    *WsServer
	session   *session.Session
	closed    atomic.Bool
	closedErr error
	unregOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewClient creates a new client
func NewClient(conn ClientConn, userId, connId string, server *WsServer) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:   conn,
		UserId: userId,
		ConnId: connId,
		server: server,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Push implements session.Pusher. Frames are written by the push worker that owns
// this connection, so a client sees pushes in the order its session made them.
func (c *Client) Push(kind session.PushKind, data interface{}) {
	if c.closed.Load() {
		return
	}
	c.server.enqueuePush(&PushTask{Client: c, Kind: kind, Data: data})
}

// readLoop continuously reads messages from the connection
func (c *Client) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			c.closedErr = ErrPanic
			log.CtxError(c.ctx, "client read loop panic: user_id=%s, error=%v", c.UserId, r)
		}
		c.close()
	}()

	for {
		message, err := c.conn.ReadMessage()
		if err != nil {
			log.CtxDebug(c.ctx, "read message error: user_id=%s, error=%v", c.UserId, err)
			c.closedErr = err
			return
		}

		if c.closed.Load() {
			c.closedErr = ErrConnClosed
			return
		}

		if err := c.handleMessage(message); err != nil {
			log.CtxWarn(c.ctx, "handle message error: user_id=%s, error=%v", c.UserId, err)
			c.closedErr = err
			return
		}
	}
}

// handleMessage handles a single incoming message
func (c *Client) handleMessage(message []byte) error {
	var req WSRequest
	if err := json.Unmarshal(message, &req); err != nil {
		return c.replyError(&req, errcode.ErrInvalidProtocol)
	}

	if req.SendId != "" && req.SendId != c.UserId {
		return c.replyError(&req, ErrUserIdMismatch)
	}

	log.CtxDebug(c.ctx, "received message: req_identifier=%d, user_id=%s", req.ReqIdentifier, c.UserId)

	handler, ok := c.server.handlers[req.ReqIdentifier]
	if !ok || c.Session() == nil {
		return c.replyError(&req, errcode.ErrInvalidProtocol)
	}
	resp, err := handler(c.ctx, c, &req)
	return c.reply(&req, err, resp)
}

func errorCode(err error) int {
	if e, ok := errcode.As(err); ok {
		return e.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errcode.ErrSessionClosed.Code
	}
	return WSDataError
}

// reply sends a response to the client
func (c *Client) reply(req *WSRequest, err error, data []byte) error {
	if err != nil {
		return c.replyError(req, err)
	}
	return c.writeResponse(WSResponse{
		ReqIdentifier: req.ReqIdentifier,
		MsgIncr:       req.MsgIncr,
		OperationId:   req.OperationId,
		Data:          data,
	})
}

// replyError sends an error response
func (c *Client) replyError(req *WSRequest, err error) error {
	return c.writeResponse(WSResponse{
		ReqIdentifier: req.ReqIdentifier,
		MsgIncr:       req.MsgIncr,
		OperationId:   req.OperationId,
		ErrCode:       errorCode(err),
		ErrMsg:        err.Error(),
	})
}

// writeResponse writes a response to the connection
func (c *Client) writeResponse(resp WSResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return nil
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(data)
}

// pushFrame encodes and writes one push, called from the owning push worker
func (c *Client) pushFrame(kind session.PushKind, payload interface{}) error {
	id, ok := pushIdentifiers[kind]
	if !ok {
		log.CtxWarn(c.ctx, "unknown push kind: kind=%s", kind)
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.writeResponse(WSResponse{ReqIdentifier: id, Data: data})
}

// Session returns the session bound to the connection, nil before it was opened
func (c *Client) Session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) bind(s *session.Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// KickOnline sends kick message and closes connection
func (c *Client) KickOnline() error {
	_ = c.writeResponse(WSResponse{ReqIdentifier: WSKickOnlineMsg})
	return c.Close()
}

// Close closes the client connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return nil
	}

	c.closed.Store(true)
	c.cancel()
	return c.conn.Close()
}

// close handles cleanup when connection is closed
func (c *Client) close() {
	_ = c.Close()
	c.unregOnce.Do(func() { c.server.UnregisterClient(c) })
}

// IsClosed returns whether the client is closed
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

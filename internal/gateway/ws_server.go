package gateway

import (
	"context"
	"hash/fnv"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbeoliero/kit/log"
	"github.com/redis/go-redis/v9"

	"github.com/mbeoliero/chatsync/internal/config"
	"github.com/mbeoliero/chatsync/internal/middleware"
	"github.com/mbeoliero/chatsync/internal/session"
	"github.com/mbeoliero/chatsync/pkg/errcode"
	"github.com/mbeoliero/chatsync/pkg/idgen"
	"github.com/mbeoliero/chatsync/pkg/jwt"
)

type handlerFunc func(ctx context.Context, client *Client, req *WSRequest) ([]byte, error)

// WsServer is the WebSocket server. Every connection owns one session of the hub.
type WsServer struct {
	upgrader       *websocket.Upgrader
	cfg            *config.Config
	connOpts       ConnOptions
	hub            *session.Hub
	userMap        *UserMap
	tokens         *jwt.TokenStore
	registerChan   chan *Client
	unregisterChan chan *Client
	pushChans      []chan *PushTask
	handlers       map[int32]handlerFunc
	onlineUserNum  atomic.Int64
	onlineConnNum  atomic.Int64
	maxConnNum     int64
}

// PushTask is one session push waiting to be written
type PushTask struct {
	Client *Client
	Kind   session.PushKind
	Data   interface{}
}

// NewWsServer creates a new WebSocket server
func NewWsServer(cfg *config.Config, rdb *redis.Client, hub *session.Hub) *WsServer {
	workers := cfg.WebSocket.PushWorkerNum
	if workers <= 0 {
		workers = 10
	}
	size := cfg.WebSocket.PushChannelSize / workers
	if size <= 0 {
		size = 1000
	}

	server := &WsServer{
		cfg:            cfg,
		connOpts:       NewConnOptions(cfg.WebSocket),
		hub:            hub,
		userMap:        NewUserMap(rdb),
		tokens:         jwt.NewTokenStore(rdb),
		registerChan:   make(chan *Client, 1000),
		unregisterChan: make(chan *Client, 1000),
		pushChans:      make([]chan *PushTask, workers),
		maxConnNum:     cfg.WebSocket.MaxConnNum,
	}
	for i := range server.pushChans {
		server.pushChans[i] = make(chan *PushTask, size)
	}
	server.upgrader = &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || middleware.OriginAllowed(origin, cfg.Server.AllowedOrigins)
		},
	}
	server.registerHandlers()
	return server
}

// Run starts the WebSocket server
func (s *WsServer) Run(ctx context.Context) {
	go s.eventLoop(ctx)
	for _, ch := range s.pushChans {
		go s.pushLoop(ctx, ch)
	}
	go s.onlineLoop(ctx)
	log.Info("started %d push workers", len(s.pushChans))
}

// eventLoop handles client registration and unregistration
func (s *WsServer) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-s.registerChan:
			s.registerClient(ctx, client)
		case client := <-s.unregisterChan:
			s.unregisterClient(ctx, client)
		}
	}
}

// pushLoop writes the pushes of the connections sharded to it
func (s *WsServer) pushLoop(ctx context.Context, ch chan *PushTask) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-ch:
			s.processPushTask(ctx, task)
		}
	}
}

// onlineLoop keeps the online markers of local users alive
func (s *WsServer) onlineLoop(ctx context.Context) {
	ticker := time.NewTicker(OnlineTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.userMap.RefreshAll(ctx)
		}
	}
}

// processPushTask writes a single push. A client that cannot keep up is dropped; it
// resyncs when it reconnects.
func (s *WsServer) processPushTask(ctx context.Context, task *PushTask) {
	client := task.Client
	if client.IsClosed() {
		return
	}
	if err := client.pushFrame(task.Kind, task.Data); err != nil {
		log.CtxWarn(ctx, "push to client failed, closing: user_id=%s, conn_id=%s, kind=%s, error=%v", client.UserId, client.ConnId, task.Kind, err)
		client.close()
	}
}

// enqueuePush hands a push to the worker owning the client's connection
func (s *WsServer) enqueuePush(task *PushTask) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(task.Client.ConnId))
	ch := s.pushChans[int(h.Sum32()%uint32(len(s.pushChans)))]

	select {
	case ch <- task:
	default:
		log.Warn("push channel full, closing client: user_id=%s, conn_id=%s, kind=%s", task.Client.UserId, task.Client.ConnId, task.Kind)
		go task.Client.close()
	}
}

// registerClient registers a client
func (s *WsServer) registerClient(ctx context.Context, client *Client) {
	if client.IsClosed() {
		return
	}
	if s.userMap.Register(ctx, client) {
		s.onlineUserNum.Add(1)
	}
	s.onlineConnNum.Add(1)

	log.CtxInfo(ctx, "client registered: user_id=%s, conn_id=%s, online_users=%d, online_conns=%d",
		client.UserId, client.ConnId, s.onlineUserNum.Load(), s.onlineConnNum.Load())
}

// unregisterClient unregisters a client and ends its session
func (s *WsServer) unregisterClient(ctx context.Context, client *Client) {
	if sess := client.Session(); sess != nil {
		s.hub.Close(sess)
	}
	found, isUserOffline := s.userMap.Unregister(ctx, client)
	if !found {
		return
	}
	s.onlineConnNum.Add(-1)
	if isUserOffline {
		s.onlineUserNum.Add(-1)
	}

	log.CtxInfo(ctx, "client unregistered: user_id=%s, conn_id=%s, user_offline=%v, online_users=%d, online_conns=%d",
		client.UserId, client.ConnId, isUserOffline, s.onlineUserNum.Load(), s.onlineConnNum.Load())
}

// UnregisterClient queues client for unregistration
func (s *WsServer) UnregisterClient(client *Client) {
	select {
	case s.unregisterChan <- client:
	default:
		log.Warn("unregister channel full: user_id=%s", client.UserId)
	}
}

// authenticate checks the handshake parameters, returning an HTTP status on failure
func (s *WsServer) authenticate(ctx context.Context, token, sendId string) (*jwt.Claims, int) {
	if s.onlineConnNum.Load() >= s.maxConnNum {
		return nil, http.StatusServiceUnavailable
	}
	if token == "" || sendId == "" {
		return nil, http.StatusBadRequest
	}
	claims, err := jwt.ValidateToken(token, s.cfg.JWT.Secret, sendId)
	if err != nil {
		log.CtxDebug(ctx, "token validation failed: send_id=%s, error=%v", sendId, err)
		return nil, http.StatusUnauthorized
	}
	if revoked, err := s.tokens.IsRevoked(ctx, claims); err != nil {
		log.CtxWarn(ctx, "check token revocation failed: user_id=%s, error=%v", claims.UserId, err)
		return nil, http.StatusServiceUnavailable
	} else if revoked {
		return nil, http.StatusUnauthorized
	}
	return claims, http.StatusOK
}

// serve opens the session of a new connection and runs its read loop until it closes
func (s *WsServer) serve(ctx context.Context, conn ClientConn, claims *jwt.Claims) {
	userId := claims.UserId
	client := NewClient(conn, userId, idgen.NewConnId(), s)
	client.TokenId = claims.ID
	sess, err := s.hub.Open(ctx, client.ConnId, userId, client)
	if err != nil {
		log.CtxWarn(ctx, "open session failed: user_id=%s, error=%v", userId, err)
		_ = client.Close()
		return
	}
	client.bind(sess)
	if client.IsClosed() {
		s.hub.Close(sess)
		return
	}

	s.registerChan <- client
	client.readLoop()
}

// HandleConnection handles a new WebSocket connection on a net/http server
func (s *WsServer) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, status := s.authenticate(ctx, r.URL.Query().Get(QueryToken), r.URL.Query().Get(QuerySendId))
	if claims == nil {
		http.Error(w, http.StatusText(status), status)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.CtxWarn(ctx, "websocket upgrade failed: %v", err)
		return
	}
	go s.serve(context.Background(), NewWebSocketClientConn(conn, s.connOpts), claims)
}

// IsOnline reports whether a user holds a connection on any node
func (s *WsServer) IsOnline(ctx context.Context, userId string) bool {
	return s.userMap.IsOnline(ctx, userId)
}

// GetOnlineUserCount returns online user count
func (s *WsServer) GetOnlineUserCount() int64 {
	return s.onlineUserNum.Load()
}

// GetOnlineConnCount returns online connection count
func (s *WsServer) GetOnlineConnCount() int64 {
	return s.onlineConnNum.Load()
}

// Kick closes the connections of a user opened with the given token, or all of them
// when tokenId is empty
func (s *WsServer) Kick(userId, tokenId string) int {
	clients, _ := s.userMap.GetAll(userId)
	n := 0
	for _, c := range clients {
		if tokenId != "" && c.TokenId != tokenId {
			continue
		}
		_ = c.KickOnline()
		c.unregOnce.Do(func() { s.UnregisterClient(c) })
		n++
	}
	return n
}

func decodeReq(req *WSRequest, v interface{}) error {
	if err := Decode(req.Data, v); err != nil {
		return errcode.ErrInvalidParam
	}
	return nil
}

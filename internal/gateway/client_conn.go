package gateway

import (
	"sync"
	"time"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/internal/config"
)

// ClientConn represents a WebSocket connection wrapper
type ClientConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// ConnOptions holds the per-connection limits and timeouts
type ConnOptions struct {
	MaxMessageSize   int64
	WriteWait        time.Duration
	PongWait         time.Duration
	PingPeriod       time.Duration
	WriteChannelSize int
}

// NewConnOptions takes connection options from config, falling back to defaults
func NewConnOptions(cfg config.WebSocketConfig) ConnOptions {
	o := ConnOptions{
		MaxMessageSize:   cfg.MaxMessageSize,
		WriteWait:        cfg.WriteWait,
		PongWait:         cfg.PongWait,
		PingPeriod:       cfg.PingPeriod,
		WriteChannelSize: cfg.WriteChannelSize,
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = MaxMessageSize
	}
	if o.WriteWait <= 0 {
		o.WriteWait = WriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = PongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	if o.WriteChannelSize <= 0 {
		o.WriteChannelSize = WriteChannelSize
	}
	return o
}

// Frame types shared by gorilla/websocket and hertz-contrib/websocket
const (
	textFrame  = 1
	closeFrame = 8
	pingFrame  = 9
)

// frameConn is the part of a websocket connection the gateway drives. Both
// gorilla/websocket and hertz-contrib/websocket connections satisfy it.
type frameConn interface {
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// wsClientConn implements ClientConn with a single writer goroutine fed by a
// bounded channel
type wsClientConn struct {
	conn      frameConn
	opts      ConnOptions
	writeChan chan []byte
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    bool
	// guard recovers writes racing a connection torn down underneath
	guard bool
}

func newClientConn(conn frameConn, opts ConnOptions, guard bool) *wsClientConn {
	c := &wsClientConn{
		conn:      conn,
		opts:      opts,
		writeChan: make(chan []byte, opts.WriteChannelSize),
		guard:     guard,
	}

	conn.SetReadLimit(opts.MaxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	go c.writeLoop()
	return c
}

// writeLoop handles all writes to the connection (single writer pattern)
func (c *wsClientConn) writeLoop() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		if r := recover(); r != nil {
			log.Debug("write loop recovered from panic: %v", r)
		}
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.writeChan:
			if !ok {
				_ = c.write(closeFrame, []byte{})
				return
			}
			if err := c.write(textFrame, message); err != nil {
				log.Debug("write message error: %v", err)
				return
			}

		case <-ticker.C:
			if err := c.write(pingFrame, nil); err != nil {
				log.Debug("ping error: %v", err)
				return
			}
		}
	}
}

func (c *wsClientConn) write(messageType int, data []byte) (err error) {
	if c.guard {
		defer func() {
			if r := recover(); r != nil {
				err = ErrConnClosed
			}
		}()
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	return c.conn.WriteMessage(messageType, data)
}

// ReadMessage reads a message from the connection
func (c *wsClientConn) ReadMessage() ([]byte, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	_, message, err := c.conn.ReadMessage()
	return message, err
}

// WriteMessage queues a message to be written
func (c *wsClientConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return ErrConnClosed
	}

	select {
	case c.writeChan <- data:
		return nil
	default:
		// slow consumer
		return ErrWriteChannelFull
	}
}

// Close closes the connection after the queued frames were flushed
func (c *wsClientConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed = true
		close(c.writeChan)
		c.writeMu.Unlock()
	})
	return nil
}

// SetReadDeadline sets the read deadline
func (c *wsClientConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline
func (c *wsClientConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbeoliero/kit/log"
)

// Frame types of the hosted realtime protocol
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameAck         = "ack"
	FrameEvent       = "event"
	FramePublish     = "publish"
	FrameError       = "error"
)

// Frame is one message of the hosted realtime protocol
type Frame struct {
	Type    string    `json:"type"`
	Topic   string    `json:"topic,omitempty"`
	Payload *RawEvent `json:"payload,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// WebSocketConfig holds hosted realtime settings
type WebSocketConfig struct {
	URL          string
	APIKey       string
	AckTimeout   time.Duration
	WriteTimeout time.Duration
}

// WebSocketBus speaks to a hosted realtime service. Each subscription uses its own
// connection, so a dropped connection fails exactly the subscription riding on it.
type WebSocketBus struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer

	pubMu   sync.Mutex
	pubConn *websocket.Conn
}

// NewWebSocketBus creates a WebSocketBus
func NewWebSocketBus(cfg WebSocketConfig) *WebSocketBus {
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &WebSocketBus{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (b *WebSocketBus) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if b.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}
	conn, _, err := b.dialer.DialContext(ctx, b.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial realtime %s: %w", b.cfg.URL, err)
	}
	return conn, nil
}

// Subscribe opens a connection, subscribes to topic and waits for the ack
func (b *WebSocketBus) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	conn, err := b.dial(ctx)
	if err != nil {
		return nil, err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
	if err := conn.WriteJSON(Frame{Type: FrameSubscribe, Topic: topic}); err != nil {
		_ = conn.Close()
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(b.cfg.AckTimeout))
	var ack Frame
	if err := conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read subscribe ack: %w", err)
	}
	if ack.Type != FrameAck {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe %s rejected: %s", topic, ack.Error)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var writeMu sync.Mutex
	sub := newSubscription(func() error {
		writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
		_ = conn.WriteJSON(Frame{Type: FrameUnsubscribe, Topic: topic})
		writeMu.Unlock()
		return conn.Close()
	})

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if !sub.isClosed() {
					log.Warn("realtime feed read failed: topic=%s, error=%v", topic, err)
					sub.fail(err)
					_ = conn.Close()
				}
				return
			}

			var f Frame
			if err := json.Unmarshal(data, &f); err != nil {
				log.Warn("drop malformed realtime frame: topic=%s, error=%v", topic, err)
				continue
			}
			switch f.Type {
			case FrameEvent:
				if f.Payload == nil {
					continue
				}
				ev, err := DecodeRaw(*f.Payload)
				if err != nil {
					log.Warn("drop invalid change event: topic=%s, error=%v", topic, err)
					continue
				}
				if !sub.isClosed() {
					h(ctx, ev)
				}
			case FrameError:
				log.Warn("realtime feed error frame: topic=%s, error=%s", topic, f.Error)
			}
		}
	}()

	return sub, nil
}

// Publish sends the event over a shared publishing connection, redialing once on failure
func (b *WebSocketBus) Publish(ctx context.Context, topic string, ev RawEvent) error {
	if _, err := encode(ev); err != nil {
		return err
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	frame := Frame{Type: FramePublish, Topic: topic, Payload: &ev}
	for attempt := 0; attempt < 2; attempt++ {
		if b.pubConn == nil {
			conn, err := b.dial(ctx)
			if err != nil {
				return err
			}
			b.pubConn = conn
		}
		_ = b.pubConn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
		err := b.pubConn.WriteJSON(frame)
		if err == nil {
			return nil
		}
		log.CtxWarn(ctx, "realtime publish failed, redialing: topic=%s, error=%v", topic, err)
		_ = b.pubConn.Close()
		b.pubConn = nil
		if attempt == 1 {
			return err
		}
	}
	return nil
}

// Close closes the publishing connection
func (b *WebSocketBus) Close() error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.pubConn == nil {
		return nil
	}
	err := b.pubConn.Close()
	b.pubConn = nil
	return err
}

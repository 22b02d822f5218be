package changefeed

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/mbeoliero/kit/log"
	"github.com/nats-io/nats.go"
)

// NatsConfig holds NATS connection settings
type NatsConfig struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NatsBus carries the feed over NATS core subjects. A disconnect fails every live
// subscription so subscribers back off and resync once the client reconnects.
type NatsBus struct {
	nc *nats.Conn

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// NewNatsBus connects to NATS
func NewNatsBus(cfg NatsConfig) (*NatsBus, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}

	b := &NatsBus{subs: make(map[*subscription]struct{})}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				err = nats.ErrConnectionClosed
			}
			log.Warn("nats feed disconnected: %v", err)
			b.failAll(err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats feed reconnected: url=%s", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, err
	}
	b.nc = nc
	return b, nil
}

func (b *NatsBus) failAll(err error) {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.fail(err)
	}
}

// Subscribe subscribes to topic and flushes so the server has registered interest
func (b *NatsBus) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	sub := newSubscription(nil)
	ns, err := b.nc.Subscribe(topic, func(m *nats.Msg) {
		if sub.isClosed() {
			return
		}
		deliver(ctx, topic, append([]byte(nil), m.Data...), h)
	})
	if err != nil {
		return nil, err
	}
	if err := b.nc.Flush(); err != nil {
		_ = ns.Unsubscribe()
		return nil, err
	}

	sub.closeFn = func() error {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		if err := ns.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			return err
		}
		return nil
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// Publish publishes the event to topic
func (b *NatsBus) Publish(ctx context.Context, topic string, ev RawEvent) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	return b.nc.Publish(topic, data)
}

// Close drains the connection
func (b *NatsBus) Close() error {
	if b.nc == nil {
		return nil
	}
	return b.nc.Drain()
}

package changefeed

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbeoliero/kit/log"
	"github.com/redis/go-redis/v9"
)

// RedisBus carries the feed over Redis pub/sub
type RedisBus struct {
	rdb *redis.Client
}

// NewRedisBus creates a RedisBus on an existing client
func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

// Subscribe subscribes to topic and waits for the server acknowledgment
func (b *RedisBus) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, topic)

	// First reply is the subscription confirmation
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	sub := newSubscription(ps.Close)

	go func() {
		for {
			msg, err := ps.ReceiveMessage(context.Background())
			if err != nil {
				if sub.isClosed() || errors.Is(err, redis.ErrClosed) {
					return
				}
				log.Warn("redis feed receive failed: topic=%s, error=%v", topic, err)
				sub.fail(err)
				_ = ps.Close()
				return
			}
			deliver(ctx, topic, []byte(msg.Payload), h)
		}
	}()

	return sub, nil
}

// Publish publishes the event to topic
func (b *RedisBus) Publish(ctx context.Context, topic string, ev RawEvent) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, topic, data).Err()
}

// Close is a no-op; the client is owned by the repositories
func (b *RedisBus) Close() error {
	return nil
}

package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/pkg/constant"
)

// Handler receives decoded events. It is invoked from the driver's delivery goroutine.
type Handler func(ctx context.Context, ev Event)

// Subscription is an acknowledged subscription to one topic
type Subscription interface {
	// Err delivers at most one transport error, after which no more events arrive
	Err() <-chan error
	// Close tears the subscription down; it is safe to call more than once
	Close() error
}

// Source subscribes to topics. Delivery is at-most-once with no replay after a drop.
type Source interface {
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
}

// Publisher emits row change events to topics
type Publisher interface {
	Publish(ctx context.Context, topic string, ev RawEvent) error
}

// Bus is both ends of a feed
type Bus interface {
	Source
	Publisher
	Close() error
}

// MessagesTopic is the broad topic carrying every message change
func MessagesTopic() string { return constant.TopicMessages() }

// ChannelsTopic carries channel settings changes
func ChannelsTopic() string { return constant.TopicChannels() }

// ChannelTopic carries message and reaction changes of one channel
func ChannelTopic(channelId string) string {
	return fmt.Sprintf(constant.TopicChannel(), channelId)
}

// TypingTopic carries typing activity of one channel
func TypingTopic(channelId string) string {
	return fmt.Sprintf(constant.TopicTyping(), channelId)
}

// UserTopic carries membership and notification changes of one user
func UserTopic(userId string) string {
	return fmt.Sprintf(constant.TopicUser(), userId)
}

// deliver decodes a payload and hands it to h; invalid payloads are dropped at the boundary
func deliver(ctx context.Context, topic string, data []byte, h Handler) {
	ev, err := Decode(data)
	if err != nil {
		log.CtxWarn(ctx, "drop invalid change event: topic=%s, error=%v", topic, err)
		return
	}
	h(ctx, ev)
}

func encode(ev RawEvent) ([]byte, error) {
	if _, err := DecodeRaw(ev); err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}

// subscription is the shared Err/Close bookkeeping for drivers
type subscription struct {
	errCh   chan error
	once    sync.Once
	closeFn func() error

	mu     sync.Mutex
	closed bool
}

func newSubscription(closeFn func() error) *subscription {
	return &subscription{errCh: make(chan error, 1), closeFn: closeFn}
}

func (s *subscription) Err() <-chan error {
	return s.errCh
}

// fail reports a transport error once, unless the subscription was closed
func (s *subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if s.closeFn != nil {
			err = s.closeFn()
		}
	})
	return err
}

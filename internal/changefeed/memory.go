package changefeed

import (
	"context"
	"errors"
	"sync"

	"github.com/mbeoliero/kit/log"
)

// ErrBusClosed is returned after Close
var ErrBusClosed = errors.New("changefeed: bus closed")

// MemoryBus is an in-process feed. Each subscriber has a bounded buffer; payloads
// published while the buffer is full are dropped for that subscriber.
type MemoryBus struct {
	buffer int

	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

type memorySub struct {
	*subscription
	topic string
	ch    chan []byte
	done  chan struct{}
}

// NewMemoryBus creates a MemoryBus with the given per-subscriber buffer
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 1024
	}
	return &MemoryBus{
		buffer: buffer,
		subs:   make(map[string]map[*memorySub]struct{}),
	}
}

// Subscribe registers h for topic
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	s := &memorySub{
		topic: topic,
		ch:    make(chan []byte, b.buffer),
		done:  make(chan struct{}),
	}
	s.subscription = newSubscription(func() error {
		b.remove(s)
		close(s.done)
		return nil
	})

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*memorySub]struct{})
	}
	b.subs[topic][s] = struct{}{}

	go func() {
		for {
			select {
			case <-s.done:
				return
			case data := <-s.ch:
				if s.isClosed() {
					return
				}
				deliver(ctx, topic, data, h)
			}
		}
	}()

	return s, nil
}

func (b *MemoryBus) remove(s *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.topic)
		}
	}
}

// Publish fans the event out to current subscribers of topic
func (b *MemoryBus) Publish(ctx context.Context, topic string, ev RawEvent) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for s := range b.subs[topic] {
		select {
		case s.ch <- data:
		default:
			log.CtxWarn(ctx, "memory feed subscriber buffer full, drop event: topic=%s", topic)
		}
	}
	return nil
}

// Disconnect simulates a transport drop: every subscriber receives err and is removed
func (b *MemoryBus) Disconnect(err error) {
	b.mu.Lock()
	var all []*memorySub
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.subs = make(map[string]map[*memorySub]struct{})
	b.mu.Unlock()

	for _, s := range all {
		s.fail(err)
	}
}

// SubscriberCount returns the number of subscribers of topic
func (b *MemoryBus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close closes the bus
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

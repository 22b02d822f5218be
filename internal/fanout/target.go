package fanout

import (
	"context"
	"time"

	"github.com/mbeoliero/chatsync/internal/changefeed"
)

// TargetKind is a logical subscription surface of a session
type TargetKind string

const (
	TargetSidebar     TargetKind = "sidebar"
	TargetOpenChannel TargetKind = "open_channel"
	TargetOpenThread  TargetKind = "open_thread"
)

// State is the subscription state of a target
type State string

const (
	StateUnsubscribed State = "unsubscribed"
	StateSubscribing  State = "subscribing"
	StateActive       State = "active"
	StateErrorBackoff State = "error_backoff"
)

// Target names what a subscription covers
type Target struct {
	Kind      TargetKind
	ChannelId string
	ParentId  string
}

func (t Target) topics(userId string) []string {
	switch t.Kind {
	case TargetSidebar:
		return []string{changefeed.MessagesTopic(), changefeed.ChannelsTopic(), changefeed.UserTopic(userId)}
	case TargetOpenChannel:
		return []string{changefeed.ChannelTopic(t.ChannelId), changefeed.TypingTopic(t.ChannelId)}
	default:
		return []string{changefeed.ChannelTopic(t.ChannelId)}
	}
}

// Backoff computes retry delays, doubling from Initial up to Max
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before retry number attempt, starting at zero
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// subscription holds the live state of one target. All fields are owned by the loop.
type subscription struct {
	target  Target
	state   State
	epoch   uint64
	attempt int
	ctx     context.Context
	cancel  context.CancelFunc
	subs    []changefeed.Subscription
	stop    func() bool
	// resumed is set once the target was active, so later activations are reconnects
	resumed bool
}

// teardown closes everything the current epoch owns and invalidates its callbacks
func (s *subscription) teardown() {
	s.epoch++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	for _, sub := range s.subs {
		_ = sub.Close()
	}
	s.subs = nil
}

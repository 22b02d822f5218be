package fanout

import (
	"context"
	"errors"
	"time"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/internal/changefeed"
	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/internal/metrics"
	"github.com/mbeoliero/chatsync/internal/reconcile"
	"github.com/mbeoliero/chatsync/internal/unread"
)

var ErrRouterClosed = errors.New("fanout: router closed")

// RecordFetcher loads the full client record of a message, nil when it is gone
type RecordFetcher interface {
	GetRecord(ctx context.Context, id string) (*entity.MessageRecord, error)
}

// NotificationSink takes notification rows delivered by the feed
type NotificationSink interface {
	Receive(n *entity.Notification) bool
	ApplyRemoteUpdate(n *entity.Notification) bool
	ApplyRemoteDelete(n *entity.Notification) bool
}

// Delegate receives what the router does not handle itself. Every call is made on
// the session loop.
type Delegate interface {
	// Resync reloads the state behind a target that just became active. Reconnect
	// reports whether it was active before, so events may have been missed.
	Resync(t Target, reconnect bool)
	StateChanged(t Target, s State, err error)
	MembershipChanged(ev *changefeed.MemberEvent)
	ChannelChanged(ev *changefeed.ChannelEvent)
	// TypingChanged reports typing activity of another user in the open channel
	TypingChanged(ev *changefeed.TypingEvent)
}

// Options configures a Router
type Options struct {
	UserId   string
	Source   changefeed.Source
	Fetcher  RecordFetcher
	Cache    *reconcile.Cache
	Engine   *unread.Engine
	Inbox    NotificationSink
	Delegate Delegate
	Metrics  *metrics.Collector

	// Post schedules fn on the session loop
	Post func(fn func())
	// Async runs blocking work off the loop, default is a goroutine
	Async func(fn func())
	// After runs fn once d elapsed and returns a stop func
	After func(d time.Duration, fn func()) func() bool
	Now   func() int64

	Backoff      Backoff
	FetchTimeout time.Duration
}

// Router keeps a session's subscriptions alive and turns change events into updates
// of the cache, cursor engine and notification inbox. All methods except the feed
// callbacks must be called on the session loop.
type Router struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	targets map[TargetKind]*subscription
}

// NewRouter creates a Router
func NewRouter(opts Options) *Router {
	if opts.Async == nil {
		opts.Async = func(fn func()) { go fn() }
	}
	if opts.After == nil {
		opts.After = func(d time.Duration, fn func()) func() bool { return time.AfterFunc(d, fn).Stop }
	}
	if opts.Now == nil {
		opts.Now = entity.NowUnixMilli
	}
	if opts.Backoff.Initial <= 0 {
		opts.Backoff.Initial = time.Second
	}
	if opts.Backoff.Max < opts.Backoff.Initial {
		opts.Backoff.Max = 30 * opts.Backoff.Initial
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{opts: opts, ctx: ctx, cancel: cancel, targets: make(map[TargetKind]*subscription)}
	for _, kind := range []TargetKind{TargetSidebar, TargetOpenChannel, TargetOpenThread} {
		r.targets[kind] = &subscription{target: Target{Kind: kind}, state: StateUnsubscribed}
	}
	return r
}

// State returns the subscription state of a target kind
func (r *Router) State(kind TargetKind) State {
	return r.targets[kind].state
}

// Target returns what a target kind currently covers
func (r *Router) Target(kind TargetKind) Target {
	return r.targets[kind].target
}

// OpenChannel returns the open channel id, empty when none
func (r *Router) OpenChannel() string {
	if s := r.targets[TargetOpenChannel]; s.state != StateUnsubscribed {
		return s.target.ChannelId
	}
	return ""
}

// OpenThread returns the open thread's parent id, empty when none
func (r *Router) OpenThread() (channelId, parentId string) {
	if s := r.targets[TargetOpenThread]; s.state != StateUnsubscribed {
		return s.target.ChannelId, s.target.ParentId
	}
	return "", ""
}

// WatchSidebar subscribes the broad sidebar scope
func (r *Router) WatchSidebar() {
	r.mount(Target{Kind: TargetSidebar})
}

// WatchChannel switches the open channel; the previous one and its thread are torn
// down first
func (r *Router) WatchChannel(channelId string) {
	r.unmount(TargetOpenThread)
	r.mount(Target{Kind: TargetOpenChannel, ChannelId: channelId})
}

// WatchThread switches the open thread
func (r *Router) WatchThread(channelId, parentId string) {
	r.mount(Target{Kind: TargetOpenThread, ChannelId: channelId, ParentId: parentId})
}

// Unwatch tears a target down
func (r *Router) Unwatch(kind TargetKind) {
	if kind == TargetOpenChannel {
		r.unmount(TargetOpenThread)
	}
	r.unmount(kind)
}

// Retry resubscribes a target waiting in error-backoff without waiting for the delay
func (r *Router) Retry(kind TargetKind) bool {
	s := r.targets[kind]
	if s.state != StateErrorBackoff {
		return false
	}
	r.subscribe(s)
	return true
}

// Close tears every target down. Pending callbacks become no-ops.
func (r *Router) Close() {
	if r.closed {
		return
	}
	for kind := range r.targets {
		r.unmount(kind)
	}
	r.closed = true
	r.cancel()
}

func (r *Router) setState(s *subscription, state State, err error) {
	if s.state == state {
		return
	}
	s.state = state
	r.opts.Metrics.SubscriptionState(string(s.target.Kind), string(state))
	if r.opts.Delegate != nil {
		r.opts.Delegate.StateChanged(s.target, state, err)
	}
}

func (r *Router) mount(t Target) {
	if r.closed {
		return
	}
	s := r.targets[t.Kind]
	s.teardown()
	r.setState(s, StateUnsubscribed, nil)
	s.target = t
	s.attempt = 0
	s.resumed = false
	r.subscribe(s)
}

func (r *Router) unmount(kind TargetKind) {
	s := r.targets[kind]
	s.teardown()
	s.attempt = 0
	s.resumed = false
	r.setState(s, StateUnsubscribed, nil)
	s.target = Target{Kind: kind}
}

// subscribe establishes every topic of s. Acknowledgment is awaited off the loop.
func (r *Router) subscribe(s *subscription) {
	s.teardown()
	s.ctx, s.cancel = context.WithCancel(r.ctx)
	r.setState(s, StateSubscribing, nil)

	epoch, ctx, topics := s.epoch, s.ctx, s.target.topics(r.opts.UserId)
	handler := func(_ context.Context, ev changefeed.Event) {
		r.opts.Post(func() {
			if s.epoch == epoch {
				r.OnChangeEvent(ev)
			}
		})
	}

	r.opts.Async(func() {
		var subs []changefeed.Subscription
		var err error
		for _, topic := range topics {
			var sub changefeed.Subscription
			if sub, err = r.opts.Source.Subscribe(ctx, topic, handler); err != nil {
				break
			}
			subs = append(subs, sub)
		}

		r.opts.Post(func() {
			if s.epoch != epoch {
				closeAll(subs)
				return
			}
			if err != nil {
				closeAll(subs)
				r.fail(s, err)
				return
			}
			r.activate(s, subs)
		})
	})
}

func closeAll(subs []changefeed.Subscription) {
	for _, sub := range subs {
		_ = sub.Close()
	}
}

func (r *Router) activate(s *subscription, subs []changefeed.Subscription) {
	s.subs = subs
	s.attempt = 0
	reconnect := s.resumed
	s.resumed = true
	r.setState(s, StateActive, nil)

	epoch := s.epoch
	for _, sub := range subs {
		errCh := sub.Err()
		ctx := s.ctx
		r.opts.Async(func() {
			select {
			case err := <-errCh:
				r.opts.Post(func() {
					if s.epoch == epoch {
						r.fail(s, err)
					}
				})
			case <-ctx.Done():
			}
		})
	}

	if r.opts.Delegate != nil {
		r.opts.Delegate.Resync(s.target, reconnect)
	}
}

// fail moves s to error-backoff and schedules a resubscribe
func (r *Router) fail(s *subscription, err error) {
	log.CtxWarn(r.ctx, "feed subscription failed: user_id=%s, target=%s, attempt=%d, error=%v", r.opts.UserId, s.target.Kind, s.attempt, err)
	s.teardown()
	r.setState(s, StateErrorBackoff, err)

	epoch := s.epoch
	delay := r.opts.Backoff.Delay(s.attempt)
	s.attempt++
	s.stop = r.opts.After(delay, func() {
		r.opts.Post(func() {
			if s.epoch == epoch && s.state == StateErrorBackoff {
				r.subscribe(s)
			}
		})
	})
}

// Go runs work off the loop with the context of a target and applies its result on
// the loop, unless the target was torn down or switched in the meantime
func (r *Router) Go(kind TargetKind, work func(ctx context.Context) func()) {
	s := r.targets[kind]
	if s.ctx == nil || s.state == StateUnsubscribed {
		return
	}
	epoch, ctx := s.epoch, s.ctx
	r.opts.Async(func() {
		apply := work(ctx)
		r.opts.Post(func() {
			if s.epoch != epoch {
				r.opts.Metrics.StaleFetchDiscarded()
				log.CtxDebug(ctx, "discard result for torn down target: target=%s", s.target.Kind)
				return
			}
			if apply != nil {
				apply()
			}
		})
	})
}

// fetchInsert loads the full record of a message and merges it into the cache.
// Inserts seen while the target is not active are left to the resync that follows.
func (r *Router) fetchInsert(kind TargetKind, id string) {
	if r.targets[kind].state != StateActive {
		log.CtxDebug(r.ctx, "skip fetch for inactive target: target=%s, id=%s", kind, id)
		return
	}
	r.Go(kind, func(ctx context.Context) func() {
		start := time.Now()
		fctx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
		defer cancel()
		rec, err := r.opts.Fetcher.GetRecord(fctx, id)
		r.opts.Metrics.ObserveFetch(time.Since(start).Seconds())
		if err != nil {
			log.CtxWarn(ctx, "fetch message record failed: id=%s, error=%v", id, err)
			return nil
		}
		if rec == nil {
			return nil
		}
		return func() {
			if !r.opts.Cache.ApplyRemoteInsert(rec) {
				r.opts.Metrics.DuplicateInsert()
			}
		}
	})
}

package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeoliero/chatsync/internal/changefeed"
	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/internal/metrics"
	"github.com/mbeoliero/chatsync/internal/reconcile"
	"github.com/mbeoliero/chatsync/internal/unread"
)

const self = "u"

type testLoop struct{ ch chan func() }

func newTestLoop() *testLoop { return &testLoop{ch: make(chan func(), 1024)} }

func (l *testLoop) Post(fn func()) { l.ch <- fn }

// until runs posted callbacks until cond holds
func (l *testLoop) until(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case fn := <-l.ch:
			fn()
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatal("condition not reached")
		}
	}
}

// settle runs callbacks until the loop stays idle for a moment
func (l *testLoop) settle() {
	for {
		select {
		case fn := <-l.ch:
			fn()
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

type fakeFetcher struct {
	mu      sync.Mutex
	records map[string]*entity.MessageRecord
	calls   int
	gate    chan struct{}
	started chan string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{records: make(map[string]*entity.MessageRecord)}
}

func (f *fakeFetcher) put(rec *entity.MessageRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.Id] = rec
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFetcher) GetRecord(ctx context.Context, id string) (*entity.MessageRecord, error) {
	f.mu.Lock()
	f.calls++
	gate, started := f.gate, f.started
	f.mu.Unlock()

	if started != nil {
		started <- id
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[id].Clone(), nil
}

type fakeTimers struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (tm *fakeTimers) After(d time.Duration, fn func()) func() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.delays = append(tm.delays, d)
	tm.fns = append(tm.fns, fn)
	return func() bool { return true }
}

func (tm *fakeTimers) fireLast() {
	tm.mu.Lock()
	fn := tm.fns[len(tm.fns)-1]
	tm.mu.Unlock()
	fn()
}

type resync struct {
	target    Target
	reconnect bool
}

type recorder struct {
	resyncs  []resync
	states   []State
	members  []*changefeed.MemberEvent
	channels []*changefeed.ChannelEvent
	typing   []*changefeed.TypingEvent
	lastErr  error
}

func (d *recorder) Resync(t Target, reconnect bool) {
	d.resyncs = append(d.resyncs, resync{t, reconnect})
}

func (d *recorder) StateChanged(_ Target, s State, err error) {
	d.states = append(d.states, s)
	if err != nil {
		d.lastErr = err
	}
}

func (d *recorder) MembershipChanged(ev *changefeed.MemberEvent) { d.members = append(d.members, ev) }
func (d *recorder) ChannelChanged(ev *changefeed.ChannelEvent)   { d.channels = append(d.channels, ev) }
func (d *recorder) TypingChanged(ev *changefeed.TypingEvent)     { d.typing = append(d.typing, ev) }

type fakeInbox struct {
	received []*entity.Notification
	updated  int
	deleted  int
}

func (i *fakeInbox) Receive(n *entity.Notification) bool {
	i.received = append(i.received, n)
	return true
}
func (i *fakeInbox) ApplyRemoteUpdate(*entity.Notification) bool { i.updated++; return true }
func (i *fakeInbox) ApplyRemoteDelete(*entity.Notification) bool { i.deleted++; return true }

type fixture struct {
	loop     *testLoop
	bus      *changefeed.MemoryBus
	fetcher  *fakeFetcher
	cache    *reconcile.Cache
	engine   *unread.Engine
	inbox    *fakeInbox
	delegate *recorder
	timers   *fakeTimers
	router   *Router
}

func newFixture(t *testing.T, source changefeed.Source) *fixture {
	t.Helper()
	f := &fixture{
		loop:     newTestLoop(),
		bus:      changefeed.NewMemoryBus(64),
		fetcher:  newFakeFetcher(),
		cache:    reconcile.NewCache(),
		inbox:    &fakeInbox{},
		delegate: &recorder{},
		timers:   &fakeTimers{},
	}
	f.engine = unread.NewEngine(nil, nil, unread.Options{
		Async: func(fn func()) { fn() },
		Now:   func() int64 { return 1 },
	})
	if source == nil {
		source = f.bus
	}
	f.router = NewRouter(Options{
		UserId:   self,
		Source:   source,
		Fetcher:  f.fetcher,
		Cache:    f.cache,
		Engine:   f.engine,
		Inbox:    f.inbox,
		Delegate: f.delegate,
		Metrics:  metrics.NewCollector(),
		Post:     f.loop.Post,
		After:    f.timers.After,
		Now:      func() int64 { return 1_000 },
		Backoff:  Backoff{Initial: time.Second, Max: 8 * time.Second},
	})
	t.Cleanup(func() {
		f.router.Close()
		_ = f.bus.Close()
	})
	return f
}

func (f *fixture) publish(t *testing.T, topic, table string, kind changefeed.EventType, newRow, oldRow interface{}) {
	t.Helper()
	raw, err := changefeed.NewRawEvent(table, kind, newRow, oldRow)
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), topic, raw))
}

func (f *fixture) active(t *testing.T, kind TargetKind) {
	t.Helper()
	f.loop.until(t, func() bool { return f.router.State(kind) == StateActive })
}

func (f *fixture) viewIds(key reconcile.Key) []string {
	v, _ := f.cache.View(key)
	var ids []string
	for _, e := range v.Entries {
		ids = append(ids, e.Id())
	}
	return ids
}

func message(id, channelId, author string, createdAt int64) *entity.Message {
	return &entity.Message{Id: id, ChannelId: channelId, UserId: author, Content: "hi", CreatedAt: createdAt}
}

func recordOf(m *entity.Message) *entity.MessageRecord {
	return m.ToMessageRecord(&entity.User{Id: m.UserId, Name: m.UserId}, nil, nil, 0)
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 5 * time.Second}
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 4*time.Second, b.Delay(2))
	assert.Equal(t, 5*time.Second, b.Delay(3))
	assert.Equal(t, 5*time.Second, b.Delay(30))
}

func TestWatchChannelActivatesAndResyncs(t *testing.T) {
	f := newFixture(t, nil)
	f.router.WatchChannel("c")
	assert.Equal(t, StateSubscribing, f.router.State(TargetOpenChannel))

	f.active(t, TargetOpenChannel)
	assert.Equal(t, "c", f.router.OpenChannel())
	require.Len(t, f.delegate.resyncs, 1)
	assert.Equal(t, resync{Target{Kind: TargetOpenChannel, ChannelId: "c"}, false}, f.delegate.resyncs[0])
	assert.Equal(t, 1, f.bus.SubscriberCount(changefeed.ChannelTopic("c")))
}

func TestSwitchChannelTearsDownPrevious(t *testing.T) {
	f := newFixture(t, nil)
	f.router.WatchChannel("c")
	f.active(t, TargetOpenChannel)
	f.router.WatchThread("c", "p")
	f.active(t, TargetOpenThread)

	f.router.WatchChannel("d")
	assert.Equal(t, StateUnsubscribed, f.router.State(TargetOpenThread))
	f.active(t, TargetOpenChannel)
	assert.Equal(t, 0, f.bus.SubscriberCount(changefeed.ChannelTopic("c")))
	assert.Equal(t, 1, f.bus.SubscriberCount(changefeed.ChannelTopic("d")))
}

func TestInsertFetchesRecordIntoOpenChannel(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.Join(self, "c", 1)
	f.cache.PrependPage(reconcile.ChannelKey("c"), nil, 50)
	f.router.WatchChannel("c")
	f.active(t, TargetOpenChannel)

	m := message("m1", "c", "other", 500)
	f.fetcher.put(recordOf(m))
	f.publish(t, changefeed.ChannelTopic("c"), changefeed.TableMessages, changefeed.Insert, m, nil)

	f.loop.until(t, func() bool { return len(f.viewIds(reconcile.ChannelKey("c"))) == 1 })
	cursor, _ := f.engine.Cursor(self, "c")
	assert.Equal(t, int64(500), cursor, "open channel is read as messages arrive")
	assert.Equal(t, 0, f.engine.RecomputeUnread(self, "c"))
}

func TestSelfInsertIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.cache.PrependPage(reconcile.ChannelKey("c"), nil, 50)
	f.router.WatchChannel("c")
	f.active(t, TargetOpenChannel)

	f.publish(t, changefeed.ChannelTopic("c"), changefeed.TableMessages, changefeed.Insert, message("m1", "c", self, 500), nil)
	f.loop.settle()
	assert.Equal(t, 0, f.fetcher.callCount())
	assert.Empty(t, f.viewIds(reconcile.ChannelKey("c")))
}

func TestSidebarCountsUnreadWithoutFetching(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.Join(self, "d", 1)
	f.router.WatchSidebar()
	f.active(t, TargetSidebar)

	f.publish(t, changefeed.MessagesTopic(), changefeed.TableMessages, changefeed.Insert, message("m1", "d", "other", 500), nil)
	f.loop.until(t, func() bool { return f.engine.RecomputeUnread(self, "d") == 1 })
	assert.Equal(t, 0, f.fetcher.callCount())
}

func TestDuplicateDeliveryYieldsOneRecord(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.Join(self, "c", 1)
	f.cache.PrependPage(reconcile.ChannelKey("c"), nil, 50)
	f.router.WatchSidebar()
	f.router.WatchChannel("c")
	f.active(t, TargetSidebar)
	f.active(t, TargetOpenChannel)

	m := message("m1", "c", "other", 500)
	f.fetcher.put(recordOf(m))
	f.publish(t, changefeed.MessagesTopic(), changefeed.TableMessages, changefeed.Insert, m, nil)
	f.publish(t, changefeed.ChannelTopic("c"), changefeed.TableMessages, changefeed.Insert, m, nil)

	f.loop.until(t, func() bool { return f.fetcher.callCount() == 2 })
	f.loop.settle()
	assert.Equal(t, []string{"m1"}, f.viewIds(reconcile.ChannelKey("c")))
}

func TestFetchForSwitchedChannelIsDiscarded(t *testing.T) {
	f := newFixture(t, nil)
	f.fetcher.gate = make(chan struct{})
	f.fetcher.started = make(chan string, 1)
	f.cache.PrependPage(reconcile.ChannelKey("c"), nil, 50)
	f.router.WatchChannel("c")
	f.active(t, TargetOpenChannel)

	m := message("m1", "c", "other", 500)
	f.fetcher.put(recordOf(m))
	f.publish(t, changefeed.ChannelTopic("c"), changefeed.TableMessages, changefeed.Insert, m, nil)

	f.loop.until(t, func() bool { return len(f.fetcher.started) == 1 })
	f.router.WatchChannel("d")
	close(f.fetcher.gate)
	f.loop.settle()

	assert.Empty(t, f.viewIds(reconcile.ChannelKey("c")))
}

func TestDisconnectBacksOffAndResyncs(t *testing.T) {
	f := newFixture(t, nil)
	f.router.WatchChannel("c")
	f.active(t, TargetOpenChannel)

	f.bus.Disconnect(errors.New("connection reset"))
	f.loop.until(t, func() bool { return f.router.State(TargetOpenChannel) == StateErrorBackoff })
	assert.EqualError(t, f.delegate.lastErr, "connection reset")
	assert.Equal(t, []time.Duration{time.Second}, f.timers.delays)

	f.timers.fireLast()
	f.active(t, TargetOpenChannel)
	require.Len(t, f.delegate.resyncs, 2)
	assert.True(t, f.delegate.resyncs[1].reconnect)
	assert.Equal(t, []State{StateSubscribing, StateActive, StateErrorBackoff, StateSubscribing, StateActive}, f.delegate.states)
}

type failingSource struct {
	mu    sync.Mutex
	fails int
	inner changefeed.Source
}

func (s *failingSource) Subscribe(ctx context.Context, topic string, h changefeed.Handler) (changefeed.Subscription, error) {
	s.mu.Lock()
	if s.fails > 0 {
		s.fails--
		s.mu.Unlock()
		return nil, errors.New("subscribe rejected")
	}
	s.mu.Unlock()
	return s.inner.Subscribe(ctx, topic, h)
}

func TestSubscribeErrorRetriesWithGrowingDelay(t *testing.T) {
	src := &failingSource{fails: 2}
	f := newFixture(t, src)
	src.inner = f.bus

	f.router.WatchChannel("c")
	f.loop.until(t, func() bool { return f.router.State(TargetOpenChannel) == StateErrorBackoff })
	f.timers.fireLast()
	f.loop.until(t, func() bool { return len(f.timers.delays) == 2 })
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.timers.delays)

	// Explicit retry skips the wait; the stale timer is then ignored
	assert.True(t, f.router.Retry(TargetOpenChannel))
	f.active(t, TargetOpenChannel)
	f.timers.fireLast()
	f.loop.settle()
	assert.Equal(t, StateActive, f.router.State(TargetOpenChannel))
	assert.False(t, f.router.Retry(TargetOpenChannel))
}

func TestInsertDuringBackoffIsLeftToResync(t *testing.T) {
	src := &failingSource{}
	f := newFixture(t, src)
	src.inner = f.bus
	f.engine.Join(self, "c", 1)
	f.cache.PrependPage(reconcile.ChannelKey("c"), nil, 50)
	f.router.WatchSidebar()
	f.active(t, TargetSidebar)

	src.mu.Lock()
	src.fails = 1
	src.mu.Unlock()
	f.router.WatchChannel("c")
	f.loop.until(t, func() bool { return f.router.State(TargetOpenChannel) == StateErrorBackoff })

	m := message("m1", "c", "other", 500)
	f.fetcher.put(recordOf(m))
	f.publish(t, changefeed.MessagesTopic(), changefeed.TableMessages, changefeed.Insert, m, nil)
	f.loop.until(t, func() bool {
		cursor, _ := f.engine.Cursor(self, "c")
		return cursor == 500
	})
	f.loop.settle()
	assert.Equal(t, 0, f.fetcher.callCount())
	assert.Empty(t, f.viewIds(reconcile.ChannelKey("c")))
}

func TestTypingOfOthersInOpenChannelReachesDelegate(t *testing.T) {
	f := newFixture(t, nil)
	f.router.WatchChannel("c")
	f.active(t, TargetOpenChannel)
	assert.Equal(t, 1, f.bus.SubscriberCount(changefeed.TypingTopic("c")))

	topic := changefeed.TypingTopic("c")
	f.publish(t, topic, changefeed.TableTyping, changefeed.Insert, &entity.Typing{ChannelId: "c", UserId: self, At: 1}, nil)
	f.publish(t, topic, changefeed.TableTyping, changefeed.Insert, &entity.Typing{ChannelId: "c", UserId: "other", At: 2}, nil)
	f.publish(t, topic, changefeed.TableTyping, changefeed.Delete, nil, &entity.Typing{ChannelId: "c", UserId: "other", At: 3})
	f.loop.until(t, func() bool { return len(f.delegate.typing) == 2 })
	f.loop.settle()

	require.Len(t, f.delegate.typing, 2)
	assert.Equal(t, "other", f.delegate.typing[0].Row().UserId)
	assert.Equal(t, changefeed.Insert, f.delegate.typing[0].Kind)
	assert.Equal(t, changefeed.Delete, f.delegate.typing[1].Kind)

	f.router.WatchChannel("d")
	f.active(t, TargetOpenChannel)
	assert.Equal(t, 0, f.bus.SubscriberCount(changefeed.TypingTopic("c")))
}

func TestReactionsUpdatesAndDeletesReachCache(t *testing.T) {
	f := newFixture(t, nil)
	m := message("m1", "c", "other", 500)
	f.cache.PrependPage(reconcile.ChannelKey("c"), []*entity.MessageRecord{recordOf(m)}, 50)
	f.router.WatchChannel("c")
	f.active(t, TargetOpenChannel)
	topic := changefeed.ChannelTopic("c")

	reaction := &entity.Reaction{Id: "r1", MessageId: "m1", UserId: "other", Emoji: "👍"}
	f.publish(t, topic, changefeed.TableReactions, changefeed.Insert, reaction, nil)
	f.loop.until(t, func() bool {
		v, _ := f.cache.View(reconcile.ChannelKey("c"))
		return len(v.Entries[0].Record.Reactions) == 1
	})

	edited := *m
	edited.Content, edited.IsEdited = "edited", true
	f.publish(t, topic, changefeed.TableMessages, changefeed.Update, &edited, nil)
	f.loop.until(t, func() bool {
		v, _ := f.cache.View(reconcile.ChannelKey("c"))
		return v.Entries[0].Record.IsEdited
	})

	f.publish(t, topic, changefeed.TableMessages, changefeed.Delete, nil, m)
	f.loop.until(t, func() bool { return len(f.viewIds(reconcile.ChannelKey("c"))) == 0 })
}

func TestScheduledPublishArrivesAsInsert(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.Join(self, "d", 1)
	f.cache.PrependPage(reconcile.ChannelKey("c"), nil, 50)
	f.router.WatchSidebar()
	f.router.WatchChannel("c")
	f.active(t, TargetSidebar)
	f.active(t, TargetOpenChannel)

	// Own scheduled message appears in the open channel
	at := int64(900)
	scheduled := message("m1", "c", self, 100)
	scheduled.ScheduledAt = &at
	published := *scheduled
	published.ScheduledAt, published.CreatedAt = nil, 950
	f.fetcher.put(recordOf(&published))
	f.publish(t, changefeed.ChannelTopic("c"), changefeed.TableMessages, changefeed.Update, &published, scheduled)
	f.loop.until(t, func() bool { return len(f.viewIds(reconcile.ChannelKey("c"))) == 1 })

	// Someone else's counts as unread elsewhere
	other := message("m2", "d", "other", 100)
	other.ScheduledAt = &at
	otherPublished := *other
	otherPublished.ScheduledAt, otherPublished.CreatedAt = nil, 950
	f.publish(t, changefeed.MessagesTopic(), changefeed.TableMessages, changefeed.Update, &otherPublished, other)
	f.loop.until(t, func() bool { return f.engine.RecomputeUnread(self, "d") == 1 })
}

func TestReplyUpdatesParentAndOpenThread(t *testing.T) {
	f := newFixture(t, nil)
	parent := message("p", "c", "other", 100)
	f.cache.PrependPage(reconcile.ChannelKey("c"), []*entity.MessageRecord{recordOf(parent)}, 50)
	f.cache.PrependPage(reconcile.ThreadKey("c", "p"), nil, 50)
	f.router.WatchChannel("c")
	f.active(t, TargetOpenChannel)
	f.router.WatchThread("c", "p")
	f.active(t, TargetOpenThread)

	parentId := "p"
	reply := message("r1", "c", "other", 200)
	reply.ParentId = &parentId
	f.fetcher.put(recordOf(reply))

	// Both targets listen on the channel topic, so the reply arrives twice
	f.publish(t, changefeed.ChannelTopic("c"), changefeed.TableMessages, changefeed.Insert, reply, nil)
	f.loop.until(t, func() bool { return len(f.viewIds(reconcile.ThreadKey("c", "p"))) == 1 })
	f.loop.settle()

	v, _ := f.cache.View(reconcile.ChannelKey("c"))
	assert.Equal(t, 1, v.Entries[0].Record.ReplyCount)
	assert.Equal(t, []string{"p"}, f.viewIds(reconcile.ChannelKey("c")))
}

func TestRemovedFromOpenChannel(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.Join(self, "c", 1)
	f.cache.AppendOptimistic(reconcile.ChannelKey("c"), reconcile.NewEnvelope("temp-1", &entity.MessageRecord{ChannelId: "c"}, nil, nil))
	f.router.WatchSidebar()
	f.router.WatchChannel("c")
	f.active(t, TargetSidebar)
	f.active(t, TargetOpenChannel)

	f.publish(t, changefeed.UserTopic(self), changefeed.TableChannelMembers, changefeed.Delete, nil,
		&entity.ChannelMember{ChannelId: "c", UserId: self})
	f.loop.until(t, func() bool { return len(f.delegate.members) == 1 })

	assert.Equal(t, "", f.router.OpenChannel())
	assert.False(t, f.engine.Tracked(self, "c"))
	_, ok := f.cache.View(reconcile.ChannelKey("c"))
	assert.False(t, ok)
}

func TestMembershipJoinAndCursorSync(t *testing.T) {
	f := newFixture(t, nil)
	f.router.WatchSidebar()
	f.active(t, TargetSidebar)
	topic := changefeed.UserTopic(self)

	f.publish(t, topic, changefeed.TableChannelMembers, changefeed.Insert, &entity.ChannelMember{ChannelId: "c", UserId: self, LastViewedAt: 300}, nil)
	f.loop.until(t, func() bool { return f.engine.Tracked(self, "c") })

	f.publish(t, topic, changefeed.TableChannelMembers, changefeed.Update, &entity.ChannelMember{ChannelId: "c", UserId: self, LastViewedAt: 700}, nil)
	f.loop.until(t, func() bool {
		cursor, _ := f.engine.Cursor(self, "c")
		return cursor == 700
	})
}

func TestNotificationsAndChannelsRouted(t *testing.T) {
	f := newFixture(t, nil)
	f.router.WatchSidebar()
	f.active(t, TargetSidebar)

	f.publish(t, changefeed.UserTopic(self), changefeed.TableNotifications, changefeed.Insert,
		&entity.Notification{Id: "n1", RecipientId: self, ActorId: "other"}, nil)
	f.publish(t, changefeed.UserTopic(self), changefeed.TableNotifications, changefeed.Update,
		&entity.Notification{Id: "n1", RecipientId: self, IsRead: true}, nil)
	f.publish(t, changefeed.ChannelsTopic(), changefeed.TableChannels, changefeed.Update,
		&entity.Channel{Id: "c", IsArchived: true}, nil)

	f.loop.until(t, func() bool { return len(f.delegate.channels) == 1 })
	f.loop.settle()
	require.Len(t, f.inbox.received, 1)
	assert.Equal(t, "n1", f.inbox.received[0].Id)
	assert.Equal(t, 1, f.inbox.updated)
	assert.True(t, f.delegate.channels[0].New.IsArchived)
}

func TestCloseMakesCallbacksNoop(t *testing.T) {
	f := newFixture(t, nil)
	f.router.WatchChannel("c")
	f.router.Close()
	f.loop.settle()

	assert.Equal(t, StateUnsubscribed, f.router.State(TargetOpenChannel))
	assert.Equal(t, 0, f.bus.SubscriberCount(changefeed.ChannelTopic("c")))
	f.router.WatchChannel("d")
	assert.Equal(t, StateUnsubscribed, f.router.State(TargetOpenChannel))
}

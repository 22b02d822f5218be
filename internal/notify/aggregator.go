package notify

import (
	"context"
	"sync"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/pkg/constant"
	"github.com/mbeoliero/chatsync/pkg/idgen"
)

// Store persists notifications
type Store interface {
	Create(ctx context.Context, n *entity.Notification) error
	Exists(ctx context.Context, n *entity.Notification) (bool, error)
	ListByRecipient(ctx context.Context, recipientId string, limit int) ([]*entity.Notification, error)
	CountUnread(ctx context.Context, recipientId string) (int64, error)
	SetRead(ctx context.Context, id, recipientId string, isRead bool) (bool, error)
	MarkAllRead(ctx context.Context, recipientId string) (int64, error)
	MarkChannelRead(ctx context.Context, recipientId, channelId string) (int64, error)
}

// Event describes something worth notifying about
type Event struct {
	Type         string
	ActorId      string
	RecipientId  string
	ResourceId   string
	ResourceType string
	// ChannelId is the channel the resource lives in, used for channel-read
	ChannelId string
}

// Update is emitted when a recipient's inbox changes
type Update struct {
	RecipientId  string               `json:"recipient_id"`
	Unread       int                  `json:"unread"`
	Notification *entity.Notification `json:"notification,omitempty"`
}

// Options configures an Aggregator
type Options struct {
	// Limit caps how many notifications are kept per recipient in memory
	Limit int
	Async func(func())
	Now   func() int64
	NewId func() (string, error)
}

type inbox struct {
	items  []*entity.Notification // newest first
	byId   map[string]*entity.Notification
	keys   map[string]struct{}
	unread int
}

func newInbox() *inbox {
	return &inbox{byId: make(map[string]*entity.Notification), keys: make(map[string]struct{})}
}

func (ib *inbox) add(n *entity.Notification, limit int) bool {
	if _, ok := ib.byId[n.Id]; ok {
		return false
	}
	ib.items = append([]*entity.Notification{n}, ib.items...)
	ib.byId[n.Id] = n
	if deduplicated(n.Type) {
		ib.keys[n.DedupKey()] = struct{}{}
	}
	if !n.IsRead {
		ib.unread++
	}
	if len(ib.items) > limit {
		evicted := ib.items[limit:]
		ib.items = ib.items[:limit]
		for _, e := range evicted {
			delete(ib.byId, e.Id)
			delete(ib.keys, e.DedupKey())
		}
	}
	return true
}

// Aggregator keeps per-recipient notification lists and unread totals for the
// process. Safe for concurrent use.
type Aggregator struct {
	store Store
	opts  Options

	mu          sync.Mutex
	inboxes     map[string]*inbox
	subscribers map[int]func(Update)
	nextSub     int
}

// NewAggregator creates an Aggregator
func NewAggregator(store Store, opts Options) *Aggregator {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Async == nil {
		opts.Async = func(fn func()) { go fn() }
	}
	if opts.Now == nil {
		opts.Now = entity.NowUnixMilli
	}
	if opts.NewId == nil {
		opts.NewId = idgen.NextID
	}
	return &Aggregator{
		store:       store,
		opts:        opts,
		inboxes:     make(map[string]*inbox),
		subscribers: make(map[int]func(Update)),
	}
}

// Subscribe registers fn for inbox updates of every recipient
func (a *Aggregator) Subscribe(fn func(Update)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextSub
	a.nextSub++
	a.subscribers[id] = fn
	return func() {
		a.mu.Lock()
		delete(a.subscribers, id)
		a.mu.Unlock()
	}
}

// emit is called without the lock held
func (a *Aggregator) emit(updates ...Update) {
	a.mu.Lock()
	subs := make([]func(Update), 0, len(a.subscribers))
	for _, fn := range a.subscribers {
		subs = append(subs, fn)
	}
	a.mu.Unlock()

	for _, u := range updates {
		for _, fn := range subs {
			fn(u)
		}
	}
}

// Load reads a recipient's newest notifications and unread total into memory
func (a *Aggregator) Load(ctx context.Context, recipientId string) error {
	items, err := a.store.ListByRecipient(ctx, recipientId, a.opts.Limit)
	if err != nil {
		return err
	}
	count, err := a.store.CountUnread(ctx, recipientId)
	if err != nil {
		return err
	}

	ib := newInbox()
	for i := len(items) - 1; i >= 0; i-- {
		ib.add(items[i], a.opts.Limit)
	}
	ib.unread = int(count)

	a.mu.Lock()
	a.inboxes[recipientId] = ib
	a.mu.Unlock()
	a.emit(Update{RecipientId: recipientId, Unread: ib.unread})
	return nil
}

// Unload drops a recipient's in-memory state
func (a *Aggregator) Unload(recipientId string) {
	a.mu.Lock()
	delete(a.inboxes, recipientId)
	a.mu.Unlock()
}

// Loaded reports whether the recipient's inbox is in memory
func (a *Aggregator) Loaded(recipientId string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.inboxes[recipientId]
	return ok
}

// Unread returns the recipient's unread total
func (a *Aggregator) Unread(recipientId string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ib, ok := a.inboxes[recipientId]; ok {
		return ib.unread
	}
	return 0
}

// List returns copies of the recipient's in-memory notifications, newest first
func (a *Aggregator) List(recipientId string) []*entity.Notification {
	a.mu.Lock()
	defer a.mu.Unlock()
	ib, ok := a.inboxes[recipientId]
	if !ok {
		return nil
	}
	out := make([]*entity.Notification, 0, len(ib.items))
	for _, n := range ib.items {
		c := *n
		out = append(out, &c)
	}
	return out
}

func (a *Aggregator) seen(n *entity.Notification) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	ib, ok := a.inboxes[n.RecipientId]
	if !ok {
		return false
	}
	_, dup := ib.keys[n.DedupKey()]
	return dup
}

// deduplicated reports whether notifications of typ are recorded once per resource.
// Mentions and replies are tied to a single message; every other type describes an
// occurrence that may repeat, like a re-add after a removal.
func deduplicated(typ string) bool {
	return typ == constant.NotifyMention || typ == constant.NotifyReply
}

// Record persists and delivers a notification. Nothing is recorded when the actor is
// the recipient, or for a mention or reply already recorded; the result is nil then.
func (a *Aggregator) Record(ctx context.Context, ev Event) (*entity.Notification, error) {
	if ev.ActorId == ev.RecipientId || ev.RecipientId == "" {
		return nil, nil
	}

	n := &entity.Notification{
		RecipientId:  ev.RecipientId,
		ActorId:      ev.ActorId,
		Type:         ev.Type,
		ResourceId:   ev.ResourceId,
		ResourceType: ev.ResourceType,
		ChannelId:    ev.ChannelId,
		CreatedAt:    a.opts.Now(),
	}
	if deduplicated(n.Type) {
		if a.seen(n) {
			return nil, nil
		}
		exists, err := a.store.Exists(ctx, n)
		if err != nil {
			return nil, err
		}
		if exists {
			log.CtxDebug(ctx, "notification already recorded: key=%s", n.DedupKey())
			return nil, nil
		}
	}

	var err error
	if n.Id, err = a.opts.NewId(); err != nil {
		return nil, err
	}
	if err = a.store.Create(ctx, n); err != nil {
		return nil, err
	}

	a.Receive(n)
	return n, nil
}

// Receive adds a notification that was persisted elsewhere, e.g. delivered by the
// change feed. Duplicates and recipients not in memory are ignored.
func (a *Aggregator) Receive(n *entity.Notification) bool {
	a.mu.Lock()
	ib, ok := a.inboxes[n.RecipientId]
	if !ok {
		a.mu.Unlock()
		return false
	}
	c := *n
	if !ib.add(&c, a.opts.Limit) {
		a.mu.Unlock()
		return false
	}
	u := Update{RecipientId: n.RecipientId, Unread: ib.unread, Notification: &c}
	a.mu.Unlock()

	a.emit(u)
	return true
}

// ApplyRemoteUpdate reconciles a read flag changed elsewhere
func (a *Aggregator) ApplyRemoteUpdate(n *entity.Notification) bool {
	a.mu.Lock()
	u, ok := a.setReadLocked(n.RecipientId, n.Id, n.IsRead)
	a.mu.Unlock()
	if ok {
		a.emit(u)
	}
	return ok
}

// ApplyRemoteDelete drops a notification removed elsewhere
func (a *Aggregator) ApplyRemoteDelete(n *entity.Notification) bool {
	a.mu.Lock()
	ib, ok := a.inboxes[n.RecipientId]
	var existing *entity.Notification
	if ok {
		existing, ok = ib.byId[n.Id]
	}
	if !ok {
		a.mu.Unlock()
		return false
	}
	delete(ib.byId, n.Id)
	delete(ib.keys, existing.DedupKey())
	for i, item := range ib.items {
		if item.Id == n.Id {
			ib.items = append(ib.items[:i], ib.items[i+1:]...)
			break
		}
	}
	if !existing.IsRead && ib.unread > 0 {
		ib.unread--
	}
	u := Update{RecipientId: n.RecipientId, Unread: ib.unread}
	a.mu.Unlock()

	a.emit(u)
	return true
}

func (a *Aggregator) setReadLocked(recipientId, id string, isRead bool) (Update, bool) {
	ib, ok := a.inboxes[recipientId]
	if !ok {
		return Update{}, false
	}
	n, ok := ib.byId[id]
	if !ok || n.IsRead == isRead {
		return Update{}, false
	}
	n.IsRead = isRead
	if isRead {
		ib.unread--
	} else {
		ib.unread++
	}
	if ib.unread < 0 {
		ib.unread = 0
	}
	return Update{RecipientId: recipientId, Unread: ib.unread}, true
}

// MarkRead marks a notification read. The counter only moves on a real change.
func (a *Aggregator) MarkRead(ctx context.Context, recipientId, id string) bool {
	return a.setRead(ctx, recipientId, id, true)
}

// MarkUnread marks a notification unread. The counter only moves on a real change.
func (a *Aggregator) MarkUnread(ctx context.Context, recipientId, id string) bool {
	return a.setRead(ctx, recipientId, id, false)
}

func (a *Aggregator) setRead(ctx context.Context, recipientId, id string, isRead bool) bool {
	a.mu.Lock()
	ib, loaded := a.inboxes[recipientId]
	known := loaded && ib.byId[id] != nil
	u, changed := a.setReadLocked(recipientId, id, isRead)
	a.mu.Unlock()

	if known && !changed {
		return false
	}
	if changed {
		a.emit(u)
	}

	a.opts.Async(func() {
		ctx := context.WithoutCancel(ctx)
		stored, err := a.store.SetRead(ctx, id, recipientId, isRead)
		if err != nil {
			log.CtxWarn(ctx, "persist notification read state failed: id=%s, error=%v", id, err)
			return
		}
		if !known && stored {
			a.adjustUnread(recipientId, isRead, 1)
		}
	})
	return changed
}

// adjustUnread applies a change made to notifications not held in memory
func (a *Aggregator) adjustUnread(recipientId string, read bool, n int) {
	a.mu.Lock()
	ib, ok := a.inboxes[recipientId]
	if !ok {
		a.mu.Unlock()
		return
	}
	if read {
		ib.unread -= n
	} else {
		ib.unread += n
	}
	if ib.unread < 0 {
		ib.unread = 0
	}
	u := Update{RecipientId: recipientId, Unread: ib.unread}
	a.mu.Unlock()
	a.emit(u)
}

// MarkAllRead marks every notification of the recipient read
func (a *Aggregator) MarkAllRead(ctx context.Context, recipientId string) int {
	return a.markWhere(ctx, recipientId, func(*entity.Notification) bool { return true }, func(ctx context.Context) (int64, error) {
		return a.store.MarkAllRead(ctx, recipientId)
	})
}

// MarkChannelRead marks read every notification about the channel or a message in
// it, returning how many in-memory notifications changed
func (a *Aggregator) MarkChannelRead(ctx context.Context, recipientId, channelId string) int {
	return a.markWhere(ctx, recipientId, func(n *entity.Notification) bool { return n.ChannelId == channelId }, func(ctx context.Context) (int64, error) {
		return a.store.MarkChannelRead(ctx, recipientId, channelId)
	})
}

func (a *Aggregator) markWhere(ctx context.Context, recipientId string, match func(*entity.Notification) bool, persist func(context.Context) (int64, error)) int {
	marked := 0
	a.mu.Lock()
	ib, ok := a.inboxes[recipientId]
	if ok {
		for _, n := range ib.items {
			if !n.IsRead && match(n) {
				n.IsRead = true
				marked++
			}
		}
		ib.unread -= marked
		if ib.unread < 0 {
			ib.unread = 0
		}
	}
	var u Update
	if ok {
		u = Update{RecipientId: recipientId, Unread: ib.unread}
	}
	a.mu.Unlock()

	if marked > 0 {
		a.emit(u)
	}

	a.opts.Async(func() {
		ctx := context.WithoutCancel(ctx)
		affected, err := persist(ctx)
		if err != nil {
			log.CtxWarn(ctx, "persist notifications read failed: recipient_id=%s, error=%v", recipientId, err)
			return
		}
		if extra := int(affected) - marked; extra > 0 {
			a.adjustUnread(recipientId, true, extra)
		}
	})
	return marked
}

package unread

import (
	"context"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/pkg/constant"
)

type cursorKey struct {
	userId    string
	channelId string
}

type channelState struct {
	cursor   int64
	marks    map[string]int64 // message id -> created at
	overflow int
}

func (s *channelState) count() int {
	return len(s.marks) + s.overflow
}

// Options configures an Engine
type Options struct {
	MaxTracked int
	// Async runs persistence work off the caller's loop, default is a goroutine
	Async func(func())
	// Now returns the current unix milli time
	Now func() int64
}

// Engine owns read cursors and unread counts for one session. It is not safe for
// concurrent use; all calls except LoadSnapshot come from the owning loop.
type Engine struct {
	store  CursorStore
	marker ChannelNotificationMarker
	opts   Options

	channels    map[cursorKey]*channelState
	subscribers map[int]func(Change)
	nextSub     int
}

// NewEngine creates an Engine
func NewEngine(store CursorStore, marker ChannelNotificationMarker, opts Options) *Engine {
	if opts.MaxTracked <= 0 {
		opts.MaxTracked = constant.DefaultMaxTrackedUnread
	}
	if opts.Async == nil {
		opts.Async = func(fn func()) { go fn() }
	}
	if opts.Now == nil {
		opts.Now = entity.NowUnixMilli
	}
	return &Engine{
		store:       store,
		marker:      marker,
		opts:        opts,
		channels:    make(map[cursorKey]*channelState),
		subscribers: make(map[int]func(Change)),
	}
}

// Subscribe registers fn for unread changes and returns its cancel func
func (e *Engine) Subscribe(fn func(Change)) func() {
	id := e.nextSub
	e.nextSub++
	e.subscribers[id] = fn
	return func() { delete(e.subscribers, id) }
}

func (e *Engine) emit(key cursorKey, st *channelState) {
	c := Change{UserId: key.userId, ChannelId: key.channelId, Unread: st.count(), LastViewedAt: st.cursor}
	for _, fn := range e.subscribers {
		fn(c)
	}
}

// LoadSnapshot reads stored state. It only touches the store and may run off the loop.
// Without membership the cursor defaults to now, so history is not unread.
func (e *Engine) LoadSnapshot(ctx context.Context, userId, channelId string) (*Snapshot, error) {
	now := e.opts.Now()
	snap := &Snapshot{UserId: userId, ChannelId: channelId, Cursor: now}

	cursor, found, err := e.store.LoadCursor(ctx, userId, channelId)
	if err != nil {
		return nil, err
	}
	if !found {
		return snap, nil
	}
	snap.Cursor = cursor

	marks, err := e.store.UnreadMarksSince(ctx, channelId, userId, cursor, now, e.opts.MaxTracked)
	if err != nil {
		return nil, err
	}
	snap.Marks = marks

	if len(marks) >= e.opts.MaxTracked {
		total, err := e.store.CountUnreadSince(ctx, channelId, userId, cursor, now)
		if err != nil {
			return nil, err
		}
		if extra := int(total) - len(marks); extra > 0 {
			snap.Overflow = extra
		}
	}
	return snap, nil
}

// Install applies a snapshot. A cursor already tracked ahead of the snapshot is kept.
func (e *Engine) Install(snap *Snapshot) {
	key := cursorKey{snap.UserId, snap.ChannelId}
	st := &channelState{cursor: snap.Cursor, marks: make(map[string]int64, len(snap.Marks)), overflow: snap.Overflow}
	for _, m := range snap.Marks {
		st.marks[m.MessageId] = m.CreatedAt
	}
	if prev, ok := e.channels[key]; ok && prev.cursor > st.cursor {
		pruneBefore(st, prev.cursor)
		st.cursor = prev.cursor
	}
	e.channels[key] = st
	e.emit(key, st)
}

// Join starts tracking a channel the user just became a member of. The cursor is
// at, or now when at is zero. An existing cursor is left untouched.
func (e *Engine) Join(userId, channelId string, at int64) {
	key := cursorKey{userId, channelId}
	if _, ok := e.channels[key]; ok {
		return
	}
	if at == 0 {
		at = e.opts.Now()
	}
	st := &channelState{cursor: at, marks: make(map[string]int64)}
	e.channels[key] = st
	e.emit(key, st)
}

// Drop stops tracking a channel, e.g. after leaving it
func (e *Engine) Drop(userId, channelId string) {
	delete(e.channels, cursorKey{userId, channelId})
}

// Tracked reports whether the channel has a cursor in this engine
func (e *Engine) Tracked(userId, channelId string) bool {
	_, ok := e.channels[cursorKey{userId, channelId}]
	return ok
}

// Cursor returns the tracked cursor
func (e *Engine) Cursor(userId, channelId string) (int64, bool) {
	st, ok := e.channels[cursorKey{userId, channelId}]
	if !ok {
		return 0, false
	}
	return st.cursor, true
}

// AdvanceCursor moves the cursor to max(current, at) and, when it moved, clears the
// channel's notifications. Persistence is asynchronous. Returns whether the cursor
// moved.
func (e *Engine) AdvanceCursor(ctx context.Context, userId, channelId string, at int64) bool {
	moved := e.advance(ctx, userId, channelId, at)
	if moved {
		e.markNotifications(ctx, userId, channelId)
	}
	return moved
}

// MarkRead is an explicit read by the user: the cursor advances like AdvanceCursor and
// the channel's notifications are cleared even when the cursor was already there.
func (e *Engine) MarkRead(ctx context.Context, userId, channelId string, at int64) bool {
	moved := e.advance(ctx, userId, channelId, at)
	e.markNotifications(ctx, userId, channelId)
	return moved
}

func (e *Engine) advance(ctx context.Context, userId, channelId string, at int64) bool {
	key := cursorKey{userId, channelId}
	st, ok := e.channels[key]
	if !ok {
		st = &channelState{cursor: at, marks: make(map[string]int64)}
		e.channels[key] = st
	}
	if ok && at <= st.cursor {
		return false
	}
	pruneBefore(st, at)
	st.cursor = at
	e.persist(ctx, userId, channelId, at)
	e.emit(key, st)
	return true
}

func (e *Engine) markNotifications(ctx context.Context, userId, channelId string) {
	if e.marker != nil {
		e.marker.MarkChannelRead(ctx, userId, channelId)
	}
}

// SyncCursor applies a cursor advanced by another session of the same user. It only
// moves forward and neither persists nor touches notifications.
func (e *Engine) SyncCursor(userId, channelId string, at int64) bool {
	key := cursorKey{userId, channelId}
	st, ok := e.channels[key]
	if !ok || at <= st.cursor {
		return false
	}
	pruneBefore(st, at)
	st.cursor = at
	e.emit(key, st)
	return true
}

// pruneBefore drops marks at or before at; overflow entries are older than every
// tracked mark, so they go once the oldest tracked mark is read.
func pruneBefore(st *channelState, at int64) {
	if st.overflow > 0 {
		oldest, found := int64(0), false
		for _, createdAt := range st.marks {
			if !found || createdAt < oldest {
				oldest, found = createdAt, true
			}
		}
		if !found || at >= oldest {
			st.overflow = 0
		}
	}
	for id, createdAt := range st.marks {
		if createdAt <= at {
			delete(st.marks, id)
		}
	}
}

func (e *Engine) persist(ctx context.Context, userId, channelId string, at int64) {
	if e.store == nil {
		return
	}
	e.opts.Async(func() {
		if err := e.store.SaveCursor(context.WithoutCancel(ctx), userId, channelId, at); err != nil {
			log.CtxWarn(ctx, "persist read cursor failed: user_id=%s, channel_id=%s, error=%v", userId, channelId, err)
		}
	})
}

// RecomputeUnread returns the unread count of a tracked channel, zero otherwise.
// The user's own messages are never counted.
func (e *Engine) RecomputeUnread(userId, channelId string) int {
	st, ok := e.channels[cursorKey{userId, channelId}]
	if !ok {
		return 0
	}
	return st.count()
}

// Observe counts an inserted message toward the user's unread total when it is
// newer than the cursor and written by someone else.
func (e *Engine) Observe(userId, channelId, messageId, authorId string, createdAt int64) bool {
	if authorId == userId {
		return false
	}
	key := cursorKey{userId, channelId}
	st, ok := e.channels[key]
	if !ok || createdAt <= st.cursor {
		return false
	}
	if _, dup := st.marks[messageId]; dup {
		return false
	}

	st.marks[messageId] = createdAt
	if len(st.marks) > e.opts.MaxTracked {
		evictOldest(st)
	}
	e.emit(key, st)
	return true
}

func evictOldest(st *channelState) {
	var oldestId string
	var oldest int64
	for id, createdAt := range st.marks {
		if oldestId == "" || createdAt < oldest {
			oldestId, oldest = id, createdAt
		}
	}
	delete(st.marks, oldestId)
	st.overflow++
}

// Forget removes a deleted message from the unread count
func (e *Engine) Forget(userId, channelId, messageId string) bool {
	key := cursorKey{userId, channelId}
	st, ok := e.channels[key]
	if !ok {
		return false
	}
	if _, found := st.marks[messageId]; !found {
		return false
	}
	delete(st.marks, messageId)
	e.emit(key, st)
	return true
}

// Counts returns the unread count of every tracked channel of userId
func (e *Engine) Counts(userId string) map[string]int {
	counts := make(map[string]int)
	for key, st := range e.channels {
		if key.userId == userId {
			counts[key.channelId] = st.count()
		}
	}
	return counts
}

package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/pkg/constant"
)

type memStore struct {
	mu    sync.Mutex
	items map[string]*entity.Notification
}

func newMemStore() *memStore {
	return &memStore{items: make(map[string]*entity.Notification)}
}

func (s *memStore) Create(_ context.Context, n *entity.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *n
	s.items[n.Id] = &c
	return nil
}

func (s *memStore) Exists(_ context.Context, n *entity.Notification) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if item.DedupKey() == n.DedupKey() {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) ListByRecipient(_ context.Context, recipientId string, limit int) ([]*entity.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entity.Notification
	for _, item := range s.items {
		if item.RecipientId == recipientId {
			c := *item
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) CountUnread(_ context.Context, recipientId string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, item := range s.items {
		if item.RecipientId == recipientId && !item.IsRead {
			n++
		}
	}
	return n, nil
}

func (s *memStore) SetRead(_ context.Context, id, recipientId string, isRead bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok || item.RecipientId != recipientId || item.IsRead == isRead {
		return false, nil
	}
	item.IsRead = isRead
	return true, nil
}

func (s *memStore) markWhere(match func(*entity.Notification) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, item := range s.items {
		if !item.IsRead && match(item) {
			item.IsRead = true
			n++
		}
	}
	return n
}

func (s *memStore) MarkAllRead(_ context.Context, recipientId string) (int64, error) {
	return s.markWhere(func(n *entity.Notification) bool { return n.RecipientId == recipientId }), nil
}

func (s *memStore) MarkChannelRead(_ context.Context, recipientId, channelId string) (int64, error) {
	return s.markWhere(func(n *entity.Notification) bool {
		return n.RecipientId == recipientId && n.ChannelId == channelId
	}), nil
}

func newAggregator(store Store, limit int) *Aggregator {
	seq, now := 0, int64(0)
	return NewAggregator(store, Options{
		Limit: limit,
		Async: func(fn func()) { fn() },
		Now: func() int64 {
			now++
			return now
		},
		NewId: func() (string, error) {
			seq++
			return fmt.Sprintf("n%d", seq), nil
		},
	})
}

func mention(recipient, messageId string) Event {
	return Event{
		Type: constant.NotifyMention, ActorId: "alice", RecipientId: recipient,
		ResourceId: messageId, ResourceType: constant.ResourceMessage, ChannelId: "c1",
	}
}

func TestRecordSuppressesSelf(t *testing.T) {
	a := newAggregator(newMemStore(), 10)
	require.NoError(t, a.Load(context.Background(), "alice"))

	n, err := a.Record(context.Background(), mention("alice", "m1"))
	require.NoError(t, err)
	assert.Nil(t, n)
	assert.Equal(t, 0, a.Unread("alice"))
}

func TestRecordDedup(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	a := newAggregator(store, 10)
	require.NoError(t, a.Load(ctx, "bob"))

	var updates []Update
	a.Subscribe(func(u Update) { updates = append(updates, u) })

	first, err := a.Record(ctx, mention("bob", "m1"))
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := a.Record(ctx, mention("bob", "m1"))
	require.NoError(t, err)
	assert.Nil(t, second)

	assert.Equal(t, 1, a.Unread("bob"))
	assert.Len(t, store.items, 1)
	require.Len(t, updates, 1)
	assert.Equal(t, first.Id, updates[0].Notification.Id)

	// Not in memory: the store decides
	other := newAggregator(store, 10)
	n, err := other.Record(ctx, mention("bob", "m1"))
	require.NoError(t, err)
	assert.Nil(t, n)
}

func channelEvent(typ, recipient string) Event {
	return Event{
		Type: typ, ActorId: "admin", RecipientId: recipient,
		ResourceId: "c1", ResourceType: constant.ResourceChannel, ChannelId: "c1",
	}
}

func TestRepeatedChannelEventsAreRecorded(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	a := newAggregator(store, 10)
	require.NoError(t, a.Load(ctx, "bob"))

	for _, typ := range []string{constant.NotifyChannelAdd, constant.NotifyChannelRemove, constant.NotifyChannelAdd} {
		n, err := a.Record(ctx, channelEvent(typ, "bob"))
		require.NoError(t, err)
		require.NotNil(t, n, typ)
	}
	assert.Equal(t, 3, a.Unread("bob"))
	assert.Len(t, store.items, 3)

	// same actor, same message, second emoji
	reaction := Event{Type: constant.NotifyReaction, ActorId: "alice", RecipientId: "bob", ResourceId: "m1", ResourceType: constant.ResourceMessage}
	for i := 0; i < 2; i++ {
		n, err := a.Record(ctx, reaction)
		require.NoError(t, err)
		require.NotNil(t, n)
	}
	assert.Equal(t, 5, a.Unread("bob"))
}

func TestEvictionForgetsDedupKeys(t *testing.T) {
	ctx := context.Background()
	a := newAggregator(newMemStore(), 2)
	require.NoError(t, a.Load(ctx, "bob"))

	for i := 0; i < 5; i++ {
		_, err := a.Record(ctx, mention("bob", fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}
	a.mu.Lock()
	keys := len(a.inboxes["bob"].keys)
	a.mu.Unlock()
	assert.Equal(t, 2, keys)
	assert.Len(t, a.List("bob"), 2)

	// evicted from memory, still deduplicated by the store
	n, err := a.Record(ctx, mention("bob", "m0"))
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestMentionedTwiceNotifiedOnce(t *testing.T) {
	ctx := context.Background()
	a := newAggregator(newMemStore(), 10)
	require.NoError(t, a.Load(ctx, "bob"))

	content := `<span data-type="mention" data-id="bob">@bob</span> hi <span data-type="mention" data-id="bob">@bob</span>`
	for _, recipient := range MentionRecipients(content, "alice") {
		_, err := a.Record(ctx, mention(recipient, "m1"))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, a.Unread("bob"))
	assert.Len(t, a.List("bob"), 1)
}

func TestReceiveIgnoresDuplicates(t *testing.T) {
	ctx := context.Background()
	a := newAggregator(newMemStore(), 10)
	n := &entity.Notification{Id: "x1", RecipientId: "bob", ActorId: "alice", Type: constant.NotifyPin, ResourceId: "m1"}

	assert.False(t, a.Receive(n), "inbox not loaded")
	require.NoError(t, a.Load(ctx, "bob"))
	assert.True(t, a.Receive(n))
	assert.False(t, a.Receive(n))
	assert.Equal(t, 1, a.Unread("bob"))
}

func TestMarkReadCounterMovesOnRealChange(t *testing.T) {
	ctx := context.Background()
	a := newAggregator(newMemStore(), 10)
	require.NoError(t, a.Load(ctx, "bob"))
	n, err := a.Record(ctx, mention("bob", "m1"))
	require.NoError(t, err)

	assert.True(t, a.MarkRead(ctx, "bob", n.Id))
	assert.False(t, a.MarkRead(ctx, "bob", n.Id))
	assert.Equal(t, 0, a.Unread("bob"))

	assert.True(t, a.MarkUnread(ctx, "bob", n.Id))
	assert.False(t, a.MarkUnread(ctx, "bob", n.Id))
	assert.Equal(t, 1, a.Unread("bob"))
}

func TestMarkReadBeyondMemoryWindow(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	writer := newAggregator(store, 10)
	for i := 0; i < 3; i++ {
		_, err := writer.Record(ctx, mention("bob", fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	// Only the newest notification is held in memory
	a := newAggregator(store, 1)
	require.NoError(t, a.Load(ctx, "bob"))
	assert.Equal(t, 3, a.Unread("bob"))
	require.Len(t, a.List("bob"), 1)

	assert.False(t, a.MarkRead(ctx, "bob", "n1"))
	assert.Equal(t, 2, a.Unread("bob"))
	assert.False(t, a.MarkRead(ctx, "bob", "n1"))
	assert.Equal(t, 2, a.Unread("bob"))
}

func TestMarkAllAndChannelRead(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	a := newAggregator(store, 10)
	require.NoError(t, a.Load(ctx, "bob"))

	_, err := a.Record(ctx, mention("bob", "m1"))
	require.NoError(t, err)
	other := mention("bob", "m2")
	other.ChannelId = "c2"
	_, err = a.Record(ctx, other)
	require.NoError(t, err)
	_, err = a.Record(ctx, Event{
		Type: constant.NotifyChannelAdd, ActorId: "alice", RecipientId: "bob",
		ResourceId: "c1", ResourceType: constant.ResourceChannel, ChannelId: "c1",
	})
	require.NoError(t, err)
	require.Equal(t, 3, a.Unread("bob"))

	assert.Equal(t, 2, a.MarkChannelRead(ctx, "bob", "c1"))
	assert.Equal(t, 1, a.Unread("bob"))
	assert.Equal(t, 0, a.MarkChannelRead(ctx, "bob", "c1"))

	assert.Equal(t, 1, a.MarkAllRead(ctx, "bob"))
	assert.Equal(t, 0, a.Unread("bob"))
	count, _ := store.CountUnread(ctx, "bob")
	assert.Zero(t, count)
}

func TestApplyRemoteUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	a := newAggregator(newMemStore(), 10)
	require.NoError(t, a.Load(ctx, "bob"))
	n, err := a.Record(ctx, mention("bob", "m1"))
	require.NoError(t, err)

	read := *n
	read.IsRead = true
	assert.True(t, a.ApplyRemoteUpdate(&read))
	assert.False(t, a.ApplyRemoteUpdate(&read))
	assert.Equal(t, 0, a.Unread("bob"))

	assert.True(t, a.ApplyRemoteDelete(n))
	assert.Empty(t, a.List("bob"))
	assert.Equal(t, 0, a.Unread("bob"))
}

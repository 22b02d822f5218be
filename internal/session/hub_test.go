package session

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/internal/notify"
	"github.com/mbeoliero/chatsync/pkg/errcode"
)

type inboxStore struct {
	mu    sync.Mutex
	items []*entity.Notification
}

func (s *inboxStore) Create(_ context.Context, n *entity.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, n)
	return nil
}

func (s *inboxStore) Exists(context.Context, *entity.Notification) (bool, error) { return false, nil }

func (s *inboxStore) ListByRecipient(_ context.Context, recipientId string, _ int) ([]*entity.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entity.Notification
	for i := len(s.items) - 1; i >= 0; i-- {
		if s.items[i].RecipientId == recipientId {
			out = append(out, s.items[i])
		}
	}
	return out, nil
}

func (s *inboxStore) CountUnread(_ context.Context, recipientId string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, it := range s.items {
		if it.RecipientId == recipientId && !it.IsRead {
			n++
		}
	}
	return n, nil
}

func (s *inboxStore) SetRead(context.Context, string, string, bool) (bool, error) { return true, nil }
func (s *inboxStore) MarkAllRead(context.Context, string) (int64, error)       { return 0, nil }
func (s *inboxStore) MarkChannelRead(context.Context, string, string) (int64, error) {
	return 0, nil
}

func newHubFixture(t *testing.T) (*fixture, *notify.Aggregator) {
	t.Helper()
	f := newFixture(t)
	store := &inboxStore{items: []*entity.Notification{{Id: "n0", RecipientId: self, Type: "MENTION", CreatedAt: 1}}}
	agg := notify.NewAggregator(store, notify.Options{Limit: 10, Async: func(fn func()) { fn() }})
	f.deps.Inbox = agg
	return f, agg
}

func TestHubLoadsInboxAndRoutesUpdates(t *testing.T) {
	f, agg := newHubFixture(t)
	hub := NewHub(f.deps)
	t.Cleanup(hub.Shutdown)

	mine := &recordingPusher{}
	other := &recordingPusher{}
	_, err := hub.Open(context.Background(), "s1", self, mine)
	require.NoError(t, err)
	_, err = hub.Open(context.Background(), "s2", "u9", other)
	require.NoError(t, err)
	assert.Equal(t, 2, hub.Count())

	require.Eventually(t, func() bool { return len(mine.of(PushInbox)) > 0 }, waitFor, tick)
	inbox := mine.of(PushInbox)[0].(*InboxSnapshot)
	assert.Equal(t, 1, inbox.Unread)
	require.Len(t, inbox.Notifications, 1)
	assert.Equal(t, "n0", inbox.Notifications[0].Id)

	require.True(t, agg.Receive(&entity.Notification{Id: "n1", RecipientId: self, Type: "REPLY", CreatedAt: 2}))

	var last notify.Update
	require.Eventually(t, func() bool {
		for _, u := range mine.of(PushNotification) {
			if up := u.(notify.Update); up.Notification != nil && up.Notification.Id == "n1" {
				last = up
				return true
			}
		}
		return false
	}, waitFor, tick)
	assert.Equal(t, 2, last.Unread)
	for _, u := range other.of(PushNotification) {
		assert.NotEqual(t, self, u.(notify.Update).RecipientId)
	}
}

func TestHubUnloadsInboxWithLastSession(t *testing.T) {
	f, agg := newHubFixture(t)
	hub := NewHub(f.deps)
	t.Cleanup(hub.Shutdown)

	a, err := hub.Open(context.Background(), "s1", self, &recordingPusher{})
	require.NoError(t, err)
	b, err := hub.Open(context.Background(), "s2", self, &recordingPusher{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return agg.Loaded(self) }, waitFor, tick)

	hub.Close(a)
	assert.True(t, agg.Loaded(self))
	assert.Len(t, hub.Sessions(self), 1)

	hub.Close(b)
	assert.False(t, agg.Loaded(self))
	assert.Empty(t, hub.Sessions(self))
	assert.Equal(t, 0, hub.Count())
}

func TestHubReplacesSessionWithSameId(t *testing.T) {
	f, _ := newHubFixture(t)
	hub := NewHub(f.deps)
	t.Cleanup(hub.Shutdown)

	first, err := hub.Open(context.Background(), "s1", self, &recordingPusher{})
	require.NoError(t, err)
	second, err := hub.Open(context.Background(), "s1", self, &recordingPusher{})
	require.NoError(t, err)

	<-first.Done()
	assert.Equal(t, []*Session{second}, hub.Sessions(self))
	assert.ErrorIs(t, first.MarkRead(context.Background(), "c1"), errcode.ErrSessionClosed)
}

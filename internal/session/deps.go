package session

import (
	"context"
	"time"

	"github.com/mbeoliero/chatsync/internal/changefeed"
	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/internal/fanout"
	"github.com/mbeoliero/chatsync/internal/metrics"
	"github.com/mbeoliero/chatsync/internal/notify"
	"github.com/mbeoliero/chatsync/internal/service"
	"github.com/mbeoliero/chatsync/internal/unread"
	"github.com/mbeoliero/chatsync/internal/upload"
	"github.com/mbeoliero/chatsync/pkg/constant"
)

// Backend is the message surface a session drives
type Backend interface {
	PageSize() int
	CheckSend(ctx context.Context, senderId string, req *service.SendMessageRequest) error
	Send(ctx context.Context, senderId string, req *service.SendMessageRequest) (*entity.MessageRecord, error)
	GetRecord(ctx context.Context, id string) (*entity.MessageRecord, error)
	Page(ctx context.Context, userId, channelId, beforeId string) ([]*entity.MessageRecord, error)
	Thread(ctx context.Context, userId, parentId string) ([]*entity.MessageRecord, error)
	ToggleReaction(ctx context.Context, userId, messageId, emoji string) (*service.ReactionResult, error)
}

// Memberships lists the channels a user belongs to
type Memberships interface {
	ListChannelIds(ctx context.Context, userId string) ([]string, error)
}

// Notifications changes read flags of notifications and announces them
type Notifications interface {
	SetRead(ctx context.Context, userId, id string, isRead bool) error
	MarkAllRead(ctx context.Context, userId string) int
	MarkChannelRead(ctx context.Context, userId, channelId string) int
}

// Deps is what every session of a process shares
type Deps struct {
	Messages      Backend
	Members       Memberships
	Cursors       unread.CursorStore
	Notifications Notifications
	Inbox         *notify.Aggregator
	Events        *service.EventPublisher
	Source        changefeed.Source

	Staging *upload.Staging
	Storage upload.Storage
	Metrics *metrics.Collector

	Backoff      fanout.Backoff
	FetchTimeout time.Duration
	MaxTracked   int
	// QueueSize bounds the session loop queue
	QueueSize int
	// TypingTTL is how long another user shows as typing after their last event
	TypingTTL time.Duration
	// TypingInterval is the least time between two typing events of this session
	TypingInterval time.Duration

	// Async runs blocking work off the loop, default is a goroutine
	Async func(fn func())
	Now   func() int64
	// After runs fn once d elapsed, default is time.AfterFunc
	After func(d time.Duration, fn func()) func() bool
}

func (d *Deps) withDefaults() Deps {
	out := *d
	if out.Async == nil {
		out.Async = func(fn func()) { go fn() }
	}
	if out.Now == nil {
		out.Now = entity.NowUnixMilli
	}
	if out.After == nil {
		out.After = func(d time.Duration, fn func()) func() bool { return time.AfterFunc(d, fn).Stop }
	}
	if out.TypingTTL <= 0 {
		out.TypingTTL = constant.DefaultTypingTTL
	}
	if out.TypingInterval <= 0 {
		out.TypingInterval = constant.DefaultTypingInterval
	}
	return out
}

// announcingCursors persists cursors and publishes the membership update, so the
// user's sessions elsewhere follow the cursor
type announcingCursors struct {
	unread.CursorStore
	events *service.EventPublisher
}

func (c announcingCursors) SaveCursor(ctx context.Context, userId, channelId string, at int64) error {
	if err := c.CursorStore.SaveCursor(ctx, userId, channelId, at); err != nil {
		return err
	}
	c.events.Member(ctx, changefeed.Update, &entity.ChannelMember{ChannelId: channelId, UserId: userId, LastViewedAt: at}, nil)
	return nil
}

package unread

import (
	"context"

	"github.com/mbeoliero/chatsync/internal/entity"
)

// CursorStore is the persistent side of read cursors
type CursorStore interface {
	// LoadCursor returns the stored cursor; found is false without membership
	LoadCursor(ctx context.Context, userId, channelId string) (int64, bool, error)
	// SaveCursor persists at; the store never moves a cursor backward
	SaveCursor(ctx context.Context, userId, channelId string, at int64) error
	// UnreadMarksSince returns the newest unread marks, at most limit, oldest first
	UnreadMarksSince(ctx context.Context, channelId, userId string, since, now int64, limit int) ([]*entity.UnreadMark, error)
	// CountUnreadSince counts every unread message newer than since
	CountUnreadSince(ctx context.Context, channelId, userId string, since, now int64) (int64, error)
}

// ChannelNotificationMarker clears channel-scoped notifications when a channel is read
type ChannelNotificationMarker interface {
	MarkChannelRead(ctx context.Context, recipientId, channelId string) int
}

// Snapshot is the stored unread state of one (user, channel), read off the loop
type Snapshot struct {
	UserId    string
	ChannelId string
	Cursor    int64
	Marks     []*entity.UnreadMark
	// Overflow counts unread messages older than every entry of Marks
	Overflow int
}

// Change is emitted whenever a channel's unread count or cursor changes
type Change struct {
	UserId       string `json:"user_id"`
	ChannelId    string `json:"channel_id"`
	Unread       int    `json:"unread"`
	LastViewedAt int64  `json:"last_viewed_at"`
}

package service

import (
	"context"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/internal/changefeed"
	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/internal/notify"
	"github.com/mbeoliero/chatsync/internal/repository"
	"github.com/mbeoliero/chatsync/pkg/errcode"
)

// NotificationService serves a recipient's notifications. Recipients with a live
// session are answered from the aggregator, the rest from the store.
type NotificationService struct {
	notifRepo *repository.NotificationRepo
	agg       *notify.Aggregator
	events    *EventPublisher
	limit     int
}

// NewNotificationService creates a new NotificationService
func NewNotificationService(repos *repository.Repositories, agg *notify.Aggregator, events *EventPublisher, limit int) *NotificationService {
	if limit <= 0 {
		limit = 50
	}
	return &NotificationService{notifRepo: repos.Notification, agg: agg, events: events, limit: limit}
}

// List returns the newest notifications of a recipient with their channel resolved
func (s *NotificationService) List(ctx context.Context, userId string) ([]*entity.Notification, error) {
	if s.agg.Loaded(userId) {
		return s.agg.List(userId), nil
	}
	items, err := s.notifRepo.ListByRecipient(ctx, userId, s.limit)
	if err != nil {
		log.CtxError(ctx, "list notifications failed: user_id=%s, error=%v", userId, err)
		return nil, errcode.ErrInternalServer
	}
	return items, nil
}

// UnreadCount returns the recipient's unread total
func (s *NotificationService) UnreadCount(ctx context.Context, userId string) (int, error) {
	if s.agg.Loaded(userId) {
		return s.agg.Unread(userId), nil
	}
	count, err := s.notifRepo.CountUnread(ctx, userId)
	if err != nil {
		log.CtxError(ctx, "count unread notifications failed: user_id=%s, error=%v", userId, err)
		return 0, errcode.ErrInternalServer
	}
	return int(count), nil
}

// SetRead marks one notification read or unread. Marking it into the state it is
// already in is a no-op.
func (s *NotificationService) SetRead(ctx context.Context, userId, id string, isRead bool) error {
	n, err := s.notifRepo.GetById(ctx, id)
	if err != nil {
		log.CtxError(ctx, "get notification failed: id=%s, error=%v", id, err)
		return errcode.ErrInternalServer
	}
	if n == nil || n.RecipientId != userId {
		return errcode.ErrNotificationNotFound
	}

	if isRead {
		s.agg.MarkRead(ctx, userId, id)
	} else {
		s.agg.MarkUnread(ctx, userId, id)
	}
	if n.IsRead != isRead {
		n.IsRead = isRead
		s.events.Notification(ctx, changefeed.Update, n)
	}
	return nil
}

// MarkAllRead marks every notification of the recipient read
func (s *NotificationService) MarkAllRead(ctx context.Context, userId string) int {
	return s.agg.MarkAllRead(ctx, userId)
}

// MarkChannelRead marks read the notifications about a channel or its messages
func (s *NotificationService) MarkChannelRead(ctx context.Context, userId, channelId string) int {
	return s.agg.MarkChannelRead(ctx, userId, channelId)
}

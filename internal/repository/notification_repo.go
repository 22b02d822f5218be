package repository

import (
	"context"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/pkg/constant"
)

// NotificationRepo is the repository for notification operations
type NotificationRepo struct {
	db  *gorm.DB
	rdb *redis.Client
}

// NewNotificationRepo creates a new NotificationRepo
func NewNotificationRepo(db *gorm.DB, rdb *redis.Client) *NotificationRepo {
	return &NotificationRepo{db: db, rdb: rdb}
}

// Create persists a notification
func (r *NotificationRepo) Create(ctx context.Context, n *entity.Notification) error {
	if n.CreatedAt == 0 {
		n.CreatedAt = entity.NowUnixMilli()
	}
	return r.db.WithContext(ctx).Create(n).Error
}

// GetById gets a notification, nil when missing
func (r *NotificationRepo) GetById(ctx context.Context, id string) (*entity.Notification, error) {
	var n entity.Notification
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&n).Error; err != nil {
		return nil, notFoundAsNil(err)
	}
	return &n, nil
}

// ListByRecipient lists newest notifications with their channel resolved
func (r *NotificationRepo) ListByRecipient(ctx context.Context, recipientId string, limit int) ([]*entity.Notification, error) {
	if limit <= 0 || limit > maxPageLimit {
		limit = maxPageLimit
	}

	var rows []struct {
		entity.Notification
		MessageChannelId *string `gorm:"column:message_channel_id"`
	}
	err := r.db.WithContext(ctx).
		Table("notifications n").
		Select("n.*, m.channel_id AS message_channel_id").
		Joins("LEFT JOIN messages m ON n.resource_type = ? AND m.id = n.resource_id", constant.ResourceMessage).
		Where("n.recipient_id = ?", recipientId).
		Order("n.created_at DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	result := make([]*entity.Notification, 0, len(rows))
	for i := range rows {
		n := rows[i].Notification
		switch {
		case n.ResourceType == constant.ResourceChannel:
			n.ChannelId = n.ResourceId
		case rows[i].MessageChannelId != nil:
			n.ChannelId = *rows[i].MessageChannelId
		}
		result = append(result, &n)
	}
	return result, nil
}

// CountUnread counts unread notifications of a recipient
func (r *NotificationRepo) CountUnread(ctx context.Context, recipientId string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&entity.Notification{}).
		Where("recipient_id = ? AND is_read = ?", recipientId, false).
		Count(&count).Error
	return count, err
}

// SetRead sets the read flag, reporting whether the stored state changed
func (r *NotificationRepo) SetRead(ctx context.Context, id, recipientId string, isRead bool) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&entity.Notification{}).
		Where("id = ? AND recipient_id = ? AND is_read = ?", id, recipientId, !isRead).
		Update("is_read", isRead)
	return res.RowsAffected > 0, res.Error
}

// MarkAllRead marks every notification of a recipient read
func (r *NotificationRepo) MarkAllRead(ctx context.Context, recipientId string) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&entity.Notification{}).
		Where("recipient_id = ? AND is_read = ?", recipientId, false).
		Update("is_read", true)
	return res.RowsAffected, res.Error
}

// MarkChannelRead marks read the notifications about a channel or any message in it
func (r *NotificationRepo) MarkChannelRead(ctx context.Context, recipientId, channelId string) (int64, error) {
	msgIds := r.db.Model(&entity.Message{}).Select("id").Where("channel_id = ?", channelId)
	res := r.db.WithContext(ctx).
		Model(&entity.Notification{}).
		Where("recipient_id = ? AND is_read = ?", recipientId, false).
		Where(
			r.db.Where("resource_type = ? AND resource_id = ?", constant.ResourceChannel, channelId).
				Or("resource_type = ? AND resource_id IN (?)", constant.ResourceMessage, msgIds),
		).
		Update("is_read", true)
	return res.RowsAffected, res.Error
}

// Exists reports whether a notification about the same resource by the same actor was
// already recorded
func (r *NotificationRepo) Exists(ctx context.Context, n *entity.Notification) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&entity.Notification{}).
		Where("recipient_id = ? AND type = ? AND resource_id = ? AND actor_id = ?", n.RecipientId, n.Type, n.ResourceId, n.ActorId).
		Count(&count).Error
	return count > 0, err
}

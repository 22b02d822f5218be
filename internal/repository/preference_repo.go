package repository

import (
	"context"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/mbeoliero/chatsync/internal/entity"
)

// PreferenceRepo is the repository for stars and bookmarks
type PreferenceRepo struct {
	db  *gorm.DB
	rdb *redis.Client
}

// NewPreferenceRepo creates a new PreferenceRepo
func NewPreferenceRepo(db *gorm.DB, rdb *redis.Client) *PreferenceRepo {
	return &PreferenceRepo{db: db, rdb: rdb}
}

// AddStar stars a channel; a duplicate is reported as created=false
func (r *PreferenceRepo) AddStar(ctx context.Context, userId, channelId string) (bool, error) {
	err := r.db.WithContext(ctx).Create(&entity.StarredChannel{UserId: userId, ChannelId: channelId}).Error
	if IsDuplicate(err) {
		return false, nil
	}
	return err == nil, err
}

// RemoveStar unstars a channel, reporting whether it was starred
func (r *PreferenceRepo) RemoveStar(ctx context.Context, userId, channelId string) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("user_id = ? AND channel_id = ?", userId, channelId).
		Delete(&entity.StarredChannel{})
	return res.RowsAffected > 0, res.Error
}

// StarredChannelIds lists starred channel ids of a user
func (r *PreferenceRepo) StarredChannelIds(ctx context.Context, userId string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&entity.StarredChannel{}).
		Where("user_id = ?", userId).
		Pluck("channel_id", &ids).Error
	return ids, err
}

// AddBookmark bookmarks a message; a duplicate is reported as created=false
func (r *PreferenceRepo) AddBookmark(ctx context.Context, userId, messageId string) (bool, error) {
	err := r.db.WithContext(ctx).Create(&entity.Bookmark{UserId: userId, MessageId: messageId}).Error
	if IsDuplicate(err) {
		return false, nil
	}
	return err == nil, err
}

// RemoveBookmark removes a bookmark, reporting whether it existed
func (r *PreferenceRepo) RemoveBookmark(ctx context.Context, userId, messageId string) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("user_id = ? AND message_id = ?", userId, messageId).
		Delete(&entity.Bookmark{})
	return res.RowsAffected > 0, res.Error
}

// BookmarkedMessages lists bookmarked messages, newest bookmark first
func (r *PreferenceRepo) BookmarkedMessages(ctx context.Context, userId string) ([]*entity.Message, error) {
	var messages []*entity.Message
	err := r.db.WithContext(ctx).
		Table("messages").
		Select("messages.*").
		Joins("JOIN bookmarks b ON b.message_id = messages.id").
		Where("b.user_id = ?", userId).
		Order("b.created_at DESC").
		Find(&messages).Error
	return messages, err
}

// RemoveChannelStars unstars a channel for every user
func (r *PreferenceRepo) RemoveChannelStars(ctx context.Context, tx *gorm.DB, channelId string) error {
	return dbOr(r.db, tx).WithContext(ctx).
		Where("channel_id = ?", channelId).
		Delete(&entity.StarredChannel{}).Error
}

package repository

import (
	"context"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/mbeoliero/chatsync/internal/entity"
)

// ChannelRepo is the repository for channel operations
type ChannelRepo struct {
	db  *gorm.DB
	rdb *redis.Client
}

// NewChannelRepo creates a new ChannelRepo
func NewChannelRepo(db *gorm.DB, rdb *redis.Client) *ChannelRepo {
	return &ChannelRepo{db: db, rdb: rdb}
}

// Create creates a new channel
func (r *ChannelRepo) Create(ctx context.Context, tx *gorm.DB, channel *entity.Channel) error {
	now := entity.NowUnixMilli()
	channel.CreatedAt = now
	channel.UpdatedAt = now
	return dbOr(r.db, tx).WithContext(ctx).Create(channel).Error
}

// GetById gets channel by Id, nil when missing
func (r *ChannelRepo) GetById(ctx context.Context, id string) (*entity.Channel, error) {
	var channel entity.Channel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&channel).Error
	if err != nil {
		return nil, notFoundAsNil(err)
	}
	return &channel, nil
}

// GetByIds gets channels by Ids ordered by name
func (r *ChannelRepo) GetByIds(ctx context.Context, ids []string) ([]*entity.Channel, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var channels []*entity.Channel
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("name ASC").Find(&channels).Error
	if err != nil {
		return nil, err
	}
	return channels, nil
}

// Update updates channel fields
func (r *ChannelRepo) Update(ctx context.Context, tx *gorm.DB, id string, updates map[string]interface{}) error {
	updates["updated_at"] = entity.NowUnixMilli()
	return dbOr(r.db, tx).WithContext(ctx).
		Model(&entity.Channel{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// Delete removes a channel with its memberships, stars and messages
func (r *ChannelRepo) Delete(ctx context.Context, tx *gorm.DB, id string) error {
	db := tx.WithContext(ctx)
	msgIds := db.Model(&entity.Message{}).Select("id").Where("channel_id = ?", id)

	if err := db.Where("message_id IN (?)", msgIds).Delete(&entity.Reaction{}).Error; err != nil {
		return err
	}
	if err := db.Where("message_id IN (?)", msgIds).Delete(&entity.Attachment{}).Error; err != nil {
		return err
	}
	if err := db.Where("message_id IN (?)", msgIds).Delete(&entity.Bookmark{}).Error; err != nil {
		return err
	}
	if err := db.Where("channel_id = ?", id).Delete(&entity.PinnedMessage{}).Error; err != nil {
		return err
	}
	if err := db.Where("channel_id = ?", id).Delete(&entity.Message{}).Error; err != nil {
		return err
	}
	if err := db.Where("channel_id = ?", id).Delete(&entity.StarredChannel{}).Error; err != nil {
		return err
	}
	if err := db.Where("channel_id = ?", id).Delete(&entity.ChannelMember{}).Error; err != nil {
		return err
	}
	return db.Where("id = ?", id).Delete(&entity.Channel{}).Error
}

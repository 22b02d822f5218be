package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/mbeoliero/kit/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/pkg/constant"
)

const userChannelsTTL = 10 * time.Minute

// MemberRepo is the repository for channel membership and read cursors
type MemberRepo struct {
	db  *gorm.DB
	rdb *redis.Client
}

// NewMemberRepo creates a new MemberRepo
func NewMemberRepo(db *gorm.DB, rdb *redis.Client) *MemberRepo {
	return &MemberRepo{db: db, rdb: rdb}
}

// Add inserts a membership. A duplicate (channel, user) pair is reported as
// created=false with no error.
func (r *MemberRepo) Add(ctx context.Context, tx *gorm.DB, member *entity.ChannelMember) (bool, error) {
	now := entity.NowUnixMilli()
	if member.JoinedAt == 0 {
		member.JoinedAt = now
	}
	if member.LastViewedAt == 0 {
		member.LastViewedAt = member.JoinedAt
	}

	err := dbOr(r.db, tx).WithContext(ctx).Create(member).Error
	if IsDuplicate(err) {
		log.CtxDebug(ctx, "membership already exists: channel_id=%s, user_id=%s", member.ChannelId, member.UserId)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r.InvalidateUserChannels(ctx, member.UserId)
	return true, nil
}

// Remove deletes a membership, reporting whether a row existed
func (r *MemberRepo) Remove(ctx context.Context, tx *gorm.DB, channelId, userId string) (bool, error) {
	res := dbOr(r.db, tx).WithContext(ctx).
		Where("channel_id = ? AND user_id = ?", channelId, userId).
		Delete(&entity.ChannelMember{})
	if res.Error != nil {
		return false, res.Error
	}
	r.InvalidateUserChannels(ctx, userId)
	return res.RowsAffected > 0, nil
}

// Get gets a membership, nil when missing
func (r *MemberRepo) Get(ctx context.Context, channelId, userId string) (*entity.ChannelMember, error) {
	var member entity.ChannelMember
	err := r.db.WithContext(ctx).
		Where("channel_id = ? AND user_id = ?", channelId, userId).
		First(&member).Error
	if err != nil {
		return nil, notFoundAsNil(err)
	}
	return &member, nil
}

// IsMember checks membership
func (r *MemberRepo) IsMember(ctx context.Context, channelId, userId string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&entity.ChannelMember{}).
		Where("channel_id = ? AND user_id = ?", channelId, userId).
		Count(&count).Error
	return count > 0, err
}

// ListMemberIds lists user ids of a channel
func (r *MemberRepo) ListMemberIds(ctx context.Context, channelId string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&entity.ChannelMember{}).
		Where("channel_id = ?", channelId).
		Pluck("user_id", &ids).Error
	return ids, err
}

// ListByUser lists all memberships of a user
func (r *MemberRepo) ListByUser(ctx context.Context, userId string) ([]*entity.ChannelMember, error) {
	var members []*entity.ChannelMember
	err := r.db.WithContext(ctx).Where("user_id = ?", userId).Find(&members).Error
	return members, err
}

// ListChannelIds lists the channel ids a user belongs to, cached in Redis
func (r *MemberRepo) ListChannelIds(ctx context.Context, userId string) ([]string, error) {
	key := fmt.Sprintf(constant.RedisKeyUserChannels(), userId)
	ids, err := r.rdb.SMembers(ctx, key).Result()
	if err == nil && len(ids) > 0 {
		return ids, nil
	}
	if err != nil {
		log.CtxWarn(ctx, "read user channels cache failed, falling back to mysql: user_id=%s, error=%v", userId, err)
	}

	ids = nil
	err = r.db.WithContext(ctx).
		Model(&entity.ChannelMember{}).
		Where("user_id = ?", userId).
		Pluck("channel_id", &ids).Error
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return ids, nil
	}

	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	pipe := r.rdb.TxPipeline()
	pipe.SAdd(ctx, key, members...)
	pipe.Expire(ctx, key, userChannelsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.CtxWarn(ctx, "fill user channels cache failed: user_id=%s, error=%v", userId, err)
	}
	return ids, nil
}

// InvalidateUserChannels drops the cached channel set of a user
func (r *MemberRepo) InvalidateUserChannels(ctx context.Context, userId string) {
	key := fmt.Sprintf(constant.RedisKeyUserChannels(), userId)
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		log.CtxWarn(ctx, "invalidate user channels cache failed: user_id=%s, error=%v", userId, err)
	}
}

// LoadCursor returns the stored last viewed time. found is false without membership.
func (r *MemberRepo) LoadCursor(ctx context.Context, userId, channelId string) (int64, bool, error) {
	member, err := r.Get(ctx, channelId, userId)
	if err != nil || member == nil {
		return 0, false, err
	}
	return member.LastViewedAt, true, nil
}

// SaveCursor advances the stored cursor; it never moves backward
func (r *MemberRepo) SaveCursor(ctx context.Context, userId, channelId string, at int64) error {
	return r.db.WithContext(ctx).
		Model(&entity.ChannelMember{}).
		Where("channel_id = ? AND user_id = ?", channelId, userId).
		Updates(map[string]interface{}{
			"last_viewed_at": gorm.Expr("GREATEST(last_viewed_at, ?)", at),
			"updated_at":     entity.NowUnixMilli(),
		}).Error
}

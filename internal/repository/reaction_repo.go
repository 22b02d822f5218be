package repository

import (
	"context"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/mbeoliero/chatsync/internal/entity"
)

// ReactionRepo is the repository for reaction operations
type ReactionRepo struct {
	db  *gorm.DB
	rdb *redis.Client
}

// NewReactionRepo creates a new ReactionRepo
func NewReactionRepo(db *gorm.DB, rdb *redis.Client) *ReactionRepo {
	return &ReactionRepo{db: db, rdb: rdb}
}

// Add inserts a reaction. A duplicate triple is reported as created=false.
func (r *ReactionRepo) Add(ctx context.Context, reaction *entity.Reaction) (bool, error) {
	err := r.db.WithContext(ctx).Create(reaction).Error
	if IsDuplicate(err) {
		return false, nil
	}
	return err == nil, err
}

// Find gets a reaction by triple, nil when missing
func (r *ReactionRepo) Find(ctx context.Context, messageId, userId, emoji string) (*entity.Reaction, error) {
	var reaction entity.Reaction
	err := r.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ? AND emoji = ?", messageId, userId, emoji).
		First(&reaction).Error
	if err != nil {
		return nil, notFoundAsNil(err)
	}
	return &reaction, nil
}

// Remove deletes a reaction by id, reporting whether it existed
func (r *ReactionRepo) Remove(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&entity.Reaction{})
	return res.RowsAffected > 0, res.Error
}

package repository

import (
	"context"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/mbeoliero/chatsync/internal/entity"
)

// UserRepo is the repository for user and workspace role lookups
type UserRepo struct {
	db  *gorm.DB
	rdb *redis.Client
}

// NewUserRepo creates a new UserRepo
func NewUserRepo(db *gorm.DB, rdb *redis.Client) *UserRepo {
	return &UserRepo{db: db, rdb: rdb}
}

// GetById gets user by Id, nil when missing
func (r *UserRepo) GetById(ctx context.Context, id string) (*entity.User, error) {
	var user entity.User
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if err != nil {
		return nil, notFoundAsNil(err)
	}
	return &user, nil
}

// GetByIds gets users by Ids, keyed by id
func (r *UserRepo) GetByIds(ctx context.Context, ids []string) (map[string]*entity.User, error) {
	result := make(map[string]*entity.User, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	var users []*entity.User
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		result[u.Id] = u
	}
	return result, nil
}

// GetWorkspaceMember gets a user's workspace role, nil when not a member
func (r *UserRepo) GetWorkspaceMember(ctx context.Context, workspaceId, userId string) (*entity.WorkspaceMember, error) {
	var member entity.WorkspaceMember
	err := r.db.WithContext(ctx).
		Where("workspace_id = ? AND user_id = ?", workspaceId, userId).
		First(&member).Error
	if err != nil {
		return nil, notFoundAsNil(err)
	}
	return &member, nil
}

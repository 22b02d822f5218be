package service

import (
	"context"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/internal/repository"
	"github.com/mbeoliero/chatsync/pkg/errcode"
)

// UserService resolves the profiles shown next to messages and members
type UserService struct {
	userRepo *repository.UserRepo
}

// NewUserService creates a new UserService
func NewUserService(userRepo *repository.UserRepo) *UserService {
	return &UserService{
		userRepo: userRepo,
	}
}

// GetUser gets one user profile
func (s *UserService) GetUser(ctx context.Context, userId string) (*entity.User, error) {
	user, err := s.userRepo.GetById(ctx, userId)
	if err != nil {
		log.CtxError(ctx, "get user failed: user_id=%s, error=%v", userId, err)
		return nil, errcode.ErrInternalServer
	}
	if user == nil {
		return nil, errcode.ErrNotFound
	}
	return user, nil
}

// GetUsers gets the profiles of userIds, skipping unknown ids
func (s *UserService) GetUsers(ctx context.Context, userIds []string) ([]*entity.User, error) {
	users, err := s.userRepo.GetByIds(ctx, userIds)
	if err != nil {
		log.CtxError(ctx, "get users failed: %v", err)
		return nil, errcode.ErrInternalServer
	}

	out := make([]*entity.User, 0, len(users))
	for _, id := range userIds {
		if u, ok := users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

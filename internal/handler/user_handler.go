package handler

import (
	"context"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"

	"github.com/mbeoliero/chatsync/internal/middleware"
	"github.com/mbeoliero/chatsync/internal/service"
	"github.com/mbeoliero/chatsync/pkg/errcode"
	"github.com/mbeoliero/chatsync/pkg/response"
)

// UserHandler handles user profile requests
type UserHandler struct {
	userService *service.UserService
}

// NewUserHandler creates a new UserHandler
func NewUserHandler(userService *service.UserService) *UserHandler {
	return &UserHandler{userService: userService}
}

// GetMe returns the caller's profile
func (h *UserHandler) GetMe(ctx context.Context, c *app.RequestContext) {
	userId := middleware.GetUserId(c)
	if userId == "" {
		response.ErrorWithCode(ctx, c, errcode.ErrUnauthorized)
		return
	}
	user, err := h.userService.GetUser(ctx, userId)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, user)
}

// GetUsers returns the profiles named by the comma separated ids query
func (h *UserHandler) GetUsers(ctx context.Context, c *app.RequestContext) {
	raw := c.Query("ids")
	if raw == "" {
		response.ErrorWithCode(ctx, c, errcode.ErrInvalidParam)
		return
	}
	users, err := h.userService.GetUsers(ctx, strings.Split(raw, ","))
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, users)
}

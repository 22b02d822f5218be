package handler

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"

	"github.com/mbeoliero/chatsync/internal/middleware"
	"github.com/mbeoliero/chatsync/internal/service"
	"github.com/mbeoliero/chatsync/pkg/errcode"
	"github.com/mbeoliero/chatsync/pkg/response"
)

// NotificationHandler handles notification requests
type NotificationHandler struct {
	notifService *service.NotificationService
}

// NewNotificationHandler creates a new NotificationHandler
func NewNotificationHandler(notifService *service.NotificationService) *NotificationHandler {
	return &NotificationHandler{notifService: notifService}
}

// SetReadRequest sets the read flag of a notification
type SetReadRequest struct {
	IsRead bool `json:"is_read"`
}

// ListNotifications returns the caller's newest notifications with the unread total
func (h *NotificationHandler) ListNotifications(ctx context.Context, c *app.RequestContext) {
	userId := middleware.GetUserId(c)
	items, err := h.notifService.List(ctx, userId)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	unread, err := h.notifService.UnreadCount(ctx, userId)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, map[string]interface{}{
		"notifications": items,
		"unread":        unread,
	})
}

// SetRead marks one notification read or unread
func (h *NotificationHandler) SetRead(ctx context.Context, c *app.RequestContext) {
	var req SetReadRequest
	if err := c.BindAndValidate(&req); err != nil {
		response.ErrorWithCode(ctx, c, errcode.ErrInvalidParam)
		return
	}
	if err := h.notifService.SetRead(ctx, middleware.GetUserId(c), c.Param("notification_id"), req.IsRead); err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, nil)
}

// MarkAllRead marks every notification of the caller read
func (h *NotificationHandler) MarkAllRead(ctx context.Context, c *app.RequestContext) {
	n := h.notifService.MarkAllRead(ctx, middleware.GetUserId(c))
	response.Success(ctx, c, map[string]int{"count": n})
}

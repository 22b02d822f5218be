package handler

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"

	"github.com/mbeoliero/chatsync/internal/middleware"
	"github.com/mbeoliero/chatsync/internal/service"
	"github.com/mbeoliero/chatsync/pkg/errcode"
	"github.com/mbeoliero/chatsync/pkg/response"
)

// ChannelHandler handles channel-related requests
type ChannelHandler struct {
	channelService *service.ChannelService
}

// NewChannelHandler creates a new ChannelHandler
func NewChannelHandler(channelService *service.ChannelService) *ChannelHandler {
	return &ChannelHandler{channelService: channelService}
}

// MemberRequest names a user to add or remove
type MemberRequest struct {
	UserId string `json:"user_id"`
}

// ArchiveRequest sets the archived flag of a channel
type ArchiveRequest struct {
	Archived bool `json:"archived"`
}

// CreateChannel handles create channel request
func (h *ChannelHandler) CreateChannel(ctx context.Context, c *app.RequestContext) {
	userId := middleware.GetUserId(c)
	if userId == "" {
		response.ErrorWithCode(ctx, c, errcode.ErrUnauthorized)
		return
	}

	var req service.CreateChannelRequest
	if err := c.BindAndValidate(&req); err != nil {
		response.ErrorWithCode(ctx, c, errcode.ErrInvalidParam)
		return
	}

	channel, err := h.channelService.Create(ctx, userId, &req)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}

	response.Success(ctx, c, channel)
}

// ListChannels returns the caller's channels with their unread counts
func (h *ChannelHandler) ListChannels(ctx context.Context, c *app.RequestContext) {
	channels, err := h.channelService.ListWithUnread(ctx, middleware.GetUserId(c))
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, channels)
}

// JoinChannel handles join public channel request
func (h *ChannelHandler) JoinChannel(ctx context.Context, c *app.RequestContext) {
	member, err := h.channelService.Join(ctx, middleware.GetUserId(c), c.Param("channel_id"))
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, member)
}

// LeaveChannel handles leave channel request
func (h *ChannelHandler) LeaveChannel(ctx context.Context, c *app.RequestContext) {
	if err := h.channelService.Leave(ctx, middleware.GetUserId(c), c.Param("channel_id")); err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, nil)
}

// AddMember handles add member request
func (h *ChannelHandler) AddMember(ctx context.Context, c *app.RequestContext) {
	var req MemberRequest
	if err := c.BindAndValidate(&req); err != nil || req.UserId == "" {
		response.ErrorWithCode(ctx, c, errcode.ErrInvalidParam)
		return
	}
	if err := h.channelService.AddMember(ctx, middleware.GetUserId(c), c.Param("channel_id"), req.UserId); err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, nil)
}

// RemoveMember handles remove member request
func (h *ChannelHandler) RemoveMember(ctx context.Context, c *app.RequestContext) {
	userId := c.Param("user_id")
	if userId == "" {
		response.ErrorWithCode(ctx, c, errcode.ErrInvalidParam)
		return
	}
	if err := h.channelService.RemoveMember(ctx, middleware.GetUserId(c), c.Param("channel_id"), userId); err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, nil)
}

// MarkRead moves the caller's read cursor of a channel to now
func (h *ChannelHandler) MarkRead(ctx context.Context, c *app.RequestContext) {
	at, err := h.channelService.MarkRead(ctx, middleware.GetUserId(c), c.Param("channel_id"))
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, map[string]int64{"last_viewed_at": at})
}

// ToggleStar handles star or unstar request
func (h *ChannelHandler) ToggleStar(ctx context.Context, c *app.RequestContext) {
	starred, err := h.channelService.ToggleStar(ctx, middleware.GetUserId(c), c.Param("channel_id"))
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, map[string]bool{"starred": starred})
}

// ArchiveChannel handles archive and unarchive request
func (h *ChannelHandler) ArchiveChannel(ctx context.Context, c *app.RequestContext) {
	var req ArchiveRequest
	if err := c.BindAndValidate(&req); err != nil {
		response.ErrorWithCode(ctx, c, errcode.ErrInvalidParam)
		return
	}
	if err := h.channelService.Archive(ctx, middleware.GetUserId(c), c.Param("channel_id"), req.Archived); err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, nil)
}

// DeleteChannel handles delete channel request
func (h *ChannelHandler) DeleteChannel(ctx context.Context, c *app.RequestContext) {
	if err := h.channelService.Delete(ctx, middleware.GetUserId(c), c.Param("channel_id")); err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, nil)
}

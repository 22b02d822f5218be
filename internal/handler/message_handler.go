package handler

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"

	"github.com/mbeoliero/chatsync/internal/middleware"
	"github.com/mbeoliero/chatsync/internal/service"
	"github.com/mbeoliero/chatsync/pkg/errcode"
	"github.com/mbeoliero/chatsync/pkg/response"
)

// MessageHandler handles message-related requests
type MessageHandler struct {
	msgService *service.MessageService
}

// NewMessageHandler creates a new MessageHandler
func NewMessageHandler(msgService *service.MessageService) *MessageHandler {
	return &MessageHandler{msgService: msgService}
}

// EditMessageRequest carries the new content of a message
type EditMessageRequest struct {
	Content string `json:"content"`
}

// ReactionRequest names the emoji to toggle
type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

// ForwardRequest names the channel a message is forwarded to
type ForwardRequest struct {
	ChannelId string `json:"channel_id"`
}

// SendMessage handles send message request (HTTP fallback of the websocket send)
func (h *MessageHandler) SendMessage(ctx context.Context, c *app.RequestContext) {
	userId := middleware.GetUserId(c)
	if userId == "" {
		response.ErrorWithCode(ctx, c, errcode.ErrUnauthorized)
		return
	}

	var req service.SendMessageRequest
	if err := c.BindAndValidate(&req); err != nil {
		response.ErrorWithCode(ctx, c, errcode.ErrInvalidParam)
		return
	}

	rec, err := h.msgService.Send(ctx, userId, &req)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}

	response.Success(ctx, c, rec)
}

// GetMessage returns one message with its author, attachments and reactions
func (h *MessageHandler) GetMessage(ctx context.Context, c *app.RequestContext) {
	rec, err := h.msgService.GetById(ctx, middleware.GetUserId(c), c.Param("message_id"))
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, rec)
}

// EditMessage handles edit message request
func (h *MessageHandler) EditMessage(ctx context.Context, c *app.RequestContext) {
	var req EditMessageRequest
	if err := c.BindAndValidate(&req); err != nil {
		response.ErrorWithCode(ctx, c, errcode.ErrInvalidParam)
		return
	}
	if err := h.msgService.Edit(ctx, middleware.GetUserId(c), c.Param("message_id"), req.Content); err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, nil)
}

// DeleteMessage handles delete message request
func (h *MessageHandler) DeleteMessage(ctx context.Context, c *app.RequestContext) {
	if err := h.msgService.Delete(ctx, middleware.GetUserId(c), c.Param("message_id")); err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, nil)
}

// PinMessage handles pin message request
func (h *MessageHandler) PinMessage(ctx context.Context, c *app.RequestContext) {
	if err := h.msgService.Pin(ctx, middleware.GetUserId(c), c.Param("message_id")); err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, nil)
}

// UnpinMessage handles unpin message request
func (h *MessageHandler) UnpinMessage(ctx context.Context, c *app.RequestContext) {
	if err := h.msgService.Unpin(ctx, middleware.GetUserId(c), c.Param("message_id")); err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, nil)
}

// ToggleReaction handles toggle reaction request
func (h *MessageHandler) ToggleReaction(ctx context.Context, c *app.RequestContext) {
	var req ReactionRequest
	if err := c.BindAndValidate(&req); err != nil || req.Emoji == "" {
		response.ErrorWithCode(ctx, c, errcode.ErrInvalidParam)
		return
	}
	res, err := h.msgService.ToggleReaction(ctx, middleware.GetUserId(c), c.Param("message_id"), req.Emoji)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, res)
}

// Bookmark handles bookmark request
func (h *MessageHandler) Bookmark(ctx context.Context, c *app.RequestContext) {
	if err := h.msgService.Bookmark(ctx, middleware.GetUserId(c), c.Param("message_id")); err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, nil)
}

// Unbookmark handles remove bookmark request
func (h *MessageHandler) Unbookmark(ctx context.Context, c *app.RequestContext) {
	if err := h.msgService.Unbookmark(ctx, middleware.GetUserId(c), c.Param("message_id")); err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, nil)
}

// Bookmarks lists the caller's bookmarked messages
func (h *MessageHandler) Bookmarks(ctx context.Context, c *app.RequestContext) {
	recs, err := h.msgService.Bookmarks(ctx, middleware.GetUserId(c))
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, recs)
}

// Thread returns the replies of a message
func (h *MessageHandler) Thread(ctx context.Context, c *app.RequestContext) {
	recs, err := h.msgService.Thread(ctx, middleware.GetUserId(c), c.Param("message_id"))
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, recs)
}

// Forward copies a message into another channel
func (h *MessageHandler) Forward(ctx context.Context, c *app.RequestContext) {
	var req ForwardRequest
	if err := c.BindAndValidate(&req); err != nil || req.ChannelId == "" {
		response.ErrorWithCode(ctx, c, errcode.ErrInvalidParam)
		return
	}
	rec, err := h.msgService.Forward(ctx, middleware.GetUserId(c), c.Param("message_id"), req.ChannelId)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, rec)
}

// CancelScheduled deletes a scheduled message before it goes out
func (h *MessageHandler) CancelScheduled(ctx context.Context, c *app.RequestContext) {
	if err := h.msgService.CancelScheduled(ctx, middleware.GetUserId(c), c.Param("message_id")); err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, nil)
}

// Page returns one page of a channel's messages, older than before when given
func (h *MessageHandler) Page(ctx context.Context, c *app.RequestContext) {
	recs, err := h.msgService.Page(ctx, middleware.GetUserId(c), c.Param("channel_id"), c.Query("before"))
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, map[string]interface{}{
		"messages": recs,
		"has_more": len(recs) >= h.msgService.PageSize(),
	})
}

// Pinned lists the pinned messages of a channel
func (h *MessageHandler) Pinned(ctx context.Context, c *app.RequestContext) {
	recs, err := h.msgService.Pinned(ctx, middleware.GetUserId(c), c.Param("channel_id"))
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, recs)
}

// Scheduled lists the caller's pending scheduled messages of a channel or thread
func (h *MessageHandler) Scheduled(ctx context.Context, c *app.RequestContext) {
	recs, err := h.msgService.Scheduled(ctx, middleware.GetUserId(c), c.Param("channel_id"), c.Query("parent_id"))
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, recs)
}

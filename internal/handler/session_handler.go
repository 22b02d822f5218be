package handler

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/internal/middleware"
	"github.com/mbeoliero/chatsync/pkg/errcode"
	"github.com/mbeoliero/chatsync/pkg/jwt"
	"github.com/mbeoliero/chatsync/pkg/response"
)

// Presence is the live connection registry of the gateway
type Presence interface {
	IsOnline(ctx context.Context, userId string) bool
	Kick(userId, tokenId string) int
}

// SessionHandler handles sign-out and presence requests
type SessionHandler struct {
	tokens   *jwt.TokenStore
	presence Presence
}

// NewSessionHandler creates a new SessionHandler
func NewSessionHandler(tokens *jwt.TokenStore, presence Presence) *SessionHandler {
	return &SessionHandler{tokens: tokens, presence: presence}
}

// Logout revokes the caller's token and closes the connections opened with it
func (h *SessionHandler) Logout(ctx context.Context, c *app.RequestContext) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.ErrorWithCode(ctx, c, errcode.ErrUnauthorized)
		return
	}
	if err := h.tokens.Revoke(ctx, claims); err != nil {
		log.CtxError(ctx, "revoke token failed: user_id=%s, error=%v", claims.UserId, err)
		response.ErrorWithCode(ctx, c, errcode.ErrInternalServer)
		return
	}
	kicked := 0
	if h.presence != nil && claims.ID != "" {
		kicked = h.presence.Kick(claims.UserId, claims.ID)
	}
	log.CtxInfo(ctx, "user logged out: user_id=%s, closed_conns=%d", claims.UserId, kicked)
	response.Success(ctx, c, nil)
}

// Online reports whether a user holds a live connection
func (h *SessionHandler) Online(ctx context.Context, c *app.RequestContext) {
	userId := c.Param("user_id")
	if userId == "" {
		response.ErrorWithCode(ctx, c, errcode.ErrInvalidParam)
		return
	}
	online := h.presence != nil && h.presence.IsOnline(ctx, userId)
	response.Success(ctx, c, map[string]bool{"online": online})
}

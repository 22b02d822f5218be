package middleware

import (
	"context"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/pkg/errcode"
	"github.com/mbeoliero/chatsync/pkg/jwt"
	"github.com/mbeoliero/chatsync/pkg/response"
)

const (
	// AuthorizationHeader is the header key for authorization
	AuthorizationHeader = "Authorization"
	// BearerPrefix is the prefix for bearer token
	BearerPrefix = "Bearer "
	// UserIdKey is the context key for user Id
	UserIdKey = "user_id"
	// ClaimsKey is the context key for the parsed token claims
	ClaimsKey = "claims"
)

// JWTAuth is the JWT authentication middleware. Revoked tokens are rejected.
func JWTAuth(secret string, tokens *jwt.TokenStore) app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		authHeader := string(c.GetHeader(AuthorizationHeader))
		if authHeader == "" {
			response.ErrorWithCode(ctx, c, errcode.ErrTokenMissing)
			c.Abort()
			return
		}

		if !strings.HasPrefix(authHeader, BearerPrefix) {
			response.ErrorWithCode(ctx, c, errcode.ErrTokenInvalid)
			c.Abort()
			return
		}

		claims, err := jwt.ParseToken(strings.TrimPrefix(authHeader, BearerPrefix), secret)
		if err != nil {
			response.Error(ctx, c, err)
			c.Abort()
			return
		}

		revoked, err := tokens.IsRevoked(ctx, claims)
		if err != nil {
			log.CtxWarn(ctx, "check token revocation failed: user_id=%s, error=%v", claims.UserId, err)
			response.ErrorWithCode(ctx, c, errcode.ErrInternalServer)
			c.Abort()
			return
		}
		if revoked {
			response.ErrorWithCode(ctx, c, errcode.ErrTokenInvalid)
			c.Abort()
			return
		}

		// Store user info in context
		c.Set(UserIdKey, claims.UserId)
		c.Set(ClaimsKey, claims)

		c.Next(ctx)
	}
}

// GetUserId gets user Id from context
func GetUserId(c *app.RequestContext) string {
	if v, ok := c.Get(UserIdKey); ok {
		return v.(string)
	}
	return ""
}

// GetClaims gets the token claims from context
func GetClaims(c *app.RequestContext) *jwt.Claims {
	if v, ok := c.Get(ClaimsKey); ok {
		return v.(*jwt.Claims)
	}
	return nil
}

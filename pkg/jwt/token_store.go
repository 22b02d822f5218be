package jwt

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbeoliero/chatsync/pkg/constant"
)

// TokenStore keeps revoked token ids in Redis until the tokens would have expired
// anyway. Tokens without an id cannot be revoked.
type TokenStore struct {
	rdb *redis.Client
	now func() time.Time
}

// NewTokenStore creates a new TokenStore. A nil client revokes nothing.
func NewTokenStore(rdb *redis.Client) *TokenStore {
	return &TokenStore{rdb: rdb, now: time.Now}
}

func revokedKey(tokenId string) string {
	return fmt.Sprintf(constant.RedisKeyRevoked(), tokenId)
}

// Revoke invalidates a token for the rest of its lifetime
func (s *TokenStore) Revoke(ctx context.Context, claims *Claims) error {
	if s == nil || s.rdb == nil || claims.ID == "" {
		return nil
	}
	ttl := time.Hour
	if claims.ExpiresAt != nil {
		ttl = claims.ExpiresAt.Sub(s.now())
	}
	if ttl <= 0 {
		return nil
	}
	if err := s.rdb.Set(ctx, revokedKey(claims.ID), claims.UserId, ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// IsRevoked reports whether a token was revoked
func (s *TokenStore) IsRevoked(ctx context.Context, claims *Claims) (bool, error) {
	if s == nil || s.rdb == nil || claims.ID == "" {
		return false, nil
	}
	n, err := s.rdb.Exists(ctx, revokedKey(claims.ID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check token status: %w", err)
	}
	return n > 0, nil
}

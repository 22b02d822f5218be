package jwt

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeoliero/chatsync/pkg/errcode"
)

const testSecret = "test-secret"

func TestGenerateAndParse(t *testing.T) {
	token, err := GenerateToken("u1", "w1", testSecret, 1)
	require.NoError(t, err)

	claims, err := ParseToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserId)
	assert.Equal(t, "w1", claims.WorkspaceId)
	assert.Equal(t, Issuer, claims.Issuer)
}

func TestParseWrongSecret(t *testing.T) {
	token, err := GenerateToken("u1", "w1", testSecret, 1)
	require.NoError(t, err)

	_, err = ParseToken(token, "other")
	assert.True(t, errors.Is(err, errcode.ErrTokenInvalid))
}

func TestParseExpired(t *testing.T) {
	token, err := GenerateToken("u1", "w1", testSecret, -1)
	require.NoError(t, err)

	_, err = ParseToken(token, testSecret)
	assert.True(t, errors.Is(err, errcode.ErrTokenExpired))
}

func TestValidateTokenMismatch(t *testing.T) {
	token, err := GenerateToken("u1", "w1", testSecret, 1)
	require.NoError(t, err)

	_, err = ValidateToken(token, testSecret, "u2")
	assert.Equal(t, errcode.ErrTokenMismatch, err)

	claims, err := ValidateToken(token, testSecret, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserId)
}

func TestGenerateSetsTokenId(t *testing.T) {
	a, err := GenerateToken("u1", "w1", testSecret, 1)
	require.NoError(t, err)
	b, err := GenerateToken("u1", "w1", testSecret, 1)
	require.NoError(t, err)

	ca, err := ParseToken(a, testSecret)
	require.NoError(t, err)
	cb, err := ParseToken(b, testSecret)
	require.NoError(t, err)
	assert.NotEmpty(t, ca.ID)
	assert.NotEqual(t, ca.ID, cb.ID)
}

func TestNilTokenStoreRevokesNothing(t *testing.T) {
	var store *TokenStore
	claims := &Claims{UserId: "u1"}
	claims.ID = "t1"

	require.NoError(t, store.Revoke(context.Background(), claims))
	revoked, err := NewTokenStore(nil).IsRevoked(context.Background(), claims)
	require.NoError(t, err)
	assert.False(t, revoked)
}

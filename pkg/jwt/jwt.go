package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mbeoliero/chatsync/pkg/errcode"
)

// Issuer is the issuer claim expected on session tokens
const Issuer = "chatsync"

// Claims represents JWT claims
type Claims struct {
	UserId      string `json:"user_id"`
	WorkspaceId string `json:"workspace_id"`
	jwt.RegisteredClaims
}

// GenerateToken generates a new JWT token.
// Sessions are issued by the external auth service; this is used by tooling and tests.
func GenerateToken(userId, workspaceId, secret string, expireHours int) (string, error) {
	now := time.Now()
	claims := Claims{
		UserId:      userId,
		WorkspaceId: workspaceId,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(expireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    Issuer,
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseToken parses and validates a JWT token
func ParseToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errcode.ErrTokenExpired
		}
		return nil, errcode.ErrTokenInvalid.Wrap(err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.UserId != "" {
		return claims, nil
	}

	return nil, errcode.ErrTokenInvalid
}

// ValidateToken validates token and checks if userId matches
func ValidateToken(tokenString, secret, expectedUserId string) (*Claims, error) {
	claims, err := ParseToken(tokenString, secret)
	if err != nil {
		return nil, err
	}

	if claims.UserId != expectedUserId {
		return nil, errcode.ErrTokenMismatch
	}

	return claims, nil
}

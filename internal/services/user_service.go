package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chat-relay/internal/models"
)

var ErrInvalidToken = errors.New("invalid token")

// UserService resolves identities issued by the external identity provider.
type UserService struct {
	store  Store
	secret []byte
}

func NewUserService(store Store, jwtSecret string) *UserService {
	return &UserService{store: store, secret: []byte(jwtSecret)}
}

// TokensRequired reports whether connections must present an identity token.
func (s *UserService) TokensRequired() bool {
	return len(s.secret) > 0
}

func (s *UserService) GetProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	return s.store.LoadProfile(ctx, userID)
}

// GenerateJWT issues a token for userID. The relay never hands tokens out itself; this is
// for tooling and tests that stand in for the identity provider.
func (s *UserService) GenerateJWT(userID string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":     userID,
		"user_id": userID,
		"exp":     time.Now().Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken checks the signature and expiry and returns the user id the token was
// issued for (the "user_id" claim, falling back to "sub").
func (s *UserService) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	if uid, ok := claims["user_id"].(string); ok && uid != "" {
		return uid, nil
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	return "", fmt.Errorf("%w: no subject", ErrInvalidToken)
}

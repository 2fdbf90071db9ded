package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chat-relay/internal/models"
)

func TestUserService_TokenRoundTrip(t *testing.T) {
	s := NewUserService(NewMemoryStore(), "test-secret")
	if !s.TokensRequired() {
		t.Fatal("TokensRequired() = false with a secret")
	}

	token, err := s.GenerateJWT("alice", time.Minute)
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}
	uid, err := s.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if uid != "alice" {
		t.Errorf("ValidateToken() = %q, want alice", uid)
	}
}

func TestUserService_ValidateTokenRejects(t *testing.T) {
	s := NewUserService(NewMemoryStore(), "test-secret")
	other := NewUserService(NewMemoryStore(), "other-secret")

	expired, _ := s.GenerateJWT("alice", -time.Minute)
	foreign, _ := other.GenerateJWT("alice", time.Minute)
	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte("test-secret"))

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"expired", expired},
		{"wrong secret", foreign},
		{"no subject", noSubject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.ValidateToken(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("ValidateToken() error = %v, want %v", err, ErrInvalidToken)
			}
		})
	}
}

func TestUserService_SubjectClaim(t *testing.T) {
	s := NewUserService(NewMemoryStore(), "test-secret")
	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "bob",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte("test-secret"))

	uid, err := s.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if uid != "bob" {
		t.Errorf("ValidateToken() = %q, want bob", uid)
	}
}

func TestUserService_GetProfile(t *testing.T) {
	store := NewMemoryStore()
	store.PutProfile(models.UserProfile{ID: "alice", DisplayName: "Alice"})
	s := NewUserService(store, "")

	if s.TokensRequired() {
		t.Error("TokensRequired() = true without a secret")
	}
	p, err := s.GetProfile(context.Background(), "alice")
	if err != nil || p.DisplayName != "Alice" {
		t.Errorf("GetProfile() = %+v, %v", p, err)
	}
	if _, err := s.GetProfile(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetProfile(nobody) error = %v, want %v", err, ErrNotFound)
	}
}

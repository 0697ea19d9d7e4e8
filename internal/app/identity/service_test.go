package identity

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/todo-1m/nowlater/internal/platform/auth"
	"golang.org/x/crypto/bcrypt"
)

var testNow = time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)

func testTokenManager() auth.Manager {
	m := auth.NewManager("secret", time.Hour)
	m.Now = func() time.Time { return testNow }
	return m
}

func newTestService(repo Repository) *Service {
	svc := NewService(repo, testTokenManager())
	svc.HashCost = bcrypt.MinCost
	svc.Now = func() time.Time { return testNow }
	next := 0
	svc.NewID = func() string {
		next++
		return fmt.Sprintf("id-%d", next)
	}
	return svc
}

func TestRegisterLoginRefreshLogout(t *testing.T) {
	svc := newTestService(NewMemoryRepository())
	ctx := context.Background()

	reg, err := svc.Register(ctx, "Alice", "password123")
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if reg.AccessToken == "" || reg.RefreshToken == "" || reg.UserID == "" || reg.Username != "alice" {
		t.Fatalf("unexpected register response: %+v", reg)
	}
	claims, err := svc.AuthToken.Parse(reg.AccessToken)
	if err != nil || claims.Subject != reg.UserID {
		t.Fatalf("expected access token for %s, got %+v (%v)", reg.UserID, claims, err)
	}

	login, err := svc.Login(ctx, "alice", "password123")
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}

	refreshed, err := svc.Refresh(ctx, login.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if refreshed.AccessToken == "" || refreshed.RefreshToken == login.RefreshToken {
		t.Fatalf("unexpected refresh response: %+v", refreshed)
	}
	if _, err := svc.Refresh(ctx, login.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected a used refresh token to be rejected, got %v", err)
	}

	if err := svc.Logout(ctx, refreshed.RefreshToken); err != nil {
		t.Fatalf("Logout error: %v", err)
	}
	if _, err := svc.Refresh(ctx, refreshed.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected a logged out token to be rejected, got %v", err)
	}
	if err := svc.Logout(ctx, refreshed.RefreshToken); err != nil {
		t.Fatalf("expected repeated logout to succeed, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := newTestService(NewMemoryRepository())
	ctx := context.Background()

	if _, err := svc.Register(ctx, "  ", "password123"); !errors.Is(err, ErrInvalidUsername) {
		t.Fatalf("expected ErrInvalidUsername, got %v", err)
	}
	if _, err := svc.Register(ctx, "alice", "short"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
	if _, err := svc.Register(ctx, "alice", "password123"); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if _, err := svc.Register(ctx, "ALICE", "password456"); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc := newTestService(NewMemoryRepository())
	ctx := context.Background()
	if _, err := svc.Register(ctx, "alice", "password123"); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	for _, tc := range []struct{ username, password string }{
		{"alice", "wrong-password"},
		{"bob", "password123"},
		{"", ""},
	} {
		if _, err := svc.Login(ctx, tc.username, tc.password); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("%s: expected ErrInvalidCredentials, got %v", tc.username, err)
		}
	}
}

func TestRefreshRejectsExpiredToken(t *testing.T) {
	svc := newTestService(NewMemoryRepository())
	ctx := context.Background()
	reg, err := svc.Register(ctx, "alice", "password123")
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}

	svc.Now = func() time.Time { return testNow.Add(svc.RefreshTTL) }
	if _, err := svc.Refresh(ctx, reg.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken, got %v", err)
	}
	if _, err := svc.Refresh(ctx, " "); !errors.Is(err, ErrRefreshTokenMissing) {
		t.Fatalf("expected ErrRefreshTokenMissing, got %v", err)
	}
}

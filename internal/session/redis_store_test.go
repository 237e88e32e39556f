package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	rs, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return rs, s
}

func TestSaveAndLookup(t *testing.T) {
	rs, s := setupTestRedis(t)
	defer rs.Close()
	defer s.Close()

	ctx := context.Background()
	data := TokenData{
		UserID:      "usr_123",
		DisplayName: "Avery",
		Email:       "avery@example.com",
		Role:        "member",
	}

	if err := rs.Save(ctx, "hash-1", data, time.Now().Add(24*time.Hour)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := rs.Lookup(ctx, "hash-1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got.UserID != "usr_123" || got.Email != "avery@example.com" || got.Role != "member" {
		t.Errorf("unexpected token data: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set on save")
	}
}

func TestLookupExpired(t *testing.T) {
	rs, s := setupTestRedis(t)
	defer rs.Close()
	defer s.Close()

	ctx := context.Background()
	if err := rs.Save(ctx, "hash-exp", TokenData{UserID: "usr_456"}, time.Now().Add(time.Millisecond)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	s.FastForward(2 * time.Millisecond)

	_, err := rs.Lookup(ctx, "hash-exp")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for expired token, got %v", err)
	}
}

func TestLookupUnknown(t *testing.T) {
	rs, s := setupTestRedis(t)
	defer rs.Close()
	defer s.Close()

	_, err := rs.Lookup(context.Background(), "never-saved")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	rs, s := setupTestRedis(t)
	defer rs.Close()
	defer s.Close()

	ctx := context.Background()
	if err := rs.Save(ctx, "hash-rev", TokenData{UserID: "usr_789"}, time.Now().Add(24*time.Hour)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := rs.Lookup(ctx, "hash-rev"); err != nil {
		t.Fatalf("Lookup before revoke failed: %v", err)
	}

	if err := rs.Revoke(ctx, "hash-rev"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	if _, err := rs.Lookup(ctx, "hash-rev"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after revoke, got %v", err)
	}

	// Revoking again must stay quiet; logout is idempotent.
	if err := rs.Revoke(ctx, "hash-rev"); err != nil {
		t.Errorf("second Revoke failed: %v", err)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	rs, s := setupTestRedis(t)
	defer rs.Close()
	defer s.Close()

	ctx := context.Background()
	expiresAt := time.Now().Add(24 * time.Hour)

	if err := rs.Save(ctx, "hash-a", TokenData{UserID: "usr_a"}, expiresAt); err != nil {
		t.Fatalf("Save a failed: %v", err)
	}
	if err := rs.Save(ctx, "hash-b", TokenData{UserID: "usr_b"}, expiresAt); err != nil {
		t.Fatalf("Save b failed: %v", err)
	}

	if err := rs.Revoke(ctx, "hash-a"); err != nil {
		t.Fatalf("Revoke a failed: %v", err)
	}

	if _, err := rs.Lookup(ctx, "hash-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected hash-a gone, got %v", err)
	}
	got, err := rs.Lookup(ctx, "hash-b")
	if err != nil {
		t.Fatalf("Lookup b after revoking a failed: %v", err)
	}
	if got.UserID != "usr_b" {
		t.Errorf("expected usr_b, got %s", got.UserID)
	}
}

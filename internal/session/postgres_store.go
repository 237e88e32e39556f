package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"heirloom/api/internal/store"
)

// refreshBacking is the slice of the Postgres store the fallback needs.
type refreshBacking interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// PostgresStore keeps refresh sessions in the refresh_sessions table.
// It is the fallback when Redis is unconfigured; expiry and revocation
// are enforced by the lookup query instead of a TTL.
type PostgresStore struct {
	backing refreshBacking
}

func NewPostgresStore(backing refreshBacking) *PostgresStore {
	return &PostgresStore{backing: backing}
}

func (s *PostgresStore) Save(ctx context.Context, tokenHash string, data TokenData, expiresAt time.Time) error {
	return s.backing.SaveRefreshSession(ctx, tokenHash, data.UserID, expiresAt)
}

func (s *PostgresStore) Lookup(ctx context.Context, tokenHash string) (TokenData, error) {
	user, err := s.backing.LookupRefreshSession(ctx, tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return TokenData{}, ErrNotFound
	}
	if err != nil {
		return TokenData{}, err
	}
	return TokenData{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		Email:       user.Email,
		Role:        user.Role,
	}, nil
}

func (s *PostgresStore) Revoke(ctx context.Context, tokenHash string) error {
	return s.backing.RevokeRefreshSession(ctx, tokenHash)
}

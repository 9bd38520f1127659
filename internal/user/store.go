package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no user exists for the requested ID.
var ErrNotFound = errors.New("user: not found")

// Store is the PostgreSQL-backed Directory implementation.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store on the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetUser fetches a user summary by ID.
func (s *Store) GetUser(ctx context.Context, id int) (Summary, error) {
	const q = `SELECT id, fullname, COALESCE(avatar_url, ''), email FROM users WHERE id = $1`

	var u Summary
	err := s.db.QueryRowContext(ctx, q, id).Scan(&u.ID, &u.Fullname, &u.AvatarURL, &u.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return Summary{}, ErrNotFound
	}
	if err != nil {
		return Summary{}, fmt.Errorf("user: get %d: %w", id, err)
	}
	return u, nil
}

// UpdateProfile updates the display name and, when non-empty, the avatar URL
// of a user. It returns the updated summary.
func (s *Store) UpdateProfile(ctx context.Context, id int, fullname, avatarURL string) (Summary, error) {
	const q = `
		UPDATE users
		SET fullname = $2,
		    avatar_url = CASE WHEN $3 <> '' THEN $3 ELSE avatar_url END
		WHERE id = $1
		RETURNING id, fullname, COALESCE(avatar_url, ''), email`

	var u Summary
	err := s.db.QueryRowContext(ctx, q, id, fullname, avatarURL).Scan(&u.ID, &u.Fullname, &u.AvatarURL, &u.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return Summary{}, ErrNotFound
	}
	if err != nil {
		return Summary{}, fmt.Errorf("user: update profile %d: %w", id, err)
	}
	return u, nil
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// RefreshPrefix is the Redis key prefix for refresh credentials.
	RefreshPrefix = "refresh:"

	// RefreshTTL is the refresh credential lifetime.
	RefreshTTL = 7 * 24 * time.Hour

	// RefreshCookie is the HTTP cookie carrying the refresh credential.
	RefreshCookie = "refresh_token"
)

// ErrRefreshNotFound is returned when no refresh credential exists for the
// presented token. It is fatal for the session: the client must log out,
// there is no retry path.
var ErrRefreshNotFound = errors.New("auth: refresh token not found")

// RefreshStore manages opaque refresh credentials in Redis, keyed
// refresh:<token> with the owning user ID as value.
type RefreshStore struct {
	client *redis.Client
}

// NewRefreshStore creates a RefreshStore on the given Redis client.
func NewRefreshStore(client *redis.Client) *RefreshStore {
	return &RefreshStore{client: client}
}

// Mint creates a new refresh credential for the user and returns the opaque
// token.
func (s *RefreshStore) Mint(ctx context.Context, userID int) (string, error) {
	token := uuid.New().String()
	key := RefreshPrefix + token
	if err := s.client.Set(ctx, key, userID, RefreshTTL).Err(); err != nil {
		return "", fmt.Errorf("auth: mint refresh: %w", err)
	}
	return token, nil
}

// Lookup resolves a refresh credential to its user ID and extends the TTL.
func (s *RefreshStore) Lookup(ctx context.Context, token string) (int, error) {
	key := RefreshPrefix + token
	userID, err := s.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, ErrRefreshNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("auth: lookup refresh: %w", err)
	}

	// Sliding expiry: an active session keeps its refresh credential alive.
	if err := s.client.Expire(ctx, key, RefreshTTL).Err(); err != nil {
		return 0, fmt.Errorf("auth: refresh ttl: %w", err)
	}
	return userID, nil
}

// Revoke deletes a refresh credential (logout).
func (s *RefreshStore) Revoke(ctx context.Context, token string) error {
	return s.client.Del(ctx, RefreshPrefix+token).Err()
}

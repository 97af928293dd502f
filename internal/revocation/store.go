// Package revocation provides the side-channel invalidation that stateless
// JWT verification cannot: access-token blacklisting and single-slot refresh
// token tracking, both with automatic expiry.
package revocation

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	revokedPrefix = "revoked"
	refreshPrefix = "refresh"
	sentinel      = "1"
)

// Store tracks revoked access tokens and active refresh tokens in Redis.
// Read errors propagate to the caller so auth gates can fail closed.
type Store struct {
	client *redis.Client
}

// New wraps an existing Redis client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Blacklist marks a specific access token revoked for ttl, the remainder of
// its natural life. Called on logout.
func (s *Store) Blacklist(ctx context.Context, subjectID, token string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return s.client.Set(ctx, revokedKey(subjectID, token), sentinel, ttl).Err()
}

// IsBlacklisted reports whether the token was revoked. An error means the
// store could not be consulted; callers must treat that as "cannot confirm
// not-revoked" and reject.
func (s *Store) IsBlacklisted(ctx context.Context, subjectID, token string) (bool, error) {
	_, err := s.client.Get(ctx, revokedKey(subjectID, token)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("revocation read failed: %w", err)
	}
	return true, nil
}

// StoreRefresh records the active refresh token for a subject. One slot per
// subject: storing a new token supersedes any prior one. Only a hash of the
// token is kept.
func (s *Store) StoreRefresh(ctx context.Context, subjectID, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("refresh ttl must be positive")
	}
	return s.client.Set(ctx, refreshKey(subjectID), hashToken(token), ttl).Err()
}

// MatchRefresh reports whether the presented token matches the stored slot
// for the subject. A missing slot is not an error, just no match.
func (s *Store) MatchRefresh(ctx context.Context, subjectID, token string) (bool, error) {
	stored, err := s.client.Get(ctx, refreshKey(subjectID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("refresh read failed: %w", err)
	}
	presented := hashToken(token)
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1, nil
}

// RevokeRefresh drops the stored refresh token for the subject. Idempotent.
func (s *Store) RevokeRefresh(ctx context.Context, subjectID string) error {
	return s.client.Del(ctx, refreshKey(subjectID)).Err()
}

// Ping verifies the store connection is alive, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func revokedKey(subjectID, token string) string {
	return fmt.Sprintf("%s:%s:%s", revokedPrefix, subjectID, hashToken(token))
}

func refreshKey(subjectID string) string {
	return fmt.Sprintf("%s:%s", refreshPrefix, subjectID)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

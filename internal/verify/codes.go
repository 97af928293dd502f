// Package verify stores one-time verification codes for email and phone
// confirmation. Codes are single use and expire on their own.
package verify

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrInvalidCode covers mismatch, reuse and expiry alike; the caller must
// not tell the client which one happened.
var ErrInvalidCode = errors.New("verify: invalid or expired code")

// Channels a code can be sent over.
const (
	ChannelEmail = "email"
	ChannelPhone = "phone"
)

const (
	keyPrefix  = "verify"
	codeDigits = 6
)

// Codes issues and consumes one-time codes backed by Redis.
type Codes struct {
	client *redis.Client
	ttl    time.Duration
}

// New constructs a code store. TTL defaults to 10 minutes.
func New(client *redis.Client, ttl time.Duration) *Codes {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Codes{client: client, ttl: ttl}
}

// Issue generates a fresh numeric code for the identity and channel,
// replacing any outstanding one.
func (c *Codes) Issue(ctx context.Context, identityID, channel string) (string, error) {
	code, err := randomCode()
	if err != nil {
		return "", err
	}
	if err := c.client.Set(ctx, key(identityID, channel), code, c.ttl).Err(); err != nil {
		return "", fmt.Errorf("code store failed: %w", err)
	}
	return code, nil
}

// Consume checks the presented code and, on match, deletes it so it cannot
// be replayed. Mismatch leaves the stored code in place for a retry within
// its TTL. Every failure is ErrInvalidCode.
func (c *Codes) Consume(ctx context.Context, identityID, channel, code string) error {
	stored, err := c.client.Get(ctx, key(identityID, channel)).Result()
	if err == redis.Nil {
		return ErrInvalidCode
	}
	if err != nil {
		return fmt.Errorf("code read failed: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(code)) != 1 {
		return ErrInvalidCode
	}
	return c.client.Del(ctx, key(identityID, channel)).Err()
}

func key(identityID, channel string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, channel, identityID)
}

func randomCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < codeDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n), nil
}

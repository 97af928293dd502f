// Package throttle bounds login brute force per client address with a
// fixed-window counter in Redis. Window-boundary looseness is an accepted
// tradeoff of the fixed-window model.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrTooManyAttempts signals the caller must refuse the login attempt.
var ErrTooManyAttempts = errors.New("throttle: too many login attempts")

const keyPrefix = "attempts"

// Throttle counts login attempts per client address.
type Throttle struct {
	client *redis.Client
	window time.Duration
	max    int
}

// New constructs a Throttle. Zero or negative parameters fall back to the
// defaults of 5 attempts per 15 minutes.
func New(client *redis.Client, window time.Duration, max int) *Throttle {
	if window <= 0 {
		window = 15 * time.Minute
	}
	if max <= 0 {
		max = 5
	}
	return &Throttle{client: client, window: window, max: max}
}

// Allow returns ErrTooManyAttempts once the recorded count for the address
// has reached the maximum within the current window. Store errors propagate
// so the login path can fail closed.
func (t *Throttle) Allow(ctx context.Context, addr string) error {
	count, err := t.client.Get(ctx, key(addr)).Int()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("throttle read failed: %w", err)
	}
	if count >= t.max {
		return ErrTooManyAttempts
	}
	return nil
}

// Record increments the counter for the address. The window TTL is set on
// the first increment only, so the window does not slide with each attempt.
func (t *Throttle) Record(ctx context.Context, addr string) error {
	count, err := t.client.Incr(ctx, key(addr)).Result()
	if err != nil {
		return fmt.Errorf("throttle increment failed: %w", err)
	}
	if count == 1 {
		if err := t.client.Expire(ctx, key(addr), t.window).Err(); err != nil {
			return fmt.Errorf("throttle expire failed: %w", err)
		}
	}
	return nil
}

// Reset clears the counter, called on successful authentication.
func (t *Throttle) Reset(ctx context.Context, addr string) error {
	return t.client.Del(ctx, key(addr)).Err()
}

func key(addr string) string {
	return fmt.Sprintf("%s:%s", keyPrefix, addr)
}

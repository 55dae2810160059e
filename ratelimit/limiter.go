// Package ratelimit implements a coarse per-tenant sliding window counter
// on the shared key-value service. Bursts straddling a window boundary can
// exceed the nominal rate by up to 2x; that is acceptable for abuse
// prevention, not for billing.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentworkforce/edge-relay/kv"
)

const keyPrefix = "rate_limit:"

// ttlSlack keeps the window record alive slightly past its end so it
// self-cleans without ever expiring mid-window.
const ttlSlack = 5 * time.Second

// Window is the persisted per-key counter. A window is valid only while
// now - WindowStart < the window size; once stale it resets with count 1.
type Window struct {
	Count       int   `json:"count"`
	WindowStart int64 `json:"windowStart"` // epoch millis
}

// Result reports the outcome of one check.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration // > 0 only when rejected
}

// Limiter counts requests per key in the shared store, so all service
// instances observe roughly the same window. Same-key concurrent updates
// race last-write-wins; the limit is approximate by design.
type Limiter struct {
	store kv.Store
	now   func() time.Time
}

// NewLimiter creates a new [Limiter].
func NewLimiter(store kv.Store) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// Check records one request against key and reports whether it is within
// limit for the given window size.
func (l *Limiter) Check(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	storeKey := keyPrefix + key
	now := l.now()

	win := Window{Count: 1, WindowStart: now.UnixMilli()}
	payload, found, err := l.store.Get(ctx, storeKey)
	if err != nil {
		return Result{}, fmt.Errorf("rate limit read %q: %w", key, err)
	}
	if found {
		var stored Window
		if err := json.Unmarshal(payload, &stored); err != nil {
			// Unreadable window record: start fresh rather than lock the
			// tenant out.
			log.Warn().Err(err).Str("key", key).Msg("Discarding malformed rate limit window")
		} else if now.UnixMilli()-stored.WindowStart < window.Milliseconds() {
			win = Window{Count: stored.Count + 1, WindowStart: stored.WindowStart}
		}
	}

	encoded, err := json.Marshal(win)
	if err != nil {
		return Result{}, fmt.Errorf("rate limit encode %q: %w", key, err)
	}
	if err := l.store.Put(ctx, storeKey, encoded, window+ttlSlack); err != nil {
		return Result{}, fmt.Errorf("rate limit write %q: %w", key, err)
	}

	if win.Count > limit {
		retryAfter := time.UnixMilli(win.WindowStart).Add(window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Result{Allowed: false, RetryAfter: retryAfter}, nil
	}
	return Result{Allowed: true}, nil
}

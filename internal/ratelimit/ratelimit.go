package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Config bounds one operation class to MaxRequests per Window.
type Config struct {
	Window      time.Duration
	MaxRequests int
}

// Verdict is the allow/deny answer for one evaluation.
type Verdict struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Store is the shared counter backend. Consume must be atomic across its
// read-evaluate-increment sequence and must not increment on deny, so a
// denied caller does not extend its own denial.
type Store interface {
	// Consume returns the counter value after the call, whether the
	// request was admitted, and when the window resets.
	Consume(ctx context.Context, key string, cfg Config) (count int64, allowed bool, resetAt time.Time, err error)
	// Peek returns the current counter value without mutating it.
	// count == 0 with a zero resetAt means the bucket does not exist yet.
	Peek(ctx context.Context, key string) (count int64, resetAt time.Time, err error)
}

// Limiter evaluates rate limit buckets against a Store. Consume and Peek
// share the same projected-count arithmetic, so a caller alternating them
// never sees contradictory verdicts for the same projected count.
type Limiter struct {
	store Store
}

func NewLimiter(store Store) *Limiter {
	return &Limiter{store: store}
}

// Key builds the bucket key from identity and operation class.
func Key(class string, userID int64) string {
	return fmt.Sprintf("rate_limit:%s:%d", class, userID)
}

// Consume admits or denies one request, incrementing the counter on admit.
func (l *Limiter) Consume(ctx context.Context, key string, cfg Config) (*Verdict, error) {
	count, allowed, resetAt, err := l.store.Consume(ctx, key, cfg)
	if err != nil {
		return nil, fmt.Errorf("rate limit consume: %w", err)
	}
	if !allowed {
		// Denied: the stored count stays put, the projection is count+1.
		return l.evaluate(count+1, cfg, resetAt), nil
	}
	return l.evaluate(count, cfg, resetAt), nil
}

// Peek answers "would one more request be allowed" without burning quota.
// Polling callers use this to wait for a window to open.
func (l *Limiter) Peek(ctx context.Context, key string, cfg Config) (*Verdict, error) {
	count, resetAt, err := l.store.Peek(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("rate limit peek: %w", err)
	}
	if resetAt.IsZero() {
		// Bucket absent: the hypothetical window would start now.
		resetAt = time.Now().Add(cfg.Window)
	}
	return l.evaluate(count+1, cfg, resetAt), nil
}

// evaluate is the single comparison both modes go through:
// projected <= MaxRequests.
func (l *Limiter) evaluate(projected int64, cfg Config, resetAt time.Time) *Verdict {
	v := &Verdict{ResetAt: resetAt}
	if projected <= int64(cfg.MaxRequests) {
		v.Allowed = true
		v.Remaining = cfg.MaxRequests - int(projected)
		return v
	}
	v.RetryAfter = time.Until(resetAt)
	if v.RetryAfter <= 0 {
		v.RetryAfter = time.Millisecond
	}
	return v
}

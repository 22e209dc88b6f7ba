package sqlite

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"
)

// RetryConfig controls the backoff used while SQLite reports the database
// as busy.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	JitterPct  float64 // 0.25 adds up to 25% on top of each delay
}

// DefaultRetryConfig: 7 retries from 50ms with 25% jitter, about 6.4s in
// the worst case.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 7,
		BaseDelay:  50 * time.Millisecond,
		JitterPct:  0.25,
	}
}

// RetryOnDBLock runs fn and retries it while it fails with a busy/locked
// error. The wait between attempts is cut short when ctx is done, in which
// case the last error is returned.
func RetryOnDBLock(ctx context.Context, fn func() error) error {
	return DefaultRetryConfig().run(ctx, fn, waitCtx)
}

// backoff is the delay before retry attempt (1-based), without jitter.
func (c RetryConfig) backoff(attempt int) time.Duration {
	return c.BaseDelay << (attempt - 1)
}

func (c RetryConfig) run(ctx context.Context, fn func() error, wait func(context.Context, time.Duration) bool) error {
	err := fn()
	for attempt := 1; attempt <= c.MaxRetries && err != nil && isDBLocked(err); attempt++ {
		delay := c.backoff(attempt)
		delay += time.Duration(float64(delay) * rand.Float64() * c.JitterPct)
		if !wait(ctx, delay) {
			return err
		}
		err = fn()
	}
	return err
}

// waitCtx sleeps for d and reports false if ctx ended first.
func waitCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func isDBLocked(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy")
}

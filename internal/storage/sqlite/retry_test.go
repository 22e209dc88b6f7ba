package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBusy = errors.New("database is locked (5) (SQLITE_BUSY)")

// recordWaits collects requested delays without sleeping.
func recordWaits(out *[]time.Duration) func(context.Context, time.Duration) bool {
	return func(ctx context.Context, d time.Duration) bool {
		*out = append(*out, d)
		return ctx.Err() == nil
	}
}

func TestRetryOutcomes(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}
	cases := []struct {
		name      string
		failures  int
		err       error
		wantCalls int
		wantErr   bool
	}{
		{"first try", 0, nil, 1, false},
		{"transient busy", 2, errBusy, 3, false},
		{"busy throughout", 10, errBusy, 4, true},
		{"not retryable", 10, errors.New("UNIQUE constraint failed: agents.name"), 1, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			var waits []time.Duration
			err := cfg.run(context.Background(), func() error {
				calls++
				if calls <= tc.failures {
					return tc.err
				}
				return nil
			}, recordWaits(&waits))
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if calls != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tc.wantCalls)
			}
			if len(waits) != calls-1 {
				t.Fatalf("waits = %d for %d calls", len(waits), calls)
			}
		})
	}
}

func TestRetryBackoffDoublesWithinJitter(t *testing.T) {
	cfg := DefaultRetryConfig()
	var waits []time.Duration
	_ = cfg.run(context.Background(), func() error { return errBusy }, recordWaits(&waits))
	if len(waits) != cfg.MaxRetries {
		t.Fatalf("waits = %d, want %d", len(waits), cfg.MaxRetries)
	}
	for i, d := range waits {
		base := cfg.backoff(i + 1)
		if base != cfg.BaseDelay<<i {
			t.Fatalf("backoff(%d) = %v", i+1, base)
		}
		if limit := base + time.Duration(float64(base)*cfg.JitterPct); d < base || d > limit {
			t.Errorf("wait[%d] = %v, want within [%v, %v]", i, d, base, limit)
		}
	}
}

func TestRetryGivesUpWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := DefaultRetryConfig().run(ctx, func() error {
		calls++
		if calls == 2 {
			cancel()
		}
		return errBusy
	}, waitCtx)
	if !errors.Is(err, errBusy) {
		t.Fatalf("err = %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestWaitCtx(t *testing.T) {
	if !waitCtx(context.Background(), time.Millisecond) {
		t.Fatal("wait should complete")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if waitCtx(ctx, time.Hour) {
		t.Fatal("wait should report cancellation")
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancelled wait blocked")
	}
}

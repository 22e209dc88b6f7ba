package sqlite

import (
	"context"
	"log/slog"
	"time"

	"github.com/mistakeknot/toomanycooks/internal/core"
)

// LockSweeper is the store surface the sweeper needs.
type LockSweeper interface {
	SweepExpiredLocks(ctx context.Context, cutoff time.Time) ([]core.FileLock, error)
}

// Sweeper runs a background goroutine that periodically deletes locks whose
// lease ended more than grace ago. Lock reads never depend on it having run.
type Sweeper struct {
	store    LockSweeper
	bus      core.Publisher
	logger   *slog.Logger
	interval time.Duration
	grace    time.Duration
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSweeper creates a new Sweeper. Call Start() to begin sweeping.
func NewSweeper(store LockSweeper, bus core.Publisher, interval, grace time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		bus:      bus,
		logger:   logger.With("component", "sweeper"),
		interval: interval,
		grace:    grace,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start launches the background sweep goroutine.
func (sw *Sweeper) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)

	go func() {
		defer close(sw.done)

		sw.runSweep(ctx)

		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sw.runSweep(ctx)
			}
		}
	}()
}

// Stop cancels the sweep goroutine and waits for it to finish.
func (sw *Sweeper) Stop() {
	if sw.cancel == nil {
		return
	}
	sw.cancel()
	<-sw.done
}

func (sw *Sweeper) runSweep(ctx context.Context) int {
	now := sw.now().UTC()
	swept, err := sw.store.SweepExpiredLocks(ctx, now.Add(-sw.grace))
	if err != nil {
		if ctx.Err() == nil {
			sw.logger.Warn("sweep failed", "error", err)
		}
		return 0
	}
	if len(swept) == 0 {
		return 0
	}

	sw.logger.Info("reaped expired locks", "count", len(swept))

	if sw.bus != nil {
		for _, l := range swept {
			payload := core.LockPayload(l)
			payload["expired"] = true
			sw.bus.Publish(core.NewEvent(core.EventLockReleased, now, payload))
		}
	}
	return len(swept)
}

package sqlite

import (
	"context"
	"time"

	"github.com/mistakeknot/toomanycooks/internal/core"
	"github.com/mistakeknot/toomanycooks/internal/storage"
)

// Compile-time interface check.
var _ storage.Store = (*ResilientStore)(nil)

// ResilientStore wraps every method of *Store with CircuitBreaker + RetryOnDBLock
// to ride out transient SQLite errors (database-is-locked, I/O hiccups).
type ResilientStore struct {
	inner *Store
	cb    *CircuitBreaker
}

// NewResilient creates a ResilientStore with default circuit breaker settings
// (threshold=5, resetTimeout=30s).
func NewResilient(inner *Store) *ResilientStore {
	return &ResilientStore{inner: inner, cb: NewCircuitBreaker(5, 30*time.Second)}
}

// NewResilientWithBreaker creates a ResilientStore with a custom circuit breaker.
func NewResilientWithBreaker(inner *Store, cb *CircuitBreaker) *ResilientStore {
	return &ResilientStore{inner: inner, cb: cb}
}

// Breaker exposes the breaker for state reporting.
func (r *ResilientStore) Breaker() *CircuitBreaker {
	return r.cb
}

// CircuitBreakerState returns the current state of the circuit breaker as a string.
func (r *ResilientStore) CircuitBreakerState() string {
	return r.cb.State().String()
}

func guard[T any](ctx context.Context, r *ResilientStore, fn func() (T, error)) (T, error) {
	var result T
	err := r.cb.Execute(func() error {
		return RetryOnDBLock(ctx, func() error {
			var innerErr error
			result, innerErr = fn()
			return innerErr
		})
	})
	return result, err
}

func guardErr(ctx context.Context, r *ResilientStore, fn func() error) error {
	return r.cb.Execute(func() error {
		return RetryOnDBLock(ctx, fn)
	})
}

// Agents

func (r *ResilientStore) CreateAgent(ctx context.Context, rec storage.AgentRecord) error {
	return guardErr(ctx, r, func() error { return r.inner.CreateAgent(ctx, rec) })
}

func (r *ResilientStore) GetAgent(ctx context.Context, name string) (storage.AgentRecord, error) {
	return guard(ctx, r, func() (storage.AgentRecord, error) { return r.inner.GetAgent(ctx, name) })
}

func (r *ResilientStore) ListAgents(ctx context.Context) ([]core.Agent, error) {
	return guard(ctx, r, func() ([]core.Agent, error) { return r.inner.ListAgents(ctx) })
}

func (r *ResilientStore) TouchAgent(ctx context.Context, name string, at time.Time) error {
	return guardErr(ctx, r, func() error { return r.inner.TouchAgent(ctx, name, at) })
}

func (r *ResilientStore) DeleteAgent(ctx context.Context, name string) ([]core.FileLock, error) {
	return guard(ctx, r, func() ([]core.FileLock, error) { return r.inner.DeleteAgent(ctx, name) })
}

// Locks

func (r *ResilientStore) AcquireLock(ctx context.Context, lock core.FileLock, now time.Time) (core.FileLock, error) {
	return guard(ctx, r, func() (core.FileLock, error) { return r.inner.AcquireLock(ctx, lock, now) })
}

func (r *ResilientStore) RenewLock(ctx context.Context, path, agent string, version int64, now, expiresAt time.Time) (core.FileLock, error) {
	return guard(ctx, r, func() (core.FileLock, error) {
		return r.inner.RenewLock(ctx, path, agent, version, now, expiresAt)
	})
}

func (r *ResilientStore) ReleaseLock(ctx context.Context, path, agent string, version int64, now time.Time) (core.FileLock, bool, error) {
	var removed bool
	lock, err := guard(ctx, r, func() (core.FileLock, error) {
		l, ok, err := r.inner.ReleaseLock(ctx, path, agent, version, now)
		removed = ok
		return l, err
	})
	return lock, removed, err
}

func (r *ResilientStore) ForceReleaseLock(ctx context.Context, path string, now time.Time) (core.FileLock, error) {
	return guard(ctx, r, func() (core.FileLock, error) { return r.inner.ForceReleaseLock(ctx, path, now) })
}

func (r *ResilientStore) GetLock(ctx context.Context, path string) (core.FileLock, error) {
	return guard(ctx, r, func() (core.FileLock, error) { return r.inner.GetLock(ctx, path) })
}

func (r *ResilientStore) ListLocks(ctx context.Context) ([]core.FileLock, error) {
	return guard(ctx, r, func() ([]core.FileLock, error) { return r.inner.ListLocks(ctx) })
}

func (r *ResilientStore) ListLocksByAgent(ctx context.Context, agent string) ([]core.FileLock, error) {
	return guard(ctx, r, func() ([]core.FileLock, error) { return r.inner.ListLocksByAgent(ctx, agent) })
}

func (r *ResilientStore) SweepExpiredLocks(ctx context.Context, cutoff time.Time) ([]core.FileLock, error) {
	return guard(ctx, r, func() ([]core.FileLock, error) { return r.inner.SweepExpiredLocks(ctx, cutoff) })
}

// Messages

func (r *ResilientStore) InsertMessage(ctx context.Context, msg core.Message) error {
	return guardErr(ctx, r, func() error { return r.inner.InsertMessage(ctx, msg) })
}

func (r *ResilientStore) MessagesFor(ctx context.Context, q storage.MessageQuery) ([]core.Message, error) {
	return guard(ctx, r, func() ([]core.Message, error) { return r.inner.MessagesFor(ctx, q) })
}

func (r *ResilientStore) MarkRead(ctx context.Context, id, agent string, at time.Time) (bool, error) {
	return guard(ctx, r, func() (bool, error) { return r.inner.MarkRead(ctx, id, agent, at) })
}

func (r *ResilientStore) MarkAllRead(ctx context.Context, agent string, at time.Time) (int, error) {
	return guard(ctx, r, func() (int, error) { return r.inner.MarkAllRead(ctx, agent, at) })
}

func (r *ResilientStore) UnreadCount(ctx context.Context, agent string) (int, error) {
	return guard(ctx, r, func() (int, error) { return r.inner.UnreadCount(ctx, agent) })
}

func (r *ResilientStore) ListMessages(ctx context.Context, limit int) ([]core.Message, error) {
	return guard(ctx, r, func() ([]core.Message, error) { return r.inner.ListMessages(ctx, limit) })
}

// Plans

func (r *ResilientStore) UpsertPlan(ctx context.Context, plan core.Plan) (core.Plan, error) {
	return guard(ctx, r, func() (core.Plan, error) { return r.inner.UpsertPlan(ctx, plan) })
}

func (r *ResilientStore) GetPlan(ctx context.Context, agent string) (core.Plan, error) {
	return guard(ctx, r, func() (core.Plan, error) { return r.inner.GetPlan(ctx, agent) })
}

func (r *ResilientStore) ListPlans(ctx context.Context) ([]core.Plan, error) {
	return guard(ctx, r, func() ([]core.Plan, error) { return r.inner.ListPlans(ctx) })
}

func (r *ResilientStore) Close() error {
	return r.inner.Close()
}

// Package locks grants advisory, time-boxed locks on file paths.
//
// A path is Unlocked, or Locked by one owner until expiresAt. Acquire moves
// Unlocked to Locked; release or lease expiry moves it back; renew by the
// owner extends the lease. Expiry is evaluated against the server clock at
// every read, so a lapsed lock is free whether or not the sweeper has
// deleted its row.
package locks

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mistakeknot/toomanycooks/internal/core"
	"github.com/mistakeknot/toomanycooks/internal/glob"
)

const (
	DefaultLease    = 10 * time.Minute
	MaxReasonLength = 500
)

type Store interface {
	AcquireLock(ctx context.Context, lock core.FileLock, now time.Time) (core.FileLock, error)
	RenewLock(ctx context.Context, path, agent string, version int64, now, expiresAt time.Time) (core.FileLock, error)
	ReleaseLock(ctx context.Context, path, agent string, version int64, now time.Time) (core.FileLock, bool, error)
	ForceReleaseLock(ctx context.Context, path string, now time.Time) (core.FileLock, error)
	GetLock(ctx context.Context, path string) (core.FileLock, error)
	ListLocks(ctx context.Context) ([]core.FileLock, error)
	ListLocksByAgent(ctx context.Context, agent string) ([]core.FileLock, error)
}

type Manager struct {
	store  Store
	bus    core.Publisher
	lease  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Manager)

// WithLease sets the lease granted on acquire and renew.
func WithLease(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lease = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func New(store Store, bus core.Publisher, opts ...Option) *Manager {
	m := &Manager{store: store, bus: bus, lease: DefaultLease, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "locks")
	return m
}

// Acquire takes the lock for agent. Re-acquiring an owned lock refreshes its
// lease. A lapsed lock held by someone else is taken over.
func (m *Manager) Acquire(ctx context.Context, filePath, agent, reason string) (core.FileLock, error) {
	p, err := NormalizePath(filePath)
	if err != nil {
		return core.FileLock{}, err
	}
	if utf8.RuneCountInString(reason) > MaxReasonLength {
		return core.FileLock{}, core.Invalid("reason", "must be at most %d characters", MaxReasonLength)
	}
	now := m.now().UTC().Truncate(time.Millisecond)
	lock, err := m.store.AcquireLock(context.WithoutCancel(ctx), core.FileLock{
		FilePath:   p,
		AgentName:  agent,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.lease),
		Reason:     strings.TrimSpace(reason),
	}, now)
	if err != nil {
		return core.FileLock{}, core.WrapStorage("acquire lock", err)
	}
	m.logger.Debug("lock acquired", "path", p, "agent", agent, "version", lock.Version)
	m.publish(core.NewEvent(core.EventLockAcquired, now, core.LockPayload(lock)))
	return lock, nil
}

// Release frees an owned lock. It reports false without error when there was
// nothing live to release. version 0 skips the version check.
func (m *Manager) Release(ctx context.Context, filePath, agent string, version int64) (bool, error) {
	p, err := NormalizePath(filePath)
	if err != nil {
		return false, err
	}
	now := m.now().UTC().Truncate(time.Millisecond)
	lock, removed, err := m.store.ReleaseLock(context.WithoutCancel(ctx), p, agent, version, now)
	if err != nil {
		return false, core.WrapStorage("release lock", err)
	}
	if removed {
		m.logger.Debug("lock released", "path", p, "agent", agent)
		m.publish(core.NewEvent(core.EventLockReleased, now, core.LockPayload(lock)))
	}
	return removed, nil
}

// Renew extends an owned lock to now+lease. A lapsed lock is NotFound for
// every caller, its owner included.
func (m *Manager) Renew(ctx context.Context, filePath, agent string, version int64) (core.FileLock, error) {
	p, err := NormalizePath(filePath)
	if err != nil {
		return core.FileLock{}, err
	}
	now := m.now().UTC().Truncate(time.Millisecond)
	lock, err := m.store.RenewLock(context.WithoutCancel(ctx), p, agent, version, now, now.Add(m.lease))
	if err != nil {
		return core.FileLock{}, core.WrapStorage("renew lock", err)
	}
	m.publish(core.NewEvent(core.EventLockRenewed, now, core.LockPayload(lock)))
	return lock, nil
}

// ForceRelease removes the live lock on filePath whoever holds it.
func (m *Manager) ForceRelease(ctx context.Context, filePath string) (core.FileLock, error) {
	p, err := NormalizePath(filePath)
	if err != nil {
		return core.FileLock{}, err
	}
	now := m.now().UTC().Truncate(time.Millisecond)
	lock, err := m.store.ForceReleaseLock(context.WithoutCancel(ctx), p, now)
	if err != nil {
		return core.FileLock{}, core.WrapStorage("force release lock", err)
	}
	m.logger.Warn("lock force released", "path", p, "owner", lock.AgentName)
	payload := core.LockPayload(lock)
	payload["forced"] = true
	m.publish(core.NewEvent(core.EventLockReleased, now, payload))
	return lock, nil
}

// Get returns the live lock on filePath. A lapsed lock reads as NotFound.
func (m *Manager) Get(ctx context.Context, filePath string) (core.FileLock, error) {
	p, err := NormalizePath(filePath)
	if err != nil {
		return core.FileLock{}, err
	}
	lock, err := m.store.GetLock(ctx, p)
	if err != nil {
		return core.FileLock{}, core.WrapStorage("get lock", err)
	}
	if !lock.Active(m.now()) {
		return core.FileLock{}, core.NotFound("lock", p)
	}
	return lock, nil
}

// ListActive returns every lock whose lease is still running.
func (m *Manager) ListActive(ctx context.Context) ([]core.FileLock, error) {
	all, err := m.list(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	return filter(all, func(l core.FileLock) bool { return l.Active(now) }), nil
}

// ListMatching returns the live locks whose path matches a glob such as
// "src/**/*.ts". Backslashes in the pattern are escapes, not separators.
func (m *Manager) ListMatching(ctx context.Context, pattern string) ([]core.FileLock, error) {
	p, err := glob.Compile(pattern)
	if err != nil {
		return nil, core.Invalid("pattern", "%v", err)
	}
	active, err := m.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	return filter(active, func(l core.FileLock) bool { return p.Match(l.FilePath) }), nil
}

// ListExpired returns lapsed locks the sweeper has not yet removed.
func (m *Manager) ListExpired(ctx context.Context) ([]core.FileLock, error) {
	all, err := m.list(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	return filter(all, func(l core.FileLock) bool { return !l.Active(now) }), nil
}

func (m *Manager) ListForAgent(ctx context.Context, agent string) ([]core.FileLock, error) {
	held, err := m.store.ListLocksByAgent(ctx, agent)
	if err != nil {
		return nil, core.WrapStorage("list agent locks", err)
	}
	now := m.now()
	return filter(held, func(l core.FileLock) bool { return l.Active(now) }), nil
}

func (m *Manager) list(ctx context.Context) ([]core.FileLock, error) {
	all, err := m.store.ListLocks(ctx)
	if err != nil {
		return nil, core.WrapStorage("list locks", err)
	}
	return all, nil
}

func (m *Manager) publish(ev core.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

func filter(in []core.FileLock, keep func(core.FileLock) bool) []core.FileLock {
	out := make([]core.FileLock, 0, len(in))
	for _, l := range in {
		if keep(l) {
			out = append(out, l)
		}
	}
	return out
}

// NormalizePath converts separators to '/' and cleans the path so that
// spellings of the same file share one lock.
func NormalizePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", core.Invalid("file_path", "is required")
	}
	if strings.ContainsRune(p, 0) {
		return "", core.Invalid("file_path", "must not contain NUL")
	}
	p = path.Clean(strings.ReplaceAll(p, `\`, "/"))
	if p == "." {
		return "", core.Invalid("file_path", "is required")
	}
	return p, nil
}


// Package registry owns agent identities and their credentials.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/mistakeknot/toomanycooks/internal/auth"
	"github.com/mistakeknot/toomanycooks/internal/core"
	"github.com/mistakeknot/toomanycooks/internal/names"
	"github.com/mistakeknot/toomanycooks/internal/storage"
)

const (
	MaxNameLength = 64

	suggestAttempts = 5
)

// Store is the persistence surface the registry needs.
type Store interface {
	CreateAgent(ctx context.Context, rec storage.AgentRecord) error
	GetAgent(ctx context.Context, name string) (storage.AgentRecord, error)
	ListAgents(ctx context.Context) ([]core.Agent, error)
	TouchAgent(ctx context.Context, name string, at time.Time) error
	DeleteAgent(ctx context.Context, name string) ([]core.FileLock, error)
}

// dummyDigest is compared against when the name is unknown so a miss costs
// the same as a wrong key.
var dummyDigest = auth.HashKey("toomanycooks-unknown-agent")

type Registry struct {
	store  Store
	bus    core.Publisher
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func New(store Store, bus core.Publisher, opts ...Option) *Registry {
	r := &Registry{store: store, bus: bus, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")
	return r
}

// Register creates a new identity and returns its key. The key is never
// retrievable again.
func (r *Registry) Register(ctx context.Context, name string) (core.Agent, string, error) {
	name, err := NormalizeName(name)
	if err != nil {
		return core.Agent{}, "", err
	}
	key, err := auth.GenerateKey()
	if err != nil {
		return core.Agent{}, "", core.WrapStorage("generate key", err)
	}
	now := r.now().UTC().Truncate(time.Millisecond)
	agent := core.Agent{Name: name, RegisteredAt: now, LastActive: now}
	err = r.store.CreateAgent(context.WithoutCancel(ctx), storage.AgentRecord{Agent: agent, KeyHash: auth.HashKey(key)})
	if err != nil {
		var ce *core.ConflictError
		if errors.As(err, &ce) && ce.Kind == core.ConflictDuplicateName {
			ce.Suggestion = r.suggestName(ctx, name)
		}
		return core.Agent{}, "", core.WrapStorage("create agent", err)
	}
	r.logger.Info("agent registered", "agent", name)
	r.publish(core.NewEvent(core.EventAgentRegistered, now, core.AgentPayload(agent)))
	return agent, key, nil
}

// suggestName offers a free variant of a taken name, or "" when none of a
// few candidates is free.
func (r *Registry) suggestName(ctx context.Context, taken string) string {
	for i := 0; i < suggestAttempts; i++ {
		candidate := names.Variant(taken, MaxNameLength)
		if _, err := NormalizeName(candidate); err != nil {
			continue
		}
		if _, err := r.store.GetAgent(ctx, candidate); errors.Is(err, core.ErrNotFound) {
			return candidate
		}
	}
	return ""
}

// Authenticate checks name and key. Failures never reveal whether the name
// exists. Success bumps the agent's last-active time.
func (r *Registry) Authenticate(ctx context.Context, name, key string) (core.Agent, error) {
	rec, err := r.store.GetAgent(ctx, strings.TrimSpace(name))
	digest := rec.KeyHash
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			return core.Agent{}, core.WrapStorage("get agent", err)
		}
		digest = dummyDigest
	}
	if !auth.VerifyKey(key, digest) || err != nil {
		return core.Agent{}, core.ErrUnauthorized
	}
	now := r.now().UTC().Truncate(time.Millisecond)
	if err := r.store.TouchAgent(context.WithoutCancel(ctx), rec.Name, now); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			// deleted between the read and the touch
			return core.Agent{}, core.ErrUnauthorized
		}
		return core.Agent{}, core.WrapStorage("touch agent", err)
	}
	if now.After(rec.LastActive) {
		rec.LastActive = now
	}
	return rec.Agent, nil
}

// Delete removes the identity and releases every lock it holds. Messages
// and plans are kept.
func (r *Registry) Delete(ctx context.Context, name string) ([]core.FileLock, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, core.Invalid("agent_name", "is required")
	}
	released, err := r.store.DeleteAgent(context.WithoutCancel(ctx), name)
	if err != nil {
		return nil, core.WrapStorage("delete agent", err)
	}
	now := r.now().UTC()
	r.logger.Info("agent deleted", "agent", name, "released_locks", len(released))
	r.publish(core.NewEvent(core.EventAgentDeleted, now, map[string]any{"agent_name": name}))
	for _, l := range released {
		r.publish(core.NewEvent(core.EventLockReleased, now, core.LockPayload(l)))
	}
	return released, nil
}

func (r *Registry) List(ctx context.Context) ([]core.Agent, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, core.WrapStorage("list agents", err)
	}
	return agents, nil
}

func (r *Registry) Get(ctx context.Context, name string) (core.Agent, error) {
	rec, err := r.store.GetAgent(ctx, strings.TrimSpace(name))
	if err != nil {
		return core.Agent{}, core.WrapStorage("get agent", err)
	}
	return rec.Agent, nil
}

func (r *Registry) publish(ev core.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}

// NormalizeName trims name and checks it is usable as an identity.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", core.Invalid("name", "is required")
	case name == core.Broadcast:
		return "", core.Invalid("name", "%q is reserved", core.Broadcast)
	case utf8.RuneCountInString(name) > MaxNameLength:
		return "", core.Invalid("name", "must be at most %d characters", MaxNameLength)
	}
	for _, c := range name {
		if unicode.IsControl(c) {
			return "", core.Invalid("name", "must not contain control characters")
		}
	}
	return name, nil
}

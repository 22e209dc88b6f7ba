package storage

import (
	"context"
	"time"

	"github.com/mistakeknot/toomanycooks/internal/core"
)

// AgentRecord is an agent row including its key digest.
type AgentRecord struct {
	core.Agent
	KeyHash []byte
}

type AgentStore interface {
	// CreateAgent inserts a new agent. It returns a DuplicateName conflict if
	// the name is taken.
	CreateAgent(ctx context.Context, rec AgentRecord) error
	GetAgent(ctx context.Context, name string) (AgentRecord, error)
	ListAgents(ctx context.Context) ([]core.Agent, error)
	TouchAgent(ctx context.Context, name string, at time.Time) error
	// DeleteAgent removes the agent and every lock it holds in one
	// transaction, returning the released locks.
	DeleteAgent(ctx context.Context, name string) ([]core.FileLock, error)
}

type LockStore interface {
	// AcquireLock inserts or replaces the lock on lock.FilePath when the path
	// is free, expired at now, or already owned by lock.AgentName. Otherwise it
	// returns a LockHeld conflict describing the holder.
	AcquireLock(ctx context.Context, lock core.FileLock, now time.Time) (core.FileLock, error)
	// RenewLock moves the expiry of an owned lock that is live at now. A
	// lapsed lock is NotFound whether or not it was swept. version 0 skips
	// the version check.
	RenewLock(ctx context.Context, path, agent string, version int64, now, expiresAt time.Time) (core.FileLock, error)
	// ReleaseLock removes an owned lock. It reports false when nothing was
	// removed because no live lock exists at now.
	ReleaseLock(ctx context.Context, path, agent string, version int64, now time.Time) (core.FileLock, bool, error)
	// ForceReleaseLock removes the live lock on path whoever holds it.
	ForceReleaseLock(ctx context.Context, path string, now time.Time) (core.FileLock, error)
	GetLock(ctx context.Context, path string) (core.FileLock, error)
	ListLocks(ctx context.Context) ([]core.FileLock, error)
	ListLocksByAgent(ctx context.Context, agent string) ([]core.FileLock, error)
	// SweepExpiredLocks deletes locks that expired before cutoff.
	SweepExpiredLocks(ctx context.Context, cutoff time.Time) ([]core.FileLock, error)
}

// MessageOrder selects the listing order for mailbox reads.
type MessageOrder int

const (
	OldestFirst MessageOrder = iota
	NewestFirst
)

// MessageQuery filters the messages visible to one reader.
type MessageQuery struct {
	Agent      string
	Order      MessageOrder
	UnreadOnly bool
	Limit      int
}

type MessageStore interface {
	InsertMessage(ctx context.Context, msg core.Message) error
	// MessagesFor returns direct messages to q.Agent plus broadcasts created
	// at or after the agent's registration, with reader-specific read times.
	MessagesFor(ctx context.Context, q MessageQuery) ([]core.Message, error)
	// MarkRead records the first read of id by agent. It reports whether the
	// call changed anything.
	MarkRead(ctx context.Context, id, agent string, at time.Time) (bool, error)
	MarkAllRead(ctx context.Context, agent string, at time.Time) (int, error)
	UnreadCount(ctx context.Context, agent string) (int, error)
	ListMessages(ctx context.Context, limit int) ([]core.Message, error)
}

type PlanStore interface {
	UpsertPlan(ctx context.Context, plan core.Plan) (core.Plan, error)
	GetPlan(ctx context.Context, agent string) (core.Plan, error)
	// ListPlans orders by updated time, newest first.
	ListPlans(ctx context.Context) ([]core.Plan, error)
}

// Store is the single source of truth for every component.
type Store interface {
	AgentStore
	LockStore
	MessageStore
	PlanStore
	Close() error
}

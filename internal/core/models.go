package core

import "time"

// Broadcast is the recipient marker for messages addressed to every agent.
const Broadcast = "*"

// Agent is the public identity of a registered agent. The credential is never
// carried on this type.
type Agent struct {
	Name         string
	RegisteredAt time.Time
	LastActive   time.Time
}

// FileLock is an advisory, time-boxed lock on a single path.
type FileLock struct {
	FilePath   string
	AgentName  string
	AcquiredAt time.Time
	ExpiresAt  time.Time
	Reason     string
	Version    int64
}

// Active reports whether the lease is still running at now.
func (l FileLock) Active(now time.Time) bool {
	return l.ExpiresAt.After(now)
}

type Message struct {
	ID        string
	FromAgent string
	ToAgent   string
	Content   string
	CreatedAt time.Time
	// ReadAt is reader-specific for broadcasts.
	ReadAt *time.Time
}

// IsBroadcast reports whether the message is addressed to every agent.
func (m Message) IsBroadcast() bool {
	return m.ToAgent == Broadcast
}

type Plan struct {
	AgentName   string
	Goal        string
	CurrentTask string
	UpdatedAt   time.Time
}

// Status is a full snapshot used by observers to reconcile.
type Status struct {
	Agents   []Agent
	Locks    []FileLock
	Plans    []Plan
	Messages []Message
}

// MillisOf converts a server time to the millisecond epoch used on the wire
// and in storage.
func MillisOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis is the inverse of MillisOf.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

package dispatch

import (
	"errors"

	"github.com/mistakeknot/toomanycooks/internal/core"
)

// Error kinds carried on the wire.
const (
	KindValidation  = "validation"
	KindAuth        = "auth"
	KindForbidden   = "forbidden"
	KindNotFound    = "not_found"
	KindConflict    = "conflict"
	KindRateLimited = "rate_limited"
	KindStorage     = "storage"
)

// WireError is the body of every failed tool call.
type WireError struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type ErrorEnvelope struct {
	Error WireError `json:"error"`
}

// ToWire maps a component error onto the wire taxonomy. Storage failures
// carry a generic message only.
func ToWire(err error) WireError {
	var (
		ve *core.ValidationError
		ae *core.AuthError
		nf *core.NotFoundError
		ce *core.ConflictError
	)
	switch {
	case errors.As(err, &ve):
		w := WireError{Kind: KindValidation, Message: ve.Error()}
		if ve.Field != "" {
			w.Details = map[string]any{"field": ve.Field}
		}
		return w
	case errors.As(err, &ae):
		return WireError{Kind: KindAuth, Message: ae.Error()}
	case errors.Is(err, core.ErrForbidden):
		return WireError{Kind: KindForbidden, Message: core.ErrForbidden.Error()}
	case errors.As(err, &nf):
		return WireError{Kind: KindNotFound, Message: nf.Error(), Details: map[string]any{
			"resource": nf.Resource,
			"key":      nf.Key,
		}}
	case errors.Is(err, core.ErrNotFound):
		return WireError{Kind: KindNotFound, Message: err.Error()}
	case errors.As(err, &ce):
		details := map[string]any{"reason": string(ce.Kind), "key": ce.Key}
		if ce.Owner != "" {
			details["owner"] = ce.Owner
		}
		if !ce.ExpiresAt.IsZero() {
			details["expires_at"] = core.MillisOf(ce.ExpiresAt)
		}
		if ce.Version != 0 {
			details["version"] = ce.Version
		}
		if ce.Suggestion != "" {
			details["suggested_name"] = ce.Suggestion
		}
		return WireError{Kind: KindConflict, Message: ce.Error(), Details: details}
	case errors.Is(err, core.ErrRateLimited):
		return WireError{Kind: KindRateLimited, Message: "too many requests"}
	default:
		return WireError{Kind: KindStorage, Message: "internal storage error"}
	}
}

type AgentView struct {
	AgentName    string `json:"agent_name"`
	RegisteredAt int64  `json:"registered_at"`
	LastActive   int64  `json:"last_active"`
}

type LockView struct {
	FilePath   string `json:"file_path"`
	AgentName  string `json:"agent_name"`
	AcquiredAt int64  `json:"acquired_at"`
	ExpiresAt  int64  `json:"expires_at"`
	Reason     string `json:"reason,omitempty"`
	Version    int64  `json:"version"`
}

type MessageView struct {
	ID        string `json:"id"`
	FromAgent string `json:"from_agent"`
	ToAgent   string `json:"to_agent"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
	ReadAt    *int64 `json:"read_at"`
}

type PlanView struct {
	AgentName   string `json:"agent_name"`
	Goal        string `json:"goal"`
	CurrentTask string `json:"current_task"`
	UpdatedAt   int64  `json:"updated_at"`
}

// StatusView is the observer snapshot.
type StatusView struct {
	Agents   []AgentView   `json:"agents"`
	Locks    []LockView    `json:"locks"`
	Plans    []PlanView    `json:"plans"`
	Messages []MessageView `json:"messages"`
}

func agentView(a core.Agent) AgentView {
	return AgentView{AgentName: a.Name, RegisteredAt: core.MillisOf(a.RegisteredAt), LastActive: core.MillisOf(a.LastActive)}
}

func lockView(l core.FileLock) LockView {
	return LockView{
		FilePath:   l.FilePath,
		AgentName:  l.AgentName,
		AcquiredAt: core.MillisOf(l.AcquiredAt),
		ExpiresAt:  core.MillisOf(l.ExpiresAt),
		Reason:     l.Reason,
		Version:    l.Version,
	}
}

func messageView(m core.Message) MessageView {
	v := MessageView{
		ID:        m.ID,
		FromAgent: m.FromAgent,
		ToAgent:   m.ToAgent,
		Content:   m.Content,
		CreatedAt: core.MillisOf(m.CreatedAt),
	}
	if m.ReadAt != nil {
		ms := core.MillisOf(*m.ReadAt)
		v.ReadAt = &ms
	}
	return v
}

func planView(p core.Plan) PlanView {
	return PlanView{AgentName: p.AgentName, Goal: p.Goal, CurrentTask: p.CurrentTask, UpdatedAt: core.MillisOf(p.UpdatedAt)}
}

func mapSlice[T, V any](in []T, fn func(T) V) []V {
	out := make([]V, len(in))
	for i, v := range in {
		out[i] = fn(v)
	}
	return out
}

// NewStatusView renders a snapshot for the wire.
func NewStatusView(s core.Status) StatusView {
	return StatusView{
		Agents:   mapSlice(s.Agents, agentView),
		Locks:    mapSlice(s.Locks, lockView),
		Plans:    mapSlice(s.Plans, planView),
		Messages: mapSlice(s.Messages, messageView),
	}
}

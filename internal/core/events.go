package core

import "time"

type EventType string

const (
	EventAgentRegistered EventType = "agent_registered"
	EventAgentDeleted    EventType = "agent_deleted"
	EventLockAcquired    EventType = "lock_acquired"
	EventLockReleased    EventType = "lock_released"
	EventLockRenewed     EventType = "lock_renewed"
	EventMessageSent     EventType = "message_sent"
	EventPlanUpdated     EventType = "plan_updated"
)

// Event is pushed to observers after a mutation commits. Payload carries the
// UI-relevant delta in wire form.
type Event struct {
	Type      EventType      `json:"event"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// Publisher receives committed mutations.
type Publisher interface {
	Publish(Event)
}

// NewEvent stamps an event with the server clock.
func NewEvent(t EventType, now time.Time, payload map[string]any) Event {
	return Event{Type: t, Timestamp: MillisOf(now), Payload: payload}
}

// AgentPayload, LockPayload, MessagePayload and PlanPayload render entities in
// the snake_case wire form shared by events and status snapshots.
func AgentPayload(a Agent) map[string]any {
	return map[string]any{
		"agent_name":    a.Name,
		"registered_at": MillisOf(a.RegisteredAt),
		"last_active":   MillisOf(a.LastActive),
	}
}

func LockPayload(l FileLock) map[string]any {
	p := map[string]any{
		"file_path":   l.FilePath,
		"agent_name":  l.AgentName,
		"acquired_at": MillisOf(l.AcquiredAt),
		"expires_at":  MillisOf(l.ExpiresAt),
		"version":     l.Version,
	}
	if l.Reason != "" {
		p["reason"] = l.Reason
	}
	return p
}

func MessagePayload(m Message) map[string]any {
	p := map[string]any{
		"id":         m.ID,
		"from_agent": m.FromAgent,
		"to_agent":   m.ToAgent,
		"content":    m.Content,
		"created_at": MillisOf(m.CreatedAt),
	}
	if m.ReadAt != nil {
		p["read_at"] = MillisOf(*m.ReadAt)
	}
	return p
}

func PlanPayload(p Plan) map[string]any {
	return map[string]any{
		"agent_name":   p.AgentName,
		"goal":         p.Goal,
		"current_task": p.CurrentTask,
		"updated_at":   MillisOf(p.UpdatedAt),
	}
}

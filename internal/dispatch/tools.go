package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/mistakeknot/toomanycooks/internal/auth"
	"github.com/mistakeknot/toomanycooks/internal/core"
	"github.com/mistakeknot/toomanycooks/internal/mailbox"
	"github.com/mistakeknot/toomanycooks/internal/storage"
)

func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func str(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }

func enum(desc string, values ...string) map[string]any {
	return map[string]any{"type": "string", "description": desc, "enum": values}
}

var credentialProps = map[string]any{
	"agent_name": str("Registered agent name"),
	"agent_key":  str("Key returned by register"),
}

func withCredentials(props map[string]any) map[string]any {
	for k, v := range credentialProps {
		props[k] = v
	}
	return props
}

func toolTable() []Tool {
	return []Tool{
		{
			Name:        "register",
			Description: "Register a new agent identity. Returns the agent key exactly once.",
			InputSchema: objectSchema(map[string]any{"name": str("Unique agent name")}, "name"),
			handler:     handleRegister,
		},
		{
			Name:        "status",
			Description: "Snapshot of agents, active locks, plans and recent messages.",
			InputSchema: objectSchema(map[string]any{}),
			handler:     handleStatus,
		},
		{
			Name:        "lock",
			Description: "Acquire, release, renew, query or list advisory file locks.",
			InputSchema: objectSchema(withCredentials(map[string]any{
				"action":    enum("Lock operation", "acquire", "release", "renew", "query", "list"),
				"file_path": str("Path to lock"),
				"reason":    str("Why the lock is held"),
				"version":   map[string]any{"type": "integer", "description": "Expected lock version"},
				"pattern":   str("Glob filter for list, e.g. src/**/*.ts"),
				"owner":     str("List only locks held by this agent"),
				"expired":   map[string]any{"type": "boolean", "description": "List lapsed locks the reaper has not removed yet"},
			}), "action", "agent_name", "agent_key"),
			handler: handleLock,
		},
		{
			Name:        "message",
			Description: "Send, read and acknowledge messages between agents. to_agent \"*\" broadcasts.",
			InputSchema: objectSchema(withCredentials(map[string]any{
				"action":      enum("Message operation", "send", "get", "mark_read", "mark_all_read", "unread_count"),
				"to_agent":    str("Recipient name or * for everyone"),
				"content":     str("Message body"),
				"message_id":  str("Message to mark read"),
				"unread_only": map[string]any{"type": "boolean"},
				"order":       enum("Listing order", "oldest", "newest"),
				"limit":       map[string]any{"type": "integer", "minimum": 0},
			}), "action", "agent_name", "agent_key"),
			handler: handleMessage,
		},
		{
			Name:        "plan",
			Description: "Publish or read agent plans.",
			InputSchema: objectSchema(withCredentials(map[string]any{
				"action":       enum("Plan operation", "update", "get", "list"),
				"goal":         str("Overall goal"),
				"current_task": str("What the agent is doing now"),
				"target_agent": str("Whose plan to get; defaults to the caller"),
			}), "action", "agent_name", "agent_key"),
			handler: handlePlan,
		},
		{
			Name:        "deleteAgent",
			Description: "Remove an agent identity and release its locks. Admin only.",
			InputSchema: objectSchema(map[string]any{"agent_name": str("Agent to delete")}, "agent_name"),
			Admin:       true,
			handler:     handleDeleteAgent,
		},
		{
			Name:        "forceReleaseLock",
			Description: "Release a lock regardless of owner. Admin only.",
			InputSchema: objectSchema(map[string]any{"file_path": str("Locked path")}, "file_path"),
			Admin:       true,
			handler:     handleForceRelease,
		},
	}
}

type registerArgs struct {
	Name string `json:"name"`
}

type RegisterResult struct {
	AgentName string `json:"agent_name"`
	AgentKey  string `json:"agent_key"`
}

func handleRegister(ctx context.Context, d *Dispatcher, raw json.RawMessage, _ auth.Info) (any, error) {
	var args registerArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	agent, key, err := d.svc.Registry.Register(ctx, args.Name)
	if err != nil {
		return nil, err
	}
	return RegisterResult{AgentName: agent.Name, AgentKey: key}, nil
}

func handleStatus(ctx context.Context, d *Dispatcher, _ json.RawMessage, _ auth.Info) (any, error) {
	s, err := d.Status(ctx)
	if err != nil {
		return nil, err
	}
	return NewStatusView(s), nil
}

type lockArgs struct {
	Action    string `json:"action"`
	FilePath  string `json:"file_path"`
	AgentName string `json:"agent_name"`
	AgentKey  string `json:"agent_key"`
	Reason    string `json:"reason"`
	Version   int64  `json:"version"`
	Pattern   string `json:"pattern"`
	Owner     string `json:"owner"`
	Expired   bool   `json:"expired"`
}

type LockResult struct {
	Acquired *bool     `json:"acquired,omitempty"`
	Released *bool     `json:"released,omitempty"`
	Renewed  *bool     `json:"renewed,omitempty"`
	Locked   *bool     `json:"locked,omitempty"`
	Lock     *LockView `json:"lock,omitempty"`
}

type LockListResult struct {
	Locks []LockView `json:"locks"`
}

func handleLock(ctx context.Context, d *Dispatcher, raw json.RawMessage, _ auth.Info) (any, error) {
	var args lockArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.Version < 0 {
		return nil, core.Invalid("version", "must not be negative")
	}
	switch args.Action {
	case "acquire", "release", "renew", "query", "list":
	case "":
		return nil, core.Invalid("action", "is required")
	default:
		return nil, core.Invalid("action", "unknown lock action %q", args.Action)
	}

	agent, err := d.authenticate(ctx, args.AgentName, args.AgentKey)
	if err != nil {
		return nil, err
	}
	yes := true
	switch args.Action {
	case "acquire":
		l, err := d.svc.Locks.Acquire(ctx, args.FilePath, agent.Name, args.Reason)
		if err != nil {
			return nil, err
		}
		v := lockView(l)
		return LockResult{Acquired: &yes, Lock: &v}, nil
	case "release":
		released, err := d.svc.Locks.Release(ctx, args.FilePath, agent.Name, args.Version)
		if err != nil {
			return nil, err
		}
		return LockResult{Released: &released}, nil
	case "query":
		l, err := d.svc.Locks.Get(ctx, args.FilePath)
		if errors.Is(err, core.ErrNotFound) {
			no := false
			return LockResult{Locked: &no}, nil
		}
		if err != nil {
			return nil, err
		}
		v := lockView(l)
		return LockResult{Locked: &yes, Lock: &v}, nil
	case "list":
		held, err := d.listLocks(ctx, args)
		if err != nil {
			return nil, err
		}
		return LockListResult{Locks: mapSlice(held, lockView)}, nil
	default:
		l, err := d.svc.Locks.Renew(ctx, args.FilePath, agent.Name, args.Version)
		if err != nil {
			return nil, err
		}
		v := lockView(l)
		return LockResult{Renewed: &yes, Lock: &v}, nil
	}
}

// listLocks applies one filter, checked in order: expired, owner, pattern.
func (d *Dispatcher) listLocks(ctx context.Context, args lockArgs) ([]core.FileLock, error) {
	switch {
	case args.Expired:
		return d.svc.Locks.ListExpired(ctx)
	case strings.TrimSpace(args.Owner) != "":
		owner, err := d.svc.Registry.Get(ctx, args.Owner)
		if err != nil {
			return nil, err
		}
		return d.svc.Locks.ListForAgent(ctx, owner.Name)
	case strings.TrimSpace(args.Pattern) != "":
		return d.svc.Locks.ListMatching(ctx, args.Pattern)
	}
	return d.svc.Locks.ListActive(ctx)
}

type messageArgs struct {
	Action     string `json:"action"`
	AgentName  string `json:"agent_name"`
	AgentKey   string `json:"agent_key"`
	ToAgent    string `json:"to_agent"`
	Content    string `json:"content"`
	MessageID  string `json:"message_id"`
	UnreadOnly bool   `json:"unread_only"`
	Order      string `json:"order"`
	Limit      int    `json:"limit"`
}

type SendResult struct {
	Sent    bool        `json:"sent"`
	Message MessageView `json:"message"`
}

type MessageListResult struct {
	Messages []MessageView `json:"messages"`
}

type MarkedResult struct {
	Marked int `json:"marked"`
}

type UnreadCountResult struct {
	Count int `json:"count"`
}

func handleMessage(ctx context.Context, d *Dispatcher, raw json.RawMessage, _ auth.Info) (any, error) {
	var args messageArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	opts := mailbox.ListOptions{UnreadOnly: args.UnreadOnly, Limit: args.Limit}
	switch strings.ToLower(args.Order) {
	case "", "oldest":
		opts.Order = storage.OldestFirst
	case "newest":
		opts.Order = storage.NewestFirst
	default:
		return nil, core.Invalid("order", "must be oldest or newest")
	}
	switch args.Action {
	case "send", "get", "mark_read", "mark_all_read", "unread_count":
	case "":
		return nil, core.Invalid("action", "is required")
	default:
		return nil, core.Invalid("action", "unknown message action %q", args.Action)
	}

	agent, err := d.authenticate(ctx, args.AgentName, args.AgentKey)
	if err != nil {
		return nil, err
	}
	switch args.Action {
	case "send":
		msg, err := d.svc.Mailbox.Send(ctx, agent.Name, args.ToAgent, args.Content)
		if err != nil {
			return nil, err
		}
		return SendResult{Sent: true, Message: messageView(msg)}, nil
	case "get":
		msgs, err := d.svc.Mailbox.Fetch(ctx, agent.Name, opts)
		if err != nil {
			return nil, err
		}
		return MessageListResult{Messages: mapSlice(msgs, messageView)}, nil
	case "mark_read":
		if err := d.svc.Mailbox.MarkRead(ctx, args.MessageID, agent.Name); err != nil {
			return nil, err
		}
		return MarkedResult{Marked: 1}, nil
	case "mark_all_read":
		n, err := d.svc.Mailbox.MarkAllRead(ctx, agent.Name)
		if err != nil {
			return nil, err
		}
		return MarkedResult{Marked: n}, nil
	default:
		n, err := d.svc.Mailbox.UnreadCountFor(ctx, agent.Name)
		if err != nil {
			return nil, err
		}
		return UnreadCountResult{Count: n}, nil
	}
}

type planArgs struct {
	Action      string `json:"action"`
	AgentName   string `json:"agent_name"`
	AgentKey    string `json:"agent_key"`
	Goal        string `json:"goal"`
	CurrentTask string `json:"current_task"`
	TargetAgent string `json:"target_agent"`
}

type PlanResult struct {
	Updated bool     `json:"updated,omitempty"`
	Plan    PlanView `json:"plan"`
}

type PlanListResult struct {
	Plans []PlanView `json:"plans"`
}

func handlePlan(ctx context.Context, d *Dispatcher, raw json.RawMessage, _ auth.Info) (any, error) {
	var args planArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	switch args.Action {
	case "update", "get", "list":
	case "":
		return nil, core.Invalid("action", "is required")
	default:
		return nil, core.Invalid("action", "unknown plan action %q", args.Action)
	}

	agent, err := d.authenticate(ctx, args.AgentName, args.AgentKey)
	if err != nil {
		return nil, err
	}
	switch args.Action {
	case "list":
		all, err := d.svc.Plans.ListAll(ctx)
		if err != nil {
			return nil, err
		}
		return PlanListResult{Plans: mapSlice(all, planView)}, nil
	case "get":
		target := agent.Name
		if strings.TrimSpace(args.TargetAgent) != "" {
			target = args.TargetAgent
		}
		p, err := d.svc.Plans.Get(ctx, target)
		if err != nil {
			return nil, err
		}
		return PlanResult{Plan: planView(p)}, nil
	}
	p, err := d.svc.Plans.Update(ctx, agent.Name, args.Goal, args.CurrentTask)
	if err != nil {
		return nil, err
	}
	return PlanResult{Updated: true, Plan: planView(p)}, nil
}

type deleteAgentArgs struct {
	AgentName string `json:"agent_name"`
}

type DeleteAgentResult struct {
	Deleted       bool       `json:"deleted"`
	ReleasedLocks []LockView `json:"released_locks"`
}

func handleDeleteAgent(ctx context.Context, d *Dispatcher, raw json.RawMessage, caller auth.Info) (any, error) {
	var args deleteAgentArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	released, err := d.svc.Registry.Delete(ctx, args.AgentName)
	if err != nil {
		return nil, err
	}
	d.logger.InfoContext(ctx, "admin deleted agent", "agent", args.AgentName, "by", caller.Subject, "mode", caller.Mode)
	return DeleteAgentResult{Deleted: true, ReleasedLocks: mapSlice(released, lockView)}, nil
}

type forceReleaseArgs struct {
	FilePath string `json:"file_path"`
}

func handleForceRelease(ctx context.Context, d *Dispatcher, raw json.RawMessage, caller auth.Info) (any, error) {
	var args forceReleaseArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	l, err := d.svc.Locks.ForceRelease(ctx, args.FilePath)
	if err != nil {
		return nil, err
	}
	d.logger.InfoContext(ctx, "admin force released lock", "path", l.FilePath, "by", caller.Subject, "mode", caller.Mode)
	yes, v := true, lockView(l)
	return LockResult{Released: &yes, Lock: &v}, nil
}

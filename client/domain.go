package client

import (
	"context"
	"time"
)

// Timestamps on the wire are Unix milliseconds.

type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Admin       bool           `json:"admin,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type Agent struct {
	Name         string `json:"agent_name"`
	RegisteredAt int64  `json:"registered_at"`
	LastActive   int64  `json:"last_active"`
}

type Lock struct {
	FilePath   string `json:"file_path"`
	AgentName  string `json:"agent_name"`
	AcquiredAt int64  `json:"acquired_at"`
	ExpiresAt  int64  `json:"expires_at"`
	Reason     string `json:"reason,omitempty"`
	Version    int64  `json:"version"`
}

// Expires converts ExpiresAt to a time.
func (l Lock) Expires() time.Time { return time.UnixMilli(l.ExpiresAt) }

type Message struct {
	ID        string `json:"id"`
	FromAgent string `json:"from_agent"`
	ToAgent   string `json:"to_agent"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
	ReadAt    *int64 `json:"read_at"`
}

type Plan struct {
	AgentName   string `json:"agent_name"`
	Goal        string `json:"goal"`
	CurrentTask string `json:"current_task"`
	UpdatedAt   int64  `json:"updated_at"`
}

type Status struct {
	Agents   []Agent   `json:"agents"`
	Locks    []Lock    `json:"locks"`
	Plans    []Plan    `json:"plans"`
	Messages []Message `json:"messages"`
}

// Credentials identify an agent on every mutating call. Key is the secret
// returned once by Register.
type Credentials struct {
	Name string
	Key  string
}

// Broadcast addresses a message to every other registered agent.
const Broadcast = "*"

// MessageQuery narrows Messages.
type MessageQuery struct {
	UnreadOnly bool
	Newest     bool
	Limit      int
}

func (c *Client) Register(ctx context.Context, name string) (Credentials, error) {
	var out struct {
		AgentName string `json:"agent_name"`
		AgentKey  string `json:"agent_key"`
	}
	if err := c.Call(ctx, "register", map[string]any{"name": name}, &out); err != nil {
		return Credentials{}, err
	}
	return Credentials{Name: out.AgentName, Key: out.AgentKey}, nil
}

type lockResult struct {
	Acquired *bool `json:"acquired"`
	Released *bool `json:"released"`
	Renewed  *bool `json:"renewed"`
	Locked   *bool `json:"locked"`
	Lock     *Lock `json:"lock"`
}

func (c *Client) lockCall(ctx context.Context, tool string, args map[string]any) (lockResult, error) {
	var out lockResult
	err := c.Call(ctx, tool, args, &out)
	return out, err
}

func credArgs(action string, cred Credentials) map[string]any {
	return map[string]any{"action": action, "agent_name": cred.Name, "agent_key": cred.Key}
}

// AcquireLock takes the lock on path, or refreshes it when cred already
// holds it. A live lock held by another agent fails with a conflict.
func (c *Client) AcquireLock(ctx context.Context, cred Credentials, path, reason string) (Lock, error) {
	args := credArgs("acquire", cred)
	args["file_path"] = path
	if reason != "" {
		args["reason"] = reason
	}
	out, err := c.lockCall(ctx, "lock", args)
	if err != nil {
		return Lock{}, err
	}
	if out.Lock == nil {
		return Lock{}, &Error{Kind: "http", Message: "lock missing from response"}
	}
	return *out.Lock, nil
}

// ReleaseLock reports whether a lock was removed. version 0 skips the
// version check.
func (c *Client) ReleaseLock(ctx context.Context, cred Credentials, path string, version int64) (bool, error) {
	args := credArgs("release", cred)
	args["file_path"] = path
	args["version"] = version
	out, err := c.lockCall(ctx, "lock", args)
	if err != nil {
		return false, err
	}
	return out.Released != nil && *out.Released, nil
}

func (c *Client) RenewLock(ctx context.Context, cred Credentials, path string, version int64) (Lock, error) {
	args := credArgs("renew", cred)
	args["file_path"] = path
	args["version"] = version
	out, err := c.lockCall(ctx, "lock", args)
	if err != nil {
		return Lock{}, err
	}
	if out.Lock == nil {
		return Lock{}, &Error{Kind: "http", Message: "lock missing from response"}
	}
	return *out.Lock, nil
}

// QueryLock returns the live lock on path, or nil when the path is free.
func (c *Client) QueryLock(ctx context.Context, cred Credentials, path string) (*Lock, error) {
	args := credArgs("query", cred)
	args["file_path"] = path
	out, err := c.lockCall(ctx, "lock", args)
	if err != nil {
		return nil, err
	}
	if out.Locked == nil || !*out.Locked {
		return nil, nil
	}
	return out.Lock, nil
}

// ListLocks returns the live locks, filtered by a glob such as "src/**" when
// pattern is not empty.
func (c *Client) ListLocks(ctx context.Context, cred Credentials, pattern string) ([]Lock, error) {
	args := credArgs("list", cred)
	if pattern != "" {
		args["pattern"] = pattern
	}
	var out struct {
		Locks []Lock `json:"locks"`
	}
	if err := c.Call(ctx, "lock", args, &out); err != nil {
		return nil, err
	}
	return out.Locks, nil
}

// Send delivers content to one agent, or to every other agent when to is
// Broadcast.
func (c *Client) Send(ctx context.Context, cred Credentials, to, content string) (Message, error) {
	args := credArgs("send", cred)
	args["to_agent"] = to
	args["content"] = content
	var out struct {
		Message Message `json:"message"`
	}
	if err := c.Call(ctx, "message", args, &out); err != nil {
		return Message{}, err
	}
	return out.Message, nil
}

// Messages fetches the agent's inbox. Returned messages are marked read.
func (c *Client) Messages(ctx context.Context, cred Credentials, q MessageQuery) ([]Message, error) {
	args := credArgs("get", cred)
	args["unread_only"] = q.UnreadOnly
	if q.Newest {
		args["order"] = "newest"
	}
	if q.Limit > 0 {
		args["limit"] = q.Limit
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := c.Call(ctx, "message", args, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) MarkRead(ctx context.Context, cred Credentials, messageID string) error {
	args := credArgs("mark_read", cred)
	args["message_id"] = messageID
	return c.Call(ctx, "message", args, nil)
}

func (c *Client) MarkAllRead(ctx context.Context, cred Credentials) (int, error) {
	var out struct {
		Marked int `json:"marked"`
	}
	if err := c.Call(ctx, "message", credArgs("mark_all_read", cred), &out); err != nil {
		return 0, err
	}
	return out.Marked, nil
}

func (c *Client) UnreadCount(ctx context.Context, cred Credentials) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := c.Call(ctx, "message", credArgs("unread_count", cred), &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *Client) UpdatePlan(ctx context.Context, cred Credentials, goal, currentTask string) (Plan, error) {
	args := credArgs("update", cred)
	args["goal"] = goal
	args["current_task"] = currentTask
	var out struct {
		Plan Plan `json:"plan"`
	}
	if err := c.Call(ctx, "plan", args, &out); err != nil {
		return Plan{}, err
	}
	return out.Plan, nil
}

func (c *Client) GetPlan(ctx context.Context, cred Credentials, agent string) (Plan, error) {
	args := credArgs("get", cred)
	args["target_agent"] = agent
	var out struct {
		Plan Plan `json:"plan"`
	}
	if err := c.Call(ctx, "plan", args, &out); err != nil {
		return Plan{}, err
	}
	return out.Plan, nil
}

func (c *Client) ListPlans(ctx context.Context, cred Credentials) ([]Plan, error) {
	var out struct {
		Plans []Plan `json:"plans"`
	}
	if err := c.Call(ctx, "plan", credArgs("list", cred), &out); err != nil {
		return nil, err
	}
	return out.Plans, nil
}

// DeleteAgent removes an agent and returns the locks it held. Requires an
// admin APIKey (or a trusted localhost server).
func (c *Client) DeleteAgent(ctx context.Context, agent string) ([]Lock, error) {
	var out struct {
		ReleasedLocks []Lock `json:"released_locks"`
	}
	if err := c.Call(ctx, "deleteAgent", map[string]any{"agent_name": agent}, &out); err != nil {
		return nil, err
	}
	return out.ReleasedLocks, nil
}

// ForceReleaseLock removes a lock regardless of owner. Requires admin.
func (c *Client) ForceReleaseLock(ctx context.Context, path string) (Lock, error) {
	out, err := c.lockCall(ctx, "forceReleaseLock", map[string]any{"file_path": path})
	if err != nil {
		return Lock{}, err
	}
	if out.Lock == nil {
		return Lock{}, &Error{Kind: "http", Message: "lock missing from response"}
	}
	return *out.Lock, nil
}

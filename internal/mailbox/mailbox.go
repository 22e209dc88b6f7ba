// Package mailbox stores point-to-point and broadcast messages between agents.
package mailbox

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mistakeknot/toomanycooks/internal/core"
	"github.com/mistakeknot/toomanycooks/internal/storage"
)

const MaxContentLength = 10000

type Store interface {
	GetAgent(ctx context.Context, name string) (storage.AgentRecord, error)
	InsertMessage(ctx context.Context, msg core.Message) error
	MessagesFor(ctx context.Context, q storage.MessageQuery) ([]core.Message, error)
	MarkRead(ctx context.Context, id, agent string, at time.Time) (bool, error)
	MarkAllRead(ctx context.Context, agent string, at time.Time) (int, error)
	UnreadCount(ctx context.Context, agent string) (int, error)
	ListMessages(ctx context.Context, limit int) ([]core.Message, error)
}

// ListOptions filters an agent's mailbox.
type ListOptions struct {
	Order      storage.MessageOrder
	UnreadOnly bool
	Limit      int
}

type Mailbox struct {
	store  Store
	bus    core.Publisher
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

type Option func(*Mailbox)

func WithClock(now func() time.Time) Option {
	return func(m *Mailbox) { m.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Mailbox) {
		if l != nil {
			m.logger = l
		}
	}
}

func New(store Store, bus core.Publisher, opts ...Option) *Mailbox {
	m := &Mailbox{store: store, bus: bus, now: time.Now, newID: uuid.NewString, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "mailbox")
	return m
}

// Send stores a message from one agent to another, or to every agent when
// to is core.Broadcast.
func (m *Mailbox) Send(ctx context.Context, from, to, content string) (core.Message, error) {
	to = strings.TrimSpace(to)
	switch n := utf8.RuneCountInString(content); {
	case to == "":
		return core.Message{}, core.Invalid("to_agent", "is required")
	case strings.TrimSpace(content) == "":
		return core.Message{}, core.Invalid("content", "is required")
	case n > MaxContentLength:
		return core.Message{}, core.Invalid("content", "must be at most %d characters", MaxContentLength)
	case to == from:
		return core.Message{}, core.Invalid("to_agent", "cannot message yourself")
	}
	if to != core.Broadcast {
		if _, err := m.store.GetAgent(ctx, to); err != nil {
			return core.Message{}, core.WrapStorage("get recipient", err)
		}
	}

	msg := core.Message{
		ID:        m.newID(),
		FromAgent: from,
		ToAgent:   to,
		Content:   content,
		CreatedAt: m.now().UTC().Truncate(time.Millisecond),
	}
	if err := m.store.InsertMessage(context.WithoutCancel(ctx), msg); err != nil {
		return core.Message{}, core.WrapStorage("insert message", err)
	}
	m.logger.Debug("message sent", "id", msg.ID, "from", from, "to", to)
	m.publish(core.NewEvent(core.EventMessageSent, msg.CreatedAt, core.MessagePayload(msg)))
	return msg, nil
}

// ListFor returns the messages agent can see with reader-specific read
// times.
func (m *Mailbox) ListFor(ctx context.Context, agent string, opts ListOptions) ([]core.Message, error) {
	if opts.Limit < 0 {
		return nil, core.Invalid("limit", "must not be negative")
	}
	msgs, err := m.store.MessagesFor(ctx, storage.MessageQuery{
		Agent:      agent,
		Order:      opts.Order,
		UnreadOnly: opts.UnreadOnly,
		Limit:      opts.Limit,
	})
	if err != nil {
		return nil, core.WrapStorage("list messages", err)
	}
	return msgs, nil
}

// Fetch lists agent's messages and marks the returned ones read. The
// returned messages carry the read state from before the fetch.
func (m *Mailbox) Fetch(ctx context.Context, agent string, opts ListOptions) ([]core.Message, error) {
	msgs, err := m.ListFor(ctx, agent, opts)
	if err != nil {
		return nil, err
	}
	at := m.now().UTC()
	for _, msg := range msgs {
		if msg.ReadAt != nil {
			continue
		}
		if _, err := m.store.MarkRead(context.WithoutCancel(ctx), msg.ID, agent, at); err != nil {
			return nil, core.WrapStorage("mark read", err)
		}
	}
	return msgs, nil
}

// MarkRead records the first read of id by agent. Repeating it is a no-op.
func (m *Mailbox) MarkRead(ctx context.Context, id, agent string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return core.Invalid("message_id", "is required")
	}
	if _, err := m.store.MarkRead(context.WithoutCancel(ctx), id, agent, m.now().UTC()); err != nil {
		return core.WrapStorage("mark read", err)
	}
	return nil
}

func (m *Mailbox) MarkAllRead(ctx context.Context, agent string) (int, error) {
	n, err := m.store.MarkAllRead(context.WithoutCancel(ctx), agent, m.now().UTC())
	if err != nil {
		return 0, core.WrapStorage("mark all read", err)
	}
	return n, nil
}

func (m *Mailbox) UnreadCountFor(ctx context.Context, agent string) (int, error) {
	n, err := m.store.UnreadCount(ctx, agent)
	if err != nil {
		return 0, core.WrapStorage("unread count", err)
	}
	return n, nil
}

// ListAll returns the most recent messages across all agents, newest first.
// Read state is the direct-message read time only.
func (m *Mailbox) ListAll(ctx context.Context, limit int) ([]core.Message, error) {
	msgs, err := m.store.ListMessages(ctx, limit)
	if err != nil {
		return nil, core.WrapStorage("list all messages", err)
	}
	return msgs, nil
}

func (m *Mailbox) publish(ev core.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

// Package dispatch turns named tool calls into component operations. It
// checks argument shape, authenticates, rate limits, and routes; the rules
// themselves live in the components.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mistakeknot/toomanycooks/internal/auth"
	"github.com/mistakeknot/toomanycooks/internal/core"
	"github.com/mistakeknot/toomanycooks/internal/locks"
	"github.com/mistakeknot/toomanycooks/internal/mailbox"
	"github.com/mistakeknot/toomanycooks/internal/metrics"
	"github.com/mistakeknot/toomanycooks/internal/plans"
	"github.com/mistakeknot/toomanycooks/internal/registry"
)

const DefaultStatusMessages = 200

// Services are the components the dispatcher routes to.
type Services struct {
	Registry *registry.Registry
	Locks    *locks.Manager
	Mailbox  *mailbox.Mailbox
	Plans    *plans.Board
}

// Options tune the dispatcher. Zero values pick defaults; RateLimit <= 0
// disables rate limiting.
type Options struct {
	RateLimit      float64
	RateBurst      int
	StatusMessages int
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

type handlerFunc func(ctx context.Context, d *Dispatcher, args json.RawMessage, caller auth.Info) (any, error)

// Tool describes one callable tool.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	// Admin tools require an admin principal.
	Admin   bool
	handler handlerFunc
}

type Dispatcher struct {
	svc            Services
	tools          map[string]Tool
	limiter        *limiterPool
	statusMessages int
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

func New(svc Services, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StatusMessages <= 0 {
		opts.StatusMessages = DefaultStatusMessages
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}
	d := &Dispatcher{
		svc:            svc,
		tools:          make(map[string]Tool),
		statusMessages: opts.StatusMessages,
		metrics:        opts.Metrics,
		logger:         opts.Logger.With("component", "dispatch"),
	}
	if opts.RateLimit > 0 {
		d.limiter = newLimiterPool(opts.RateLimit, opts.RateBurst)
	}
	for _, t := range toolTable() {
		d.tools[t.Name] = t
	}
	return d
}

// Close stops background work.
func (d *Dispatcher) Close() {
	d.limiter.Shutdown()
}

// Tools lists the callable tools sorted by name.
func (d *Dispatcher) Tools() []Tool {
	out := make([]Tool, 0, len(d.tools))
	for _, t := range d.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call runs one tool. The result marshals to the tool's success shape; the
// error maps onto the wire taxonomy through ToWire.
func (d *Dispatcher) Call(ctx context.Context, tool string, args json.RawMessage, caller auth.Info) (any, error) {
	start := time.Now()
	result, err := d.call(ctx, tool, args, caller)

	outcome := "ok"
	if err != nil {
		w := ToWire(err)
		outcome = w.Kind
		var se *core.StorageError
		switch {
		case errors.As(err, &se):
			d.logger.ErrorContext(ctx, "tool call failed", "tool", tool, "op", se.Op, "error", se.Err)
		case w.Kind == KindStorage:
			d.logger.ErrorContext(ctx, "tool call failed", "tool", tool, "error", err)
		default:
			d.logger.DebugContext(ctx, "tool call rejected", "tool", tool, "kind", w.Kind, "error", err)
		}
		var ce *core.ConflictError
		if d.metrics != nil && errors.As(err, &ce) {
			d.metrics.ObserveConflict(ce.Kind)
		}
	}
	if d.metrics != nil {
		if _, known := d.tools[tool]; !known {
			tool = "unknown"
		}
		d.metrics.ObserveCall(tool, outcome, time.Since(start))
	}
	return result, err
}

func (d *Dispatcher) call(ctx context.Context, tool string, args json.RawMessage, caller auth.Info) (any, error) {
	t, ok := d.tools[tool]
	if !ok {
		return nil, core.Invalid("tool", "unknown tool %q", tool)
	}
	if t.Admin && !caller.Admin {
		return nil, core.ErrForbidden
	}
	if len(bytes.TrimSpace(args)) == 0 || bytes.Equal(bytes.TrimSpace(args), []byte("null")) {
		args = json.RawMessage(`{}`)
	}
	return t.handler(ctx, d, args, caller)
}

// Status builds the observer snapshot straight from the store.
func (d *Dispatcher) Status(ctx context.Context) (core.Status, error) {
	agents, err := d.svc.Registry.List(ctx)
	if err != nil {
		return core.Status{}, err
	}
	held, err := d.svc.Locks.ListActive(ctx)
	if err != nil {
		return core.Status{}, err
	}
	boards, err := d.svc.Plans.ListAll(ctx)
	if err != nil {
		return core.Status{}, err
	}
	msgs, err := d.svc.Mailbox.ListAll(ctx, d.statusMessages)
	if err != nil {
		return core.Status{}, err
	}
	return core.Status{Agents: agents, Locks: held, Plans: boards, Messages: msgs}, nil
}

// authenticate resolves the calling agent and charges its rate budget.
func (d *Dispatcher) authenticate(ctx context.Context, name, key string) (core.Agent, error) {
	if strings.TrimSpace(name) == "" {
		return core.Agent{}, core.Invalid("agent_name", "is required")
	}
	if key == "" {
		return core.Agent{}, core.Invalid("agent_key", "is required")
	}
	agent, err := d.svc.Registry.Authenticate(ctx, name, key)
	if err != nil {
		return core.Agent{}, err
	}
	if !d.limiter.Allow(agent.Name) {
		return core.Agent{}, core.ErrRateLimited
	}
	return agent, nil
}

func decode(args json.RawMessage, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) && te.Field != "" {
			return core.Invalid(te.Field, "must be a %s", te.Type.Kind())
		}
		return core.Invalid("", "arguments must be a JSON object")
	}
	return nil
}

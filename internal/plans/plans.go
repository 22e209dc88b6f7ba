// Package plans keeps one goal and current task per agent.
package plans

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mistakeknot/toomanycooks/internal/core"
)

const MaxFieldLength = 1000

type Store interface {
	UpsertPlan(ctx context.Context, plan core.Plan) (core.Plan, error)
	GetPlan(ctx context.Context, agent string) (core.Plan, error)
	ListPlans(ctx context.Context) ([]core.Plan, error)
}

type Board struct {
	store  Store
	bus    core.Publisher
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Board)

func WithClock(now func() time.Time) Option {
	return func(b *Board) { b.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Board) {
		if l != nil {
			b.logger = l
		}
	}
}

func New(store Store, bus core.Publisher, opts ...Option) *Board {
	b := &Board{store: store, bus: bus, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "plans")
	return b
}

// Update replaces agent's plan. Last write wins.
func (b *Board) Update(ctx context.Context, agent, goal, currentTask string) (core.Plan, error) {
	goal = strings.TrimSpace(goal)
	currentTask = strings.TrimSpace(currentTask)
	switch {
	case goal == "":
		return core.Plan{}, core.Invalid("goal", "is required")
	case utf8.RuneCountInString(goal) > MaxFieldLength:
		return core.Plan{}, core.Invalid("goal", "must be at most %d characters", MaxFieldLength)
	case utf8.RuneCountInString(currentTask) > MaxFieldLength:
		return core.Plan{}, core.Invalid("current_task", "must be at most %d characters", MaxFieldLength)
	}
	plan, err := b.store.UpsertPlan(context.WithoutCancel(ctx), core.Plan{
		AgentName:   agent,
		Goal:        goal,
		CurrentTask: currentTask,
		UpdatedAt:   b.now().UTC().Truncate(time.Millisecond),
	})
	if err != nil {
		return core.Plan{}, core.WrapStorage("upsert plan", err)
	}
	b.publish(core.NewEvent(core.EventPlanUpdated, plan.UpdatedAt, core.PlanPayload(plan)))
	return plan, nil
}

func (b *Board) Get(ctx context.Context, agent string) (core.Plan, error) {
	plan, err := b.store.GetPlan(ctx, strings.TrimSpace(agent))
	if err != nil {
		return core.Plan{}, core.WrapStorage("get plan", err)
	}
	return plan, nil
}

// ListAll orders by last update, newest first, ties by agent name.
func (b *Board) ListAll(ctx context.Context) ([]core.Plan, error) {
	plans, err := b.store.ListPlans(ctx)
	if err != nil {
		return nil, core.WrapStorage("list plans", err)
	}
	return plans, nil
}

func (b *Board) publish(ev core.Event) {
	if b.bus != nil {
		b.bus.Publish(ev)
	}
}

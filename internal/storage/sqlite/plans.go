package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mistakeknot/toomanycooks/internal/core"
)

func (s *Store) UpsertPlan(ctx context.Context, plan core.Plan) (core.Plan, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plans (agent_name, goal, current_task, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(agent_name) DO UPDATE SET
		   goal = excluded.goal,
		   current_task = excluded.current_task,
		   updated_at = excluded.updated_at`,
		plan.AgentName, plan.Goal, plan.CurrentTask, core.MillisOf(plan.UpdatedAt),
	)
	if err != nil {
		return core.Plan{}, fmt.Errorf("upsert plan: %w", err)
	}
	return plan, nil
}

func (s *Store) GetPlan(ctx context.Context, agent string) (core.Plan, error) {
	p, err := scanPlan(s.db.QueryRowContext(ctx,
		`SELECT agent_name, goal, current_task, updated_at FROM plans WHERE agent_name = ?`, agent))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Plan{}, core.NotFound("plan", agent)
	}
	return p, err
}

func (s *Store) ListPlans(ctx context.Context) ([]core.Plan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_name, goal, current_task, updated_at FROM plans ORDER BY updated_at DESC, agent_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer rows.Close()

	var out []core.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func scanPlan(row scanner) (core.Plan, error) {
	var (
		p         core.Plan
		updatedAt int64
	)
	if err := row.Scan(&p.AgentName, &p.Goal, &p.CurrentTask, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Plan{}, err
		}
		return core.Plan{}, fmt.Errorf("scan plan: %w", err)
	}
	p.UpdatedAt = core.FromMillis(updatedAt)
	return p, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mistakeknot/toomanycooks/internal/core"
	"github.com/mistakeknot/toomanycooks/internal/storage"
)

func (s *Store) CreateAgent(ctx context.Context, rec storage.AgentRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (name, key_hash, registered_at, last_active) VALUES (?, ?, ?, ?)`,
		rec.Name, rec.KeyHash, core.MillisOf(rec.RegisteredAt), core.MillisOf(rec.LastActive),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &core.ConflictError{Kind: core.ConflictDuplicateName, Key: rec.Name}
		}
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, name string) (storage.AgentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, key_hash, registered_at, last_active FROM agents WHERE name = ?`, name)
	var (
		rec                      storage.AgentRecord
		registeredAt, lastActive int64
	)
	if err := row.Scan(&rec.Name, &rec.KeyHash, &registeredAt, &lastActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.AgentRecord{}, core.NotFound("agent", name)
		}
		return storage.AgentRecord{}, fmt.Errorf("scan agent: %w", err)
	}
	rec.RegisteredAt = core.FromMillis(registeredAt)
	rec.LastActive = core.FromMillis(lastActive)
	return rec, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]core.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, registered_at, last_active FROM agents ORDER BY registered_at ASC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var out []core.Agent
	for rows.Next() {
		var (
			a                        core.Agent
			registeredAt, lastActive int64
		)
		if err := rows.Scan(&a.Name, &registeredAt, &lastActive); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.RegisteredAt = core.FromMillis(registeredAt)
		a.LastActive = core.FromMillis(lastActive)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (s *Store) TouchAgent(ctx context.Context, name string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_active = MAX(last_active, ?) WHERE name = ?`, core.MillisOf(at), name)
	if err != nil {
		return fmt.Errorf("touch agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NotFound("agent", name)
	}
	return nil
}

func (s *Store) DeleteAgent(ctx context.Context, name string) ([]core.FileLock, error) {
	var released []core.FileLock
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE name = ?`, name)
		if err != nil {
			return fmt.Errorf("delete agent: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return core.NotFound("agent", name)
		}
		released, err = queryLocks(ctx, tx, `WHERE agent_name = ?`, name)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE agent_name = ?`, name); err != nil {
			return fmt.Errorf("release agent locks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed: unique")
}

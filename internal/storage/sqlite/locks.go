package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mistakeknot/toomanycooks/internal/core"
)

const lockColumns = `file_path, agent_name, acquired_at, expires_at, reason, version`

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// AcquireLock performs a single conditional upsert keyed on file_path. The
// existing row is only replaced when it belongs to the caller or its lease
// has ended, so concurrent acquires on one path yield exactly one winner.
func (s *Store) AcquireLock(ctx context.Context, lock core.FileLock, now time.Time) (core.FileLock, error) {
	var out core.FileLock
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO locks (file_path, agent_name, acquired_at, expires_at, reason, version)
			 VALUES (?, ?, ?, ?, ?, 1)
			 ON CONFLICT(file_path) DO UPDATE SET
			   agent_name = excluded.agent_name,
			   acquired_at = excluded.acquired_at,
			   expires_at = excluded.expires_at,
			   reason = excluded.reason,
			   version = locks.version + 1
			 WHERE locks.agent_name = excluded.agent_name OR locks.expires_at <= ?`,
			lock.FilePath, lock.AgentName, core.MillisOf(lock.AcquiredAt), core.MillisOf(lock.ExpiresAt),
			nullString(lock.Reason), core.MillisOf(now),
		)
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		current, err := lockByPath(ctx, tx, lock.FilePath)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &core.ConflictError{
				Kind:      core.ConflictLockHeld,
				Key:       current.FilePath,
				Owner:     current.AgentName,
				ExpiresAt: current.ExpiresAt,
				Version:   current.Version,
			}
		}
		out = current
		return nil
	})
	if err != nil {
		return core.FileLock{}, err
	}
	return out, nil
}

// RenewLock moves the expiry of a live owned lock. A lock whose lease ended
// at now reads as missing, the same as after the reaper removed it.
func (s *Store) RenewLock(ctx context.Context, path, agent string, version int64, now, expiresAt time.Time) (core.FileLock, error) {
	var out core.FileLock
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := liveLock(ctx, tx, path, now)
		if err != nil {
			return err
		}
		if err := checkOwnership(current, agent, version); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE locks SET expires_at = ?, version = version + 1 WHERE file_path = ? AND agent_name = ? AND version = ?`,
			core.MillisOf(expiresAt), path, agent, current.Version,
		); err != nil {
			return fmt.Errorf("renew lock: %w", err)
		}
		current.ExpiresAt = expiresAt
		current.Version++
		out = current
		return nil
	})
	if err != nil {
		return core.FileLock{}, err
	}
	return out, nil
}

func (s *Store) ReleaseLock(ctx context.Context, path, agent string, version int64, now time.Time) (core.FileLock, bool, error) {
	var (
		out     core.FileLock
		removed bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := liveLock(ctx, tx, path, now)
		if errors.Is(err, core.ErrNotFound) {
			// Nothing live to release, whoever held the lapsed row.
			return nil
		}
		if err != nil {
			return err
		}
		if err := checkOwnership(current, agent, version); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM locks WHERE file_path = ? AND agent_name = ?`, path, agent); err != nil {
			return fmt.Errorf("release lock: %w", err)
		}
		out, removed = current, true
		return nil
	})
	if err != nil {
		return core.FileLock{}, false, err
	}
	return out, removed, nil
}

// ForceReleaseLock removes a live lock whoever holds it. A lapsed lock is
// NotFound and stays for the reaper.
func (s *Store) ForceReleaseLock(ctx context.Context, path string, now time.Time) (core.FileLock, error) {
	var out core.FileLock
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := liveLock(ctx, tx, path, now)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE file_path = ?`, path); err != nil {
			return fmt.Errorf("force release lock: %w", err)
		}
		out = current
		return nil
	})
	if err != nil {
		return core.FileLock{}, err
	}
	return out, nil
}

func (s *Store) GetLock(ctx context.Context, path string) (core.FileLock, error) {
	return lockByPath(ctx, s.db, path)
}

func (s *Store) ListLocks(ctx context.Context) ([]core.FileLock, error) {
	return queryLocks(ctx, s.db, ``)
}

func (s *Store) ListLocksByAgent(ctx context.Context, agent string) ([]core.FileLock, error) {
	return queryLocks(ctx, s.db, `WHERE agent_name = ?`, agent)
}

func (s *Store) SweepExpiredLocks(ctx context.Context, cutoff time.Time) ([]core.FileLock, error) {
	var swept []core.FileLock
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		swept, err = queryLocks(ctx, tx, `WHERE expires_at <= ?`, core.MillisOf(cutoff))
		if err != nil || len(swept) == 0 {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE expires_at <= ?`, core.MillisOf(cutoff)); err != nil {
			return fmt.Errorf("sweep locks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return swept, nil
}

func checkOwnership(current core.FileLock, agent string, version int64) error {
	if current.AgentName != agent {
		return &core.ConflictError{
			Kind:      core.ConflictNotOwner,
			Key:       current.FilePath,
			Owner:     current.AgentName,
			ExpiresAt: current.ExpiresAt,
			Version:   current.Version,
		}
	}
	if version != 0 && version != current.Version {
		return &core.ConflictError{
			Kind:      core.ConflictStaleVersion,
			Key:       current.FilePath,
			Owner:     current.AgentName,
			ExpiresAt: current.ExpiresAt,
			Version:   current.Version,
		}
	}
	return nil
}

func queryLocks(ctx context.Context, q queryer, where string, args ...any) ([]core.FileLock, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+lockColumns+` FROM locks `+where+` ORDER BY acquired_at ASC, file_path ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	defer rows.Close()

	var out []core.FileLock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

// liveLock reads the lock on path and reports NotFound when there is none or
// its lease ended at now.
func liveLock(ctx context.Context, q queryer, path string, now time.Time) (core.FileLock, error) {
	current, err := lockByPath(ctx, q, path)
	if err != nil {
		return core.FileLock{}, err
	}
	if !current.Active(now) {
		return core.FileLock{}, core.NotFound("lock", path)
	}
	return current, nil
}

func lockByPath(ctx context.Context, q queryer, path string) (core.FileLock, error) {
	l, err := scanLock(q.QueryRowContext(ctx, `SELECT `+lockColumns+` FROM locks WHERE file_path = ?`, path))
	if errors.Is(err, core.ErrNotFound) {
		return core.FileLock{}, core.NotFound("lock", path)
	}
	return l, err
}

func scanLock(row scanner) (core.FileLock, error) {
	var (
		l                     core.FileLock
		reason                sql.NullString
		acquiredAt, expiresAt int64
	)
	if err := row.Scan(&l.FilePath, &l.AgentName, &acquiredAt, &expiresAt, &reason, &l.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.FileLock{}, &core.NotFoundError{Resource: "lock"}
		}
		return core.FileLock{}, fmt.Errorf("scan lock: %w", err)
	}
	l.Reason = reason.String
	l.AcquiredAt = core.FromMillis(acquiredAt)
	l.ExpiresAt = core.FromMillis(expiresAt)
	return l, nil
}

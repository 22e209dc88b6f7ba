package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mistakeknot/toomanycooks/internal/core"
	"github.com/mistakeknot/toomanycooks/internal/storage"
)

// visibleTo selects the messages one reader can see. Broadcasts are resolved
// against the reader's current registration, so agents registered after a
// broadcast never see it. A sender never receives its own broadcast.
// Placeholders: reader (join), reader, reader, reader.
const visibleTo = `
	FROM messages m
	LEFT JOIN message_reads r ON r.message_id = m.id AND r.agent_name = ?
	WHERE (m.to_agent = ?
	   OR (m.to_agent = '*' AND m.from_agent <> ?
	       AND m.created_at >= (SELECT registered_at FROM agents WHERE name = ?)))`

const readerReadAt = `CASE WHEN m.to_agent = '*' THEN r.read_at ELSE m.read_at END`

func (s *Store) InsertMessage(ctx context.Context, msg core.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, from_agent, to_agent, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.FromAgent, msg.ToAgent, msg.Content, core.MillisOf(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *Store) MessagesFor(ctx context.Context, q storage.MessageQuery) ([]core.Message, error) {
	query := `SELECT m.id, m.from_agent, m.to_agent, m.content, m.created_at, ` + readerReadAt + ` AS read_at` + visibleTo
	args := []any{q.Agent, q.Agent, q.Agent, q.Agent}
	if q.UnreadOnly {
		query = `SELECT * FROM (` + query + `) WHERE read_at IS NULL`
	} else {
		query = `SELECT * FROM (` + query + `)`
	}
	if q.Order == storage.NewestFirst {
		query += ` ORDER BY created_at DESC, id DESC`
	} else {
		query += ` ORDER BY created_at ASC, id ASC`
	}
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	return s.queryMessages(ctx, query, args...)
}

func (s *Store) MarkRead(ctx context.Context, id, agent string, at time.Time) (bool, error) {
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var visible int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) `+visibleTo+` AND m.id = ?`, agent, agent, agent, agent, id,
		).Scan(&visible)
		if err != nil {
			return fmt.Errorf("check message: %w", err)
		}
		if visible == 0 {
			return core.NotFound("message", id)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET read_at = ? WHERE id = ? AND to_agent = ? AND read_at IS NULL`,
			core.MillisOf(at), id, agent)
		if err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			changed = true
			return nil
		}
		res, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO message_reads (message_id, agent_name, read_at)
			 SELECT id, ?, ? FROM messages WHERE id = ? AND to_agent = '*'`,
			agent, core.MillisOf(at), id)
		if err != nil {
			return fmt.Errorf("mark broadcast read: %w", err)
		}
		n, _ := res.RowsAffected()
		changed = n > 0
		return nil
	})
	return changed, err
}

func (s *Store) MarkAllRead(ctx context.Context, agent string, at time.Time) (int, error) {
	var total int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET read_at = ? WHERE to_agent = ? AND read_at IS NULL`,
			core.MillisOf(at), agent)
		if err != nil {
			return fmt.Errorf("mark direct read: %w", err)
		}
		direct, _ := res.RowsAffected()
		res, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO message_reads (message_id, agent_name, read_at)
			 SELECT m.id, ?, ? FROM messages m
			 WHERE m.to_agent = '*' AND m.from_agent <> ?
			   AND m.created_at >= (SELECT registered_at FROM agents WHERE name = ?)`,
			agent, core.MillisOf(at), agent, agent)
		if err != nil {
			return fmt.Errorf("mark broadcast read: %w", err)
		}
		broadcast, _ := res.RowsAffected()
		total = int(direct + broadcast)
		return nil
	})
	return total, err
}

func (s *Store) UnreadCount(ctx context.Context, agent string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) `+visibleTo+` AND `+readerReadAt+` IS NULL`,
		agent, agent, agent, agent,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

func (s *Store) ListMessages(ctx context.Context, limit int) ([]core.Message, error) {
	query := `SELECT id, from_agent, to_agent, content, created_at, read_at FROM messages ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryMessages(ctx, query, args...)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]core.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []core.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func scanMessage(row scanner) (core.Message, error) {
	var (
		m         core.Message
		createdAt int64
		readAt    sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.FromAgent, &m.ToAgent, &m.Content, &createdAt, &readAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Message{}, err
		}
		return core.Message{}, fmt.Errorf("scan message: %w", err)
	}
	m.CreatedAt = core.FromMillis(createdAt)
	if readAt.Valid {
		t := core.FromMillis(readAt.Int64)
		m.ReadAt = &t
	}
	return m, nil
}

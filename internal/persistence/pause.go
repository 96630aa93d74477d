package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SetPause marks a thread paused. Pausing an already paused thread is a
// no-op: the original paused_at and paused_by are kept.
func (s *Store) SetPause(ctx context.Context, threadID, pausedBy string) (bool, error) {
	if threadID == "" {
		return false, fmt.Errorf("set pause: thread id required")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pauses (thread_id, paused_by, paused_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(thread_id) DO NOTHING;
	`, threadID, pausedBy)
	if err != nil {
		return false, fmt.Errorf("set pause: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set pause rows affected: %w", err)
	}
	return n == 1, nil
}

// GetPause returns the pause state for a thread, or nil when not paused.
func (s *Store) GetPause(ctx context.Context, threadID string) (*PauseState, error) {
	var p PauseState
	err := s.db.QueryRowContext(ctx, `
		SELECT thread_id, paused_by, paused_at FROM pauses WHERE thread_id = ?;
	`, threadID).Scan(&p.ThreadID, &p.PausedBy, &p.PausedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get pause: %w", err)
	}
	return &p, nil
}

func (s *Store) ListPaused(ctx context.Context) ([]PauseState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, paused_by, paused_at FROM pauses ORDER BY paused_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query pauses: %w", err)
	}
	defer rows.Close()

	var out []PauseState
	for rows.Next() {
		var p PauseState
		if err := rows.Scan(&p.ThreadID, &p.PausedBy, &p.PausedAt); err != nil {
			return nil, fmt.Errorf("scan pause: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pauses rows: %w", err)
	}
	return out, nil
}

// AppendHeldMessage stores one message arriving on a paused thread.
// Arrival order is the autoincrement id.
func (s *Store) AppendHeldMessage(ctx context.Context, threadID, authorID, content string) error {
	if threadID == "" {
		return fmt.Errorf("append held message: thread id required")
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO held_messages (thread_id, author_id, content, created_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP);
		`, threadID, authorID, content)
		return err
	})
	if err != nil {
		return fmt.Errorf("append held message: %w", err)
	}
	return nil
}

func (s *Store) HeldCount(ctx context.Context, threadID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM held_messages WHERE thread_id = ?;`, threadID).Scan(&n); err != nil {
		return 0, fmt.Errorf("held count: %w", err)
	}
	return n, nil
}

// ResumeThread clears a thread's pause and drains its held messages in
// arrival order, both in one transaction: the batch is returned exactly
// once, and a second resume finds neither pause nor messages. Resuming a
// thread that is not paused returns (nil, false, nil) and leaves any
// stray held rows alone.
func (s *Store) ResumeThread(ctx context.Context, threadID string) ([]HeldMessage, bool, error) {
	var held []HeldMessage
	var wasPaused bool
	err := retryOnBusy(ctx, 5, func() error {
		held = nil
		wasPaused = false

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin resume tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `DELETE FROM pauses WHERE thread_id = ?;`, threadID)
		if err != nil {
			return fmt.Errorf("clear pause: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("clear pause rows affected: %w", err)
		}
		if n == 0 {
			_ = tx.Rollback()
			return nil
		}
		wasPaused = true

		rows, err := tx.QueryContext(ctx, `
			SELECT id, thread_id, author_id, content, created_at
			FROM held_messages
			WHERE thread_id = ?
			ORDER BY id ASC;
		`, threadID)
		if err != nil {
			return fmt.Errorf("query held messages: %w", err)
		}
		for rows.Next() {
			var m HeldMessage
			if err := rows.Scan(&m.ID, &m.ThreadID, &m.AuthorID, &m.Content, &m.CreatedAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan held message: %w", err)
			}
			held = append(held, m)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("held messages rows: %w", err)
		}
		rows.Close()

		if _, err := tx.ExecContext(ctx, `DELETE FROM held_messages WHERE thread_id = ?;`, threadID); err != nil {
			return fmt.Errorf("drain held messages: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, false, err
	}
	return held, wasPaused, nil
}

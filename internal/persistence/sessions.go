package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/go-relay/internal/bus"
)

// GetSessionRecord returns the session record for a thread, or nil when
// the thread has never completed a session resolution.
func (s *Store) GetSessionRecord(ctx context.Context, threadID string) (*SessionRecord, error) {
	var rec SessionRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT thread_id, session_id, working_dir, turn_count, created_at, updated_at
		FROM sessions
		WHERE thread_id = ?;
	`, threadID).Scan(&rec.ThreadID, &rec.SessionID, &rec.WorkingDir, &rec.TurnCount, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session record: %w", err)
	}
	return &rec, nil
}

// CreateSessionRecord inserts a record for a thread that has none. When a
// record already exists the stored one wins and is returned unchanged, so
// two racing submits cannot fork a thread across two sessions.
func (s *Store) CreateSessionRecord(ctx context.Context, threadID, sessionID, workingDir string) (*SessionRecord, error) {
	if threadID == "" {
		return nil, fmt.Errorf("create session record: thread id required")
	}
	if sessionID == "" {
		return nil, fmt.Errorf("create session record: session id required")
	}
	var created bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (thread_id, session_id, working_dir, turn_count, created_at, updated_at)
			VALUES (?, ?, ?, 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(thread_id) DO NOTHING;
		`, threadID, sessionID, workingDir)
		if err != nil {
			return fmt.Errorf("insert session record: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("session insert rows affected: %w", err)
		}
		created = n == 1
		return nil
	})
	if err != nil {
		return nil, err
	}

	rec, err := s.GetSessionRecord(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("session record vanished for thread %s", threadID)
	}
	if created && s.bus != nil {
		s.bus.Publish(bus.TopicSessionCreated, map[string]any{
			"thread_id":  threadID,
			"session_id": rec.SessionID,
		})
	}
	return rec, nil
}

// ResetSessionRecord removes a thread's session record so the next message
// starts a fresh session. Operator action; nothing calls this on its own.
func (s *Store) ResetSessionRecord(ctx context.Context, threadID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE thread_id = ?;`, threadID)
	if err != nil {
		return false, fmt.Errorf("reset session record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reset rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) ListSessionRecords(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, session_id, working_dir, turn_count, created_at, updated_at
		FROM sessions
		ORDER BY updated_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query session records: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.ThreadID, &rec.SessionID, &rec.WorkingDir, &rec.TurnCount, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session records rows: %w", err)
	}
	return out, nil
}

func (s *Store) SessionCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("session count: %w", err)
	}
	return n, nil
}

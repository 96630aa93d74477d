package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule is a cron-triggered prompt aimed at a fixed thread. The rows
// mirror the config file; SyncSchedules reconciles them at startup.
type Schedule struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CronExpr  string     `json:"cron_expr"`
	Prompt    string     `json:"prompt"`
	ThreadID  string     `json:"thread_id"`
	Enabled   bool       `json:"enabled"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// UpsertSchedule inserts a schedule or, when the name exists, refreshes its
// expression, prompt, target thread, and enabled flag. last_run_at is kept
// so a config reload does not re-fire a schedule that already ran.
func (s *Store) UpsertSchedule(ctx context.Context, sched Schedule) error {
	if sched.Name == "" {
		return fmt.Errorf("upsert schedule: name required")
	}
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, name, cron_expr, prompt, thread_id, enabled, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			cron_expr = excluded.cron_expr,
			prompt = excluded.prompt,
			thread_id = excluded.thread_id,
			enabled = excluded.enabled,
			next_run_at = excluded.next_run_at,
			updated_at = CURRENT_TIMESTAMP;
	`, sched.ID, sched.Name, sched.CronExpr, sched.Prompt, sched.ThreadID, boolToInt(sched.Enabled), sched.NextRunAt)
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

// PruneSchedulesExcept deletes schedules whose name is not in keep.
// Passing an empty keep list clears the table.
func (s *Store) PruneSchedulesExcept(ctx context.Context, keep []string) (int64, error) {
	if len(keep) == 0 {
		res, err := s.db.ExecContext(ctx, `DELETE FROM schedules;`)
		if err != nil {
			return 0, fmt.Errorf("prune schedules: %w", err)
		}
		n, _ := res.RowsAffected()
		return n, nil
	}
	placeholders := ""
	args := make([]any, 0, len(keep))
	for i, name := range keep {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, name)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE name NOT IN (`+placeholders+`);`, args...)
	if err != nil {
		return 0, fmt.Errorf("prune schedules: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListSchedules returns all schedules ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, prompt, thread_id, enabled, next_run_at, last_run_at, created_at, updated_at
		FROM schedules ORDER BY name ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// DueSchedules returns enabled schedules with next_run_at <= now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, prompt, thread_id, enabled, next_run_at, last_run_at, created_at, updated_at
		FROM schedules WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now)
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// UpdateScheduleRun updates the last_run_at and next_run_at for a schedule after firing.
func (s *Store) UpdateScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_run_at = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, lastRun, nextRun, id)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	return nil
}

func collectSchedules(rows *sql.Rows) ([]Schedule, error) {
	var out []Schedule
	for rows.Next() {
		var sc Schedule
		var enabled int
		var nextRun, lastRun sql.NullTime
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.CronExpr, &sc.Prompt, &sc.ThreadID, &enabled, &nextRun, &lastRun, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sc.Enabled = enabled != 0
		if nextRun.Valid {
			t := nextRun.Time
			sc.NextRunAt = &t
		}
		if lastRun.Valid {
			t := lastRun.Time
			sc.LastRunAt = &t
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

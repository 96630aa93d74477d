package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *Store) KVSet(ctx context.Context, key, val string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
	`, key, val)
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// KVGet retrieves a value from the kv_store. Returns empty string if key not found.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("kv get: %w", err)
	}
	return val, nil
}

func (s *Store) KVDelete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?;`, key); err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedJobEvents int64 `json:"purged_job_events"`
	PurgedAuditLogs int64 `json:"purged_audit_logs"`
}

// RunRetention deletes job events and audit rows older than the given
// windows. Zero or negative days skips that category. Idempotent.
func (s *Store) RunRetention(ctx context.Context, jobEventDays, auditLogDays int) (RetentionResult, error) {
	var result RetentionResult

	if jobEventDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -jobEventDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM job_events WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge job_events: %w", err)
		}
		result.PurgedJobEvents, _ = res.RowsAffected()
	}

	if auditLogDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	return result, nil
}

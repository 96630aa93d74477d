// Package persistence owns the SQLite store backing the relay: session
// records keyed by thread, the durable job queue with lease-based claims,
// pause state with held messages, schedules, and the audit ledger.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/basket/go-relay/internal/audit"
	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/shared"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "gr-v1-2026-06-18-initial"

	// v2: adds schedules, audit_log, and jobs.fell_back.
	schemaVersionV2  = 2
	schemaChecksumV2 = "gr-v2-2026-07-02-schedules-audit"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	defaultLeaseDuration = 30 * time.Second

	defaultMaxAttempts = 3
	retryBaseDelay     = 1 * time.Second
	retryMaxDelay      = 30 * time.Second
	poisonThreshold    = 3
)

// Deterministic reason codes for retry and terminal states.
const (
	ReasonRetryAgentError       = "RETRY_AGENT_ERROR"
	ReasonDeadLetterPoisonPill  = "DEAD_LETTER_POISON_PILL"
	ReasonDeadLetterMaxAttempts = "DEAD_LETTER_MAX_ATTEMPTS"
)

type JobStatus string

const (
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusClaimed    JobStatus = "CLAIMED"
	JobStatusRunning    JobStatus = "RUNNING"
	JobStatusRetryWait  JobStatus = "RETRY_WAIT"
	JobStatusSucceeded  JobStatus = "SUCCEEDED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusDeadLetter JobStatus = "DEAD_LETTER"
)

var allowedTransitions = map[JobStatus]map[JobStatus]struct{}{
	JobStatusQueued: {
		JobStatusClaimed: {},
	},
	JobStatusClaimed: {
		JobStatusRunning: {},
		JobStatusQueued:  {}, // Recovery requeue.
	},
	JobStatusRunning: {
		JobStatusSucceeded: {},
		JobStatusFailed:    {},
		JobStatusRetryWait: {},
		JobStatusQueued:    {}, // Crash recovery requeue.
	},
	JobStatusRetryWait: {
		JobStatusQueued: {},
		JobStatusFailed: {},
	},
	JobStatusFailed: {
		JobStatusDeadLetter: {},
	},
	JobStatusDeadLetter: {
		JobStatusQueued: {}, // Operator requeue.
	},
}

func canTransition(from, to JobStatus) bool {
	targets, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = targets[to]
	return ok
}

// Job is one queued prompt for a thread. SessionID and Resume are snapshots
// taken at enqueue time; the worker re-reads the session record before
// spawning so a fallback in an earlier job is picked up.
type Job struct {
	ID             string     `json:"id"`
	ThreadID       string     `json:"thread_id"`
	UserID         string     `json:"user_id,omitempty"`
	Prompt         string     `json:"prompt"`
	SessionID      string     `json:"session_id,omitempty"`
	Resume         bool       `json:"resume"`
	WorkingDir     string     `json:"working_dir,omitempty"`
	Status         JobStatus  `json:"status"`
	Attempt        int        `json:"attempt"`
	MaxAttempts    int        `json:"max_attempts"`
	AvailableAt    time.Time  `json:"available_at"`
	LastErrorCode  string     `json:"last_error_code,omitempty"`
	PoisonCount    int        `json:"poison_count,omitempty"`
	Result         string     `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
	FellBack       bool       `json:"fell_back,omitempty"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NewJob carries the enqueue-time fields of a job.
type NewJob struct {
	ThreadID   string
	UserID     string
	Prompt     string
	SessionID  string
	Resume     bool
	WorkingDir string

	// MaxAttempts caps retries for this job. Zero or negative uses the
	// store default.
	MaxAttempts int
}

// SessionRecord maps a thread to its current agent session. Records are
// never deleted automatically; ResetSessionRecord is an operator action.
type SessionRecord struct {
	ThreadID   string    `json:"thread_id"`
	SessionID  string    `json:"session_id"`
	WorkingDir string    `json:"working_dir,omitempty"`
	TurnCount  int       `json:"turn_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PauseState marks a thread whose inbound messages are being held.
type PauseState struct {
	ThreadID string    `json:"thread_id"`
	PausedBy string    `json:"paused_by,omitempty"`
	PausedAt time.Time `json:"paused_at"`
}

// HeldMessage is one message captured while its thread was paused.
type HeldMessage struct {
	ID        int64     `json:"id"`
	ThreadID  string    `json:"thread_id"`
	AuthorID  string    `json:"author_id,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type JobEvent struct {
	EventID   int64     `json:"event_id"`
	JobID     string    `json:"job_id"`
	ThreadID  string    `json:"thread_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	EventType string    `json:"event_type"`
	StateFrom JobStatus `json:"state_from"`
	StateTo   JobStatus `json:"state_to"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

type FailureOutcome string

const (
	FailureOutcomeRetried    FailureOutcome = "RETRIED"
	FailureOutcomeDeadLetter FailureOutcome = "DEAD_LETTER"
)

type FailureDecision struct {
	Outcome          FailureOutcome `json:"outcome"`
	Attempt          int            `json:"attempt"`
	MaxAttempts      int            `json:"max_attempts"`
	BackoffUntil     *time.Time     `json:"backoff_until,omitempty"`
	ReasonCode       string         `json:"reason_code"`
	ErrorFingerprint string         `json:"error_fingerprint"`
	PoisonCount      int            `json:"poison_count"`
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	if env := os.Getenv("GORELAY_HOME"); env != "" {
		return filepath.Join(env, "gorelay.db")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gorelay", "gorelay.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter. maxRetries=5 gives ~3s total
// wait on top of the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// Exponential backoff: 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.Intn(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 wraps errors as sqlite3.Error with Code field.
	// Check the error string for the code to avoid a direct dependency
	// on the sqlite3 package in non-CGO-importing code paths.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	// Already at the latest schema: verify checksum and apply backfills only.
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := s.applyBackfillsTx(ctx, tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	// Upgrading from v1. Validate the checksum of the version we leave behind.
	if maxVersion == schemaVersionV1 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionV1).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumV1 {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionV1, existingChecksum, schemaChecksumV1)
		}
	}

	// Phase 1: Create tables (without indexes).
	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			thread_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			working_dir TEXT NOT NULL DEFAULT '',
			turn_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			resume INTEGER NOT NULL DEFAULT 0,
			working_dir TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('QUEUED', 'CLAIMED', 'RUNNING', 'RETRY_WAIT', 'SUCCEEDED', 'FAILED', 'DEAD_LETTER')),
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			available_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_error_code TEXT,
			last_error_fingerprint TEXT,
			poison_count INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT,
			lease_expires_at DATETIME,
			result TEXT,
			error TEXT,
			fell_back INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS job_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL REFERENCES jobs(id),
			thread_id TEXT NOT NULL,
			trace_id TEXT,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS held_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT NOT NULL,
			author_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS pauses (
			thread_id TEXT PRIMARY KEY,
			paused_by TEXT NOT NULL DEFAULT '',
			paused_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		// v2: schedules table for cron-triggered prompts.
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			cron_expr TEXT NOT NULL,
			prompt TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			next_run_at DATETIME,
			last_run_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		// v2: audit_log mirrors the JSONL audit trail for queries.
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			action TEXT NOT NULL,
			subject TEXT,
			actor TEXT,
			detail TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}

	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// Phase 2: Backfills (ALTER TABLE for v1 DBs) must run before indexes.
	if err := s.applyBackfillsTx(ctx, tx); err != nil {
		return err
	}

	// Phase 3: Indexes (may reference columns added by backfills).
	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_available ON jobs(status, available_at, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_thread ON jobs(thread_id, status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_lease_expires ON jobs(lease_expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_held_messages_thread ON held_messages(thread_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run_at);`,
	}

	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}

	audit.Record("data.migration", "schema", "store",
		fmt.Sprintf("schema migrated from v%d to v%d (checksum %s)", maxVersion, schemaVersionLatest, schemaChecksumLatest))
	return nil
}

func (s *Store) applyBackfillsTx(ctx context.Context, tx *sql.Tx) error {
	// v1 -> v2: jobs.fell_back. Idempotent: ignore "duplicate column" errors.
	_, _ = tx.ExecContext(ctx, `ALTER TABLE jobs ADD COLUMN fell_back INTEGER NOT NULL DEFAULT 0;`)
	return nil
}

// Backup creates an online-consistent copy of the database without
// blocking writes.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	_, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath)
	if err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}

func scanJob(scanFn func(dest ...any) error, job *Job) error {
	var leaseExpires sql.NullTime
	var lastErrorCode sql.NullString
	if err := scanFn(
		&job.ID,
		&job.ThreadID,
		&job.UserID,
		&job.Prompt,
		&job.SessionID,
		&job.Resume,
		&job.WorkingDir,
		&job.Status,
		&job.Attempt,
		&job.MaxAttempts,
		&job.AvailableAt,
		&lastErrorCode,
		&job.PoisonCount,
		&job.Result,
		&job.Error,
		&job.FellBack,
		&job.LeaseOwner,
		&leaseExpires,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return err
	}
	if leaseExpires.Valid {
		t := leaseExpires.Time
		job.LeaseExpiresAt = &t
	} else {
		job.LeaseExpiresAt = nil
	}
	if lastErrorCode.Valid {
		job.LastErrorCode = lastErrorCode.String
	}
	return nil
}

// jobColumns is the SELECT list scanJob expects, qualified by alias a.
func jobColumns(a string) string {
	cols := []string{
		"id", "thread_id", "user_id", "prompt", "session_id", "resume", "working_dir",
		"status", "attempt", "max_attempts", "available_at",
	}
	for i, c := range cols {
		cols[i] = a + "." + c
	}
	rest := []string{
		a + ".last_error_code",
		a + ".poison_count",
		"COALESCE(" + a + ".result, '')",
		"COALESCE(" + a + ".error, '')",
		a + ".fell_back",
		"COALESCE(" + a + ".lease_owner, '')",
		a + ".lease_expires_at",
		a + ".created_at",
		a + ".updated_at",
	}
	return strings.Join(append(cols, rest...), ", ")
}

func (s *Store) appendJobEventTx(ctx context.Context, tx *sql.Tx, jobID, threadID string, from, to JobStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO job_events (job_id, thread_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, jobID, threadID, traceID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert job_event: %w", err)
	}
	return nil
}

func (s *Store) transitionJobTx(
	ctx context.Context,
	tx *sql.Tx,
	jobID string,
	allowedFrom []JobStatus,
	to JobStatus,
	eventType string,
	payload string,
	result *string,
	errMsg *string,
) (bool, error) {
	var current JobStatus
	var threadID string
	if err := tx.QueryRowContext(ctx, `
		SELECT status, thread_id
		FROM jobs
		WHERE id = ?;
	`, jobID).Scan(&current, &threadID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select job for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !canTransition(current, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}

	resValue := sql.NullString{}
	if result != nil {
		resValue.Valid = true
		resValue.String = *result
	}
	errValue := sql.NullString{}
	if errMsg != nil {
		errValue.Valid = true
		errValue.String = *errMsg
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?,
			result = CASE WHEN ? THEN ? ELSE result END,
			error = CASE WHEN ? THEN ? ELSE error END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, resValue.Valid, resValue.String, errValue.Valid, errValue.String, jobID, current)
	if err != nil {
		return false, fmt.Errorf("update job transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if err := s.appendJobEventTx(ctx, tx, jobID, threadID, current, to, eventType, payload); err != nil {
		return false, err
	}
	return true, nil
}

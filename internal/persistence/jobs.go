package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-relay/internal/bus"
	"github.com/google/uuid"
)

func (s *Store) CreateJob(ctx context.Context, job NewJob) (string, error) {
	if job.ThreadID == "" {
		return "", fmt.Errorf("create job: thread id required")
	}
	if strings.TrimSpace(job.Prompt) == "" {
		return "", fmt.Errorf("create job: prompt required")
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	jobID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create job tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (
				id, thread_id, user_id, prompt, session_id, resume, working_dir,
				status, attempt, max_attempts, available_at, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, jobID, job.ThreadID, job.UserID, job.Prompt, job.SessionID, job.Resume, job.WorkingDir,
			JobStatusQueued, maxAttempts); err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		if err := s.appendJobEventTx(ctx, tx, jobID, job.ThreadID, "", JobStatusQueued, "job.enqueued", fmt.Sprintf(`{"resume":%t}`, job.Resume)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return jobID, nil
}

// ClaimNextJob claims the oldest runnable job whose thread has no job
// already in flight and no older job still queued. Jobs for the same
// thread therefore run strictly in submission order, while different
// threads proceed concurrently. Returns nil when nothing is claimable.
//
// Submission order within a thread is rowid order: created_at has
// one-second granularity, rowid does not.
func (s *Store) ClaimNextJob(ctx context.Context) (*Job, error) {
	var result *Job
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var job Job
		query := `
			SELECT ` + jobColumns("j") + `
			FROM jobs AS j
			WHERE j.status = ? AND j.available_at <= CURRENT_TIMESTAMP
			  AND NOT EXISTS (
				SELECT 1 FROM jobs AS b
				WHERE b.thread_id = j.thread_id
				  AND (
					b.status IN (?, ?, ?)
					OR (b.status = ? AND b.rowid < j.rowid)
				  )
			  )
			ORDER BY j.created_at ASC, j.rowid ASC
			LIMIT 1;`
		row := tx.QueryRowContext(ctx, query,
			JobStatusQueued,
			JobStatusClaimed, JobStatusRunning, JobStatusRetryWait,
			JobStatusQueued)
		if scanErr := scanJob(row.Scan, &job); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				_ = tx.Rollback()
				result = nil
				return nil
			}
			return fmt.Errorf("select runnable job: %w", scanErr)
		}

		ok, err := s.transitionJobTx(ctx, tx, job.ID,
			[]JobStatus{JobStatusQueued}, JobStatusClaimed,
			"job.claimed", `{"reason":"claim_next"}`, nil, nil)
		if err != nil {
			return fmt.Errorf("claim job transition: %w", err)
		}
		if !ok {
			_ = tx.Rollback()
			result = nil
			return nil
		}
		leaseOwner := uuid.NewString()
		leaseExpiresAt := time.Now().UTC().Add(defaultLeaseDuration)
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET lease_owner = ?, lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, leaseOwner, leaseExpiresAt, job.ID, JobStatusClaimed); err != nil {
			return fmt.Errorf("set claim lease: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		job.Status = JobStatusClaimed
		job.LeaseOwner = leaseOwner
		job.LeaseExpiresAt = &leaseExpiresAt
		result = &job
		return nil
	})
	return result, err
}

// StartJobRun transitions a claimed job to running, holding the lease.
func (s *Store) StartJobRun(ctx context.Context, jobID, leaseOwner string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin start job tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentLeaseOwner string
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(lease_owner, '')
		FROM jobs
		WHERE id = ? AND status = ?;
	`, jobID, JobStatusClaimed).Scan(&currentLeaseOwner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sql.ErrNoRows
		}
		return fmt.Errorf("read claimed lease owner: %w", err)
	}
	if currentLeaseOwner == "" || currentLeaseOwner != leaseOwner {
		return sql.ErrNoRows
	}
	ok, err := s.transitionJobTx(
		ctx,
		tx,
		jobID,
		[]JobStatus{JobStatusClaimed},
		JobStatusRunning,
		"job.running",
		`{"reason":"worker_start"}`,
		nil,
		nil,
	)
	if err != nil {
		return err
	}
	if !ok {
		return sql.ErrNoRows
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND lease_owner = ? AND status = ?;
	`, time.Now().UTC().Add(defaultLeaseDuration), jobID, leaseOwner, JobStatusRunning); err != nil {
		return fmt.Errorf("extend lease on start run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit start job tx: %w", err)
	}
	return nil
}

func (s *Store) HeartbeatLease(ctx context.Context, jobID, leaseOwner string) (bool, error) {
	if leaseOwner == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND lease_owner = ? AND status IN (?, ?);
	`, time.Now().UTC().Add(defaultLeaseDuration), jobID, leaseOwner, JobStatusClaimed, JobStatusRunning)
	if err != nil {
		return false, fmt.Errorf("heartbeat lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return n == 1, nil
}

// CompleteJob records a successful run. In the same transaction it stores
// the reply, releases the lease, and folds the run's session id back into
// the thread's session record with turn_count incremented. Passing the
// unchanged session id is a no-op on the session_id column, so replays
// are harmless.
func (s *Store) CompleteJob(ctx context.Context, jobID, result, sessionID string, fellBack bool) error {
	var threadID string
	var attempt int
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete job tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var workingDir string
		if err := tx.QueryRowContext(ctx, `
			SELECT thread_id, working_dir, attempt FROM jobs WHERE id = ?;
		`, jobID).Scan(&threadID, &workingDir, &attempt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sql.ErrNoRows
			}
			return fmt.Errorf("read job thread: %w", err)
		}

		ok, err := s.transitionJobTx(
			ctx,
			tx,
			jobID,
			[]JobStatus{JobStatusRunning},
			JobStatusSucceeded,
			"job.succeeded",
			fmt.Sprintf(`{"reason":"agent_success","fell_back":%t}`, fellBack),
			&result,
			nil,
		)
		if err != nil {
			return fmt.Errorf("complete job transition: %w", err)
		}
		if !ok {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET lease_owner = NULL, lease_expires_at = NULL, error = NULL, fell_back = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, fellBack, jobID, JobStatusSucceeded); err != nil {
			return fmt.Errorf("clear lease on complete: %w", err)
		}

		// The session record survives resets mid-flight: recreate it from
		// the job snapshot if an operator removed it while we were running.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (thread_id, session_id, working_dir, turn_count, created_at, updated_at)
			VALUES (?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(thread_id) DO UPDATE SET
				session_id = CASE WHEN excluded.session_id != '' THEN excluded.session_id ELSE session_id END,
				turn_count = turn_count + 1,
				updated_at = CURRENT_TIMESTAMP;
		`, threadID, sessionID, workingDir); err != nil {
			return fmt.Errorf("fold session on complete: %w", err)
		}

		return tx.Commit()
	})
	if err != nil {
		return err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicJobSucceeded, bus.JobResultEvent{
			JobID:     jobID,
			ThreadID:  threadID,
			SessionID: sessionID,
			Reply:     result,
			FellBack:  fellBack,
			Attempt:   attempt,
		})
	}
	return nil
}

func hashString(input string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	return strconv.FormatUint(h.Sum64(), 16)
}

func errorFingerprint(errMsg string) string {
	normalized := strings.ToLower(strings.TrimSpace(errMsg))
	if len(normalized) > 512 {
		normalized = normalized[:512]
	}
	return hashString(normalized)
}

func retryDelay(jobID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := retryBaseDelay
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= retryMaxDelay {
			base = retryMaxDelay
			break
		}
	}
	if base > retryMaxDelay {
		base = retryMaxDelay
	}
	jitterMax := base / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	// Deterministic jitter keyed on job id and attempt so retries of the
	// same job do not synchronize across restarts.
	jitterHash := hashString(jobID + ":" + strconv.Itoa(attempt))
	jitterSource, _ := strconv.ParseUint(jitterHash[:min(len(jitterHash), 8)], 16, 64)
	jitter := time.Duration(int64(jitterSource % uint64(jitterMax)))
	delay := base + jitter
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// HandleJobFailure applies retry/backoff/dead-letter decisions for a
// RUNNING job. Repeated failures with the same error fingerprint are
// treated as a poison pill and dead-lettered before max attempts.
func (s *Store) HandleJobFailure(ctx context.Context, jobID, errMsg string) (FailureDecision, error) {
	var decision FailureDecision
	var threadID string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin handle failure tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			status          JobStatus
			attempt         int
			maxAttempts     int
			lastFingerprint string
			poisonCount     int
		)
		if err := tx.QueryRowContext(ctx, `
			SELECT status, attempt, max_attempts, COALESCE(last_error_fingerprint, ''), poison_count, thread_id
			FROM jobs
			WHERE id = ?;
		`, jobID).Scan(&status, &attempt, &maxAttempts, &lastFingerprint, &poisonCount, &threadID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sql.ErrNoRows
			}
			return fmt.Errorf("select job for failure handling: %w", err)
		}
		if status != JobStatusRunning {
			return sql.ErrNoRows
		}
		if maxAttempts <= 0 {
			maxAttempts = defaultMaxAttempts
		}

		nextAttempt := attempt + 1
		fingerprint := errorFingerprint(errMsg)
		nextPoison := 1
		if lastFingerprint != "" && lastFingerprint == fingerprint {
			nextPoison = poisonCount + 1
		}

		decision = FailureDecision{
			Attempt:          nextAttempt,
			MaxAttempts:      maxAttempts,
			ErrorFingerprint: fingerprint,
			PoisonCount:      nextPoison,
		}

		reasonCode := ReasonRetryAgentError
		moveToDeadLetter := false
		if nextPoison >= poisonThreshold {
			reasonCode = ReasonDeadLetterPoisonPill
			moveToDeadLetter = true
		}
		if nextAttempt >= maxAttempts {
			reasonCode = ReasonDeadLetterMaxAttempts
			moveToDeadLetter = true
		}
		decision.ReasonCode = reasonCode

		if moveToDeadLetter {
			ok, err := s.transitionJobTx(
				ctx,
				tx,
				jobID,
				[]JobStatus{JobStatusRunning},
				JobStatusFailed,
				"job.failed",
				fmt.Sprintf(`{"reason":"agent_error","reason_code":%q,"attempt":%d,"max_attempts":%d}`, reasonCode, nextAttempt, maxAttempts),
				nil,
				&errMsg,
			)
			if err != nil {
				return fmt.Errorf("transition to failed: %w", err)
			}
			if !ok {
				return sql.ErrNoRows
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE jobs
				SET
					attempt = ?,
					max_attempts = ?,
					last_error_code = ?,
					last_error_fingerprint = ?,
					poison_count = ?,
					lease_owner = NULL,
					lease_expires_at = NULL,
					updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, nextAttempt, maxAttempts, reasonCode, fingerprint, nextPoison, jobID, JobStatusFailed); err != nil {
				return fmt.Errorf("update failed metadata: %w", err)
			}
			ok, err = s.transitionJobTx(
				ctx,
				tx,
				jobID,
				[]JobStatus{JobStatusFailed},
				JobStatusDeadLetter,
				"job.dead_letter",
				fmt.Sprintf(`{"reason":"terminal_failure","reason_code":%q}`, reasonCode),
				nil,
				nil,
			)
			if err != nil {
				return fmt.Errorf("transition to dead_letter: %w", err)
			}
			if !ok {
				return sql.ErrNoRows
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit dead_letter tx: %w", err)
			}
			decision.Outcome = FailureOutcomeDeadLetter
			return nil
		}

		delay := retryDelay(jobID, nextAttempt)
		availableAt := time.Now().UTC().Add(delay)
		decision.Outcome = FailureOutcomeRetried
		decision.BackoffUntil = &availableAt

		ok, err := s.transitionJobTx(
			ctx,
			tx,
			jobID,
			[]JobStatus{JobStatusRunning},
			JobStatusRetryWait,
			"job.retry_wait",
			fmt.Sprintf(`{"reason":"retry_scheduled","reason_code":%q,"attempt":%d,"max_attempts":%d,"delay_ms":%d}`, reasonCode, nextAttempt, maxAttempts, delay.Milliseconds()),
			nil,
			&errMsg,
		)
		if err != nil {
			return fmt.Errorf("transition to retry_wait: %w", err)
		}
		if !ok {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET
				attempt = ?,
				max_attempts = ?,
				available_at = ?,
				last_error_code = ?,
				last_error_fingerprint = ?,
				poison_count = ?,
				lease_owner = NULL,
				lease_expires_at = NULL,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, nextAttempt, maxAttempts, availableAt, reasonCode, fingerprint, nextPoison, jobID, JobStatusRetryWait); err != nil {
			return fmt.Errorf("update retry metadata: %w", err)
		}
		ok, err = s.transitionJobTx(
			ctx,
			tx,
			jobID,
			[]JobStatus{JobStatusRetryWait},
			JobStatusQueued,
			"job.requeued",
			fmt.Sprintf(`{"reason":"ready_for_retry","reason_code":%q}`, reasonCode),
			nil,
			nil,
		)
		if err != nil {
			return fmt.Errorf("transition to queued after retry wait: %w", err)
		}
		if !ok {
			return sql.ErrNoRows
		}
		return tx.Commit()
	})
	if err != nil {
		return FailureDecision{}, err
	}

	if s.bus != nil {
		topic := bus.TopicJobRetrying
		if decision.Outcome == FailureOutcomeDeadLetter {
			topic = bus.TopicJobDeadLetter
		}
		s.bus.Publish(topic, bus.JobResultEvent{
			JobID:    jobID,
			ThreadID: threadID,
			Attempt:  decision.Attempt,
			Error:    errMsg,
		})
	}
	return decision, nil
}

func (s *Store) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin requeue expired leases tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id
		FROM jobs
		WHERE status IN (?, ?)
		  AND lease_expires_at IS NOT NULL
		  AND lease_expires_at <= CURRENT_TIMESTAMP;
	`, JobStatusClaimed, JobStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("query expired leases: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan expired lease job: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate expired lease jobs: %w", err)
	}

	var reclaimed int64
	for _, id := range ids {
		ok, err := s.transitionJobTx(
			ctx,
			tx,
			id,
			[]JobStatus{JobStatusClaimed, JobStatusRunning},
			JobStatusQueued,
			"job.lease_expired_requeued",
			`{"reason":"lease_expired"}`,
			nil,
			nil,
		)
		if err != nil {
			return 0, fmt.Errorf("requeue expired transition: %w", err)
		}
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, id, JobStatusQueued); err != nil {
			return 0, fmt.Errorf("clear lease after requeue: %w", err)
		}
		reclaimed++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit requeue expired leases tx: %w", err)
	}
	return reclaimed, nil
}

// RecoverInFlightJobs requeues every CLAIMED or RUNNING job regardless of
// lease age. Called once at startup, before workers spawn, when no live
// lease can exist. Attempts are preserved.
func (s *Store) RecoverInFlightJobs(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin recover tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM jobs WHERE status IN (?, ?);
	`, JobStatusClaimed, JobStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("query in-flight jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan in-flight job: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate in-flight jobs: %w", err)
	}

	var recovered int64
	for _, id := range ids {
		ok, err := s.transitionJobTx(
			ctx,
			tx,
			id,
			[]JobStatus{JobStatusClaimed, JobStatusRunning},
			JobStatusQueued,
			"job.recovered_requeued",
			`{"reason":"startup_recovery"}`,
			nil,
			nil,
		)
		if err != nil {
			return 0, fmt.Errorf("recover transition: %w", err)
		}
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, id, JobStatusQueued); err != nil {
			return 0, fmt.Errorf("clear lease after recovery: %w", err)
		}
		recovered++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit recover tx: %w", err)
	}
	return recovered, nil
}

// RequeueDeadLetter puts a dead-lettered job back on the queue with its
// attempt and poison counters reset. This is the manual intervention path;
// nothing leaves the dead letter set on its own.
func (s *Store) RequeueDeadLetter(ctx context.Context, jobID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin requeue dead letter tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := s.transitionJobTx(
		ctx,
		tx,
		jobID,
		[]JobStatus{JobStatusDeadLetter},
		JobStatusQueued,
		"job.requeued",
		`{"reason":"operator_requeue"}`,
		nil,
		nil,
	)
	if err != nil {
		return false, fmt.Errorf("requeue dead letter transition: %w", err)
	}
	if !ok {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET attempt = 0, poison_count = 0, last_error_fingerprint = NULL,
			available_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, jobID, JobStatusQueued); err != nil {
		return false, fmt.Errorf("reset counters on requeue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit requeue dead letter tx: %w", err)
	}
	return true, nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns("j")+`
		FROM jobs AS j
		WHERE j.id = ?;
	`, jobID)
	if err := scanJob(row.Scan, &job); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

func (s *Store) ListJobsByThread(ctx context.Context, threadID string, limit int) ([]Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns("j")+`
		FROM jobs AS j
		WHERE j.thread_id = ?
		ORDER BY j.created_at DESC, j.rowid DESC
		LIMIT ?;
	`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs by thread: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns("j")+`
		FROM jobs AS j
		WHERE j.status = ?
		ORDER BY j.updated_at DESC
		LIMIT ?;
	`, JobStatusDeadLetter, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]Job, error) {
	var out []Job
	for rows.Next() {
		var job Job
		if err := scanJob(rows.Scan, &job); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobs rows: %w", err)
	}
	return out, nil
}

func (s *Store) JobCounts(ctx context.Context) (queued, running int, err error) {
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs WHERE status=?;`, JobStatusQueued).Scan(&queued); err != nil {
		return 0, 0, fmt.Errorf("count queued: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs WHERE status IN (?, ?);`, JobStatusClaimed, JobStatusRunning).Scan(&running); err != nil {
		return 0, 0, fmt.Errorf("count running: %w", err)
	}
	return queued, running, nil
}

func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var queued int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs WHERE status=?;`, JobStatusQueued).Scan(&queued); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return queued, nil
}

type MetricsCounts struct {
	Queued        int `json:"queued_jobs"`
	Running       int `json:"running_jobs"`
	Succeeded     int `json:"succeeded_jobs"`
	DeadLetter    int `json:"dead_letter_jobs"`
	LeaseExpiries int `json:"lease_expiries"`
}

func (s *Store) JobMetricsCounts(ctx context.Context) (MetricsCounts, error) {
	var m MetricsCounts
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'QUEUED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('CLAIMED', 'RUNNING') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'SUCCEEDED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'DEAD_LETTER' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN lease_expires_at IS NOT NULL AND lease_expires_at <= CURRENT_TIMESTAMP AND status IN ('CLAIMED', 'RUNNING') THEN 1 ELSE 0 END), 0)
		FROM jobs;
	`)
	if err := row.Scan(&m.Queued, &m.Running, &m.Succeeded, &m.DeadLetter, &m.LeaseExpiries); err != nil {
		return m, fmt.Errorf("job metrics counts: %w", err)
	}
	return m, nil
}

// PruneJobs deletes terminal jobs beyond the newest keepLast, together
// with their events. In-flight and queued jobs are never pruned.
func (s *Store) PruneJobs(ctx context.Context, keepLast int) (int64, error) {
	if keepLast < 0 {
		keepLast = 0
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const prunable = `SELECT rowid FROM jobs
		WHERE status IN ('SUCCEEDED', 'FAILED', 'DEAD_LETTER')
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM job_events
		WHERE job_id IN (
			SELECT id FROM jobs
			WHERE status IN ('SUCCEEDED', 'FAILED', 'DEAD_LETTER')
			  AND rowid NOT IN (`+prunable+`)
		);
	`, keepLast); err != nil {
		return 0, fmt.Errorf("prune job events: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('SUCCEEDED', 'FAILED', 'DEAD_LETTER')
		  AND rowid NOT IN (`+prunable+`);
	`, keepLast)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune tx: %w", err)
	}
	return pruned, nil
}

func (s *Store) ListJobEvents(ctx context.Context, jobID string, limit int) ([]JobEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, job_id, thread_id, COALESCE(trace_id, ''), event_type,
			COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM job_events
		WHERE job_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	defer rows.Close()

	var out []JobEvent
	for rows.Next() {
		var ev JobEvent
		if err := rows.Scan(&ev.EventID, &ev.JobID, &ev.ThreadID, &ev.TraceID, &ev.EventType,
			&ev.StateFrom, &ev.StateTo, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job events rows: %w", err)
	}
	return out, nil
}

// Package engine is the relay core: the submit pipeline that turns an
// inbound chat message into a durable job, and the worker pool that claims
// those jobs, spawns the CLI agent, and persists the outcome.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"

	"github.com/basket/go-relay/internal/admission"
	"github.com/basket/go-relay/internal/agent"
	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/config"
	"github.com/basket/go-relay/internal/otel"
	"github.com/basket/go-relay/internal/persistence"
	"github.com/basket/go-relay/internal/shared"
	"github.com/basket/go-relay/internal/tokenutil"
)

// leaseHeartbeatInterval is how often a worker extends its claim on the job
// it is running. Leases expire after 30s server-side, so three missed beats
// hand the job to the janitor.
const leaseHeartbeatInterval = 10 * time.Second

// Config tunes the engine. Zero values fall back to defaults in New.
type Config struct {
	WorkerCount         int
	PollInterval        time.Duration
	JobTimeout          time.Duration
	MaxAttempts         int // 0 = store default
	MaxQueueDepth       int // 0 = unlimited
	MaxConcurrentSpawns int // 0 = unbounded
	SystemPrompt        string
	WorkingDir          string
	Bus                 *bus.Bus
	Metrics             *otel.Metrics
	Tracer              trace.Tracer
}

// Runner executes one agent turn. *agent.FallbackRunner is the production
// implementation; tests substitute scripted runners.
type Runner interface {
	Backend() string
	Run(ctx context.Context, req agent.SpawnRequest) (agent.RunResult, error)
}

// Status is a point-in-time snapshot for the ops surface.
type Status struct {
	Backend     string `json:"backend"`
	WorkerCount int    `json:"worker_count"`
	ActiveJobs  int32  `json:"active_jobs"`
	LastError   string `json:"last_error,omitempty"`
}

type Engine struct {
	store    *persistence.Store
	runner   Runner
	limiter  *admission.Limiter
	gate     *Gate
	config   Config
	bus      *bus.Bus
	metrics  *otel.Metrics
	tracer   trace.Tracer
	spawnSem *semaphore.Weighted // nil when spawns are unbounded

	once sync.Once
	wg   sync.WaitGroup

	activeJobs atomic.Int32
	lastError  atomic.Pointer[string]
}

func New(store *persistence.Store, runner Runner, limiter *admission.Limiter, gate *Gate, cfg Config) *Engine {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	if cfg.Metrics == nil {
		cfg.Metrics, _ = otel.NewMetrics(noop.NewMeterProvider().Meter(otel.MeterName))
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if limiter == nil {
		limiter = admission.NewLimiter(config.RateLimitConfig{})
	}
	if gate == nil {
		gate = NewGate(config.LimitsConfig{})
	}
	var sem *semaphore.Weighted
	if cfg.MaxConcurrentSpawns > 0 {
		sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentSpawns))
	}
	return &Engine{
		store:    store,
		runner:   runner,
		limiter:  limiter,
		gate:     gate,
		config:   cfg,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		spawnSem: sem,
	}
}

func (e *Engine) Start(ctx context.Context) {
	e.once.Do(func() {
		n, recErr := e.store.RecoverInFlightJobs(ctx)
		if recErr != nil {
			slog.Error("job recovery failed", "error", recErr)
		} else if n > 0 {
			slog.Info("recovered in-flight jobs on startup", "count", n)
		}
		for i := 0; i < e.config.WorkerCount; i++ {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.worker(ctx)
			}()
		}
		slog.Info("engine started",
			"workers", e.config.WorkerCount,
			"backend", e.runner.Backend(),
			"poll_interval", e.config.PollInterval,
			"job_timeout", e.config.JobTimeout)
	})
}

func (e *Engine) Wait() {
	e.wg.Wait()
}

// Drain gracefully stops the engine: waits for active jobs to finish within
// the given timeout. Jobs still in flight after the timeout keep their
// leases and are requeued by RecoverInFlightJobs on the next startup.
func (e *Engine) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("engine drained cleanly")
	case <-time.After(timeout):
		slog.Warn("engine drain timeout; in-flight jobs recover on next startup", "timeout", timeout)
	}
}

func (e *Engine) worker(ctx context.Context) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, err := e.store.RequeueExpiredLeases(ctx); err != nil {
			e.setLastError(fmt.Errorf("requeue expired leases: %w", err))
		}

		job, err := e.store.ClaimNextJob(ctx)
		if err != nil {
			e.setLastError(err)
		}
		if err != nil || job == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}
		if err := e.store.StartJobRun(ctx, job.ID, job.LeaseOwner); err != nil {
			e.setLastError(fmt.Errorf("start job run: %w", err))
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}
		job.Status = persistence.JobStatusRunning
		e.handleJob(ctx, *job)
	}
}

func (e *Engine) handleJob(ctx context.Context, job persistence.Job) {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	slog.Info("job processing",
		"job_id", job.ID, "thread_id", job.ThreadID,
		"attempt", job.Attempt, "resume", job.Resume, "trace_id", traceID)

	jobCtx, cancel := context.WithTimeout(ctx, e.config.JobTimeout)
	defer cancel()

	jobCtx, span := otel.StartSpan(jobCtx, e.tracer, "engine.job",
		otel.AttrJobID.String(job.ID),
		otel.AttrThreadID.String(job.ThreadID),
		otel.AttrBackend.String(e.runner.Backend()),
		otel.AttrAttempt.Int(job.Attempt),
		otel.AttrResume.Bool(job.Resume),
	)
	defer span.End()

	start := time.Now()
	e.activeJobs.Add(1)
	e.metrics.ActiveJobs.Add(jobCtx, 1)
	defer func() {
		e.activeJobs.Add(-1)
		e.metrics.ActiveJobs.Add(context.Background(), -1)
	}()

	go func() {
		beat := time.NewTicker(leaseHeartbeatInterval)
		defer beat.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-beat.C:
				ok, err := e.store.HeartbeatLease(context.Background(), job.ID, job.LeaseOwner)
				if err != nil {
					e.setLastError(fmt.Errorf("lease heartbeat: %w", err))
					continue
				}
				if !ok {
					e.setLastError(fmt.Errorf("lease heartbeat rejected for job %s", job.ID))
				}
			}
		}
	}()

	// The record's sessionId is authoritative at run time: an earlier job on
	// this thread may have folded in the backend's real id after this one
	// was enqueued. The enqueue-time resume flag stands.
	sessionID := job.SessionID
	workingDir := job.WorkingDir
	if rec, err := e.store.GetSessionRecord(jobCtx, job.ThreadID); err != nil {
		e.setLastError(fmt.Errorf("refresh session record: %w", err))
	} else if rec != nil {
		sessionID = rec.SessionID
		if rec.WorkingDir != "" {
			workingDir = rec.WorkingDir
		}
	}

	if e.spawnSem != nil {
		if err := e.spawnSem.Acquire(jobCtx, 1); err != nil {
			err = fmt.Errorf("acquire spawn slot: %w", err)
			e.setLastError(err)
			_, _ = e.store.HandleJobFailure(context.Background(), job.ID, err.Error())
			return
		}
	}
	req := agent.SpawnRequest{
		Prompt:       job.Prompt,
		SessionID:    sessionID,
		Resume:       job.Resume && sessionID != "",
		SystemPrompt: e.config.SystemPrompt,
		WorkingDir:   workingDir,
	}
	spawnStart := time.Now()
	res, runErr := e.runner.Run(jobCtx, req)
	if e.spawnSem != nil {
		e.spawnSem.Release(1)
	}
	e.metrics.SpawnDuration.Record(context.Background(), time.Since(spawnStart).Seconds())

	if runErr != nil {
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			runErr = fmt.Errorf("job timeout exceeded: %w", jobCtx.Err())
		}
		span.RecordError(runErr)
		e.failJob(job, runErr)
		return
	}

	// Invariant: never write a success result once the context has ended;
	// the spawned process may have been killed mid-output.
	if jobCtx.Err() != nil {
		err := fmt.Errorf("context ended before completion: %w", jobCtx.Err())
		span.RecordError(err)
		e.failJob(job, err)
		return
	}

	if res.Degraded {
		e.metrics.ParseDegradations.Add(context.Background(), 1)
	}
	if res.FellBack {
		e.metrics.FallbackRuns.Add(context.Background(), 1)
		span.SetAttributes(otel.AttrFellBack.Bool(true))
	}
	if err := e.store.CompleteJob(context.Background(), job.ID, res.Output, res.SessionID, res.FellBack); err != nil {
		e.setLastError(fmt.Errorf("complete job: %w", err))
		return
	}
	est := tokenutil.Estimate(res.Output)
	e.metrics.JobsCompleted.Add(context.Background(), 1)
	e.metrics.JobDuration.Record(context.Background(), time.Since(start).Seconds())
	e.metrics.ReplyTokens.Add(context.Background(), int64(est))
	slog.Info("job succeeded",
		"job_id", job.ID, "thread_id", job.ThreadID, "session_id", res.SessionID,
		"fell_back", res.FellBack, "reply_tokens", est, "duration", time.Since(start))
}

// failJob records a failed attempt and lets the queue's retry policy decide
// between a backoff requeue and the dead letter set.
func (e *Engine) failJob(job persistence.Job, runErr error) {
	e.setLastError(runErr)
	decision, err := e.store.HandleJobFailure(context.Background(), job.ID, runErr.Error())
	if err != nil {
		e.setLastError(fmt.Errorf("record job failure: %w", err))
		return
	}
	switch decision.Outcome {
	case persistence.FailureOutcomeRetried:
		e.metrics.JobsRetried.Add(context.Background(), 1)
		slog.Warn("job attempt failed, retrying",
			"job_id", job.ID, "thread_id", job.ThreadID,
			"attempt", decision.Attempt, "max_attempts", decision.MaxAttempts,
			"backoff_until", decision.BackoffUntil, "reason", decision.ReasonCode,
			"error", runErr)
	case persistence.FailureOutcomeDeadLetter:
		e.metrics.JobsDeadLettered.Add(context.Background(), 1)
		slog.Error("job dead-lettered",
			"job_id", job.ID, "thread_id", job.ThreadID,
			"attempt", decision.Attempt, "reason", decision.ReasonCode,
			"error", runErr)
	}
}

// publishEvent publishes a lifecycle event on the bus if one is configured.
func (e *Engine) publishEvent(topic string, payload any) {
	if e.bus != nil {
		e.bus.Publish(topic, payload)
	}
}

func (e *Engine) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	e.lastError.Store(&msg)
}

func (e *Engine) Status() Status {
	s := Status{
		Backend:     e.runner.Backend(),
		WorkerCount: e.config.WorkerCount,
		ActiveJobs:  e.activeJobs.Load(),
	}
	if p := e.lastError.Load(); p != nil {
		s.LastError = *p
	}
	return s
}

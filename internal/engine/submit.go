package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/basket/go-relay/internal/audit"
	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/otel"
	"github.com/basket/go-relay/internal/persistence"
)

// Inbound is one message arriving from a channel.
type Inbound struct {
	ThreadID string
	AuthorID string
	Content  string
}

// SubmitOutcome says what happened to an admitted message.
type SubmitOutcome string

const (
	// SubmitQueued means a job was enqueued for the worker pool.
	SubmitQueued SubmitOutcome = "queued"
	// SubmitHeld means the thread is paused and the message was stored for
	// later replay.
	SubmitHeld SubmitOutcome = "held"
)

// SubmitResult reports the outcome of one Submit call.
type SubmitResult struct {
	Outcome   SubmitOutcome
	JobID     string // set when Outcome is SubmitQueued
	SessionID string
	Resume    bool
}

// Submit runs the intake pipeline for one inbound message: admission, pause
// gate, session resolution, turn/age limits, then enqueue. Every rejection
// happens before a job exists, so a denied message never consumes a queue
// attempt and never reaches the agent process.
func (e *Engine) Submit(ctx context.Context, in Inbound) (SubmitResult, error) {
	if in.ThreadID == "" {
		return SubmitResult{}, fmt.Errorf("submit: empty thread id")
	}
	if strings.TrimSpace(in.Content) == "" {
		return SubmitResult{}, fmt.Errorf("submit: empty content")
	}

	ctx, span := otel.StartSpan(ctx, e.tracer, "engine.submit",
		otel.AttrThreadID.String(in.ThreadID))
	defer span.End()

	if !e.limiter.Allow(in.AuthorID) {
		e.metrics.AdmissionRejects.Add(ctx, 1)
		audit.RecordCtx(ctx, "submit.denied", in.ThreadID, in.AuthorID, "admission window exhausted")
		return SubmitResult{}, fmt.Errorf("user %s: %w", in.AuthorID, ErrRateLimited)
	}

	pause, err := e.store.GetPause(ctx, in.ThreadID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("check pause state: %w", err)
	}
	if pause != nil {
		if err := e.store.AppendHeldMessage(ctx, in.ThreadID, in.AuthorID, in.Content); err != nil {
			return SubmitResult{}, fmt.Errorf("hold message: %w", err)
		}
		slog.Debug("message held on paused thread", "thread_id", in.ThreadID, "author_id", in.AuthorID)
		return SubmitResult{Outcome: SubmitHeld}, nil
	}

	if e.config.MaxQueueDepth > 0 {
		depth, err := e.store.QueueDepth(ctx)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("check queue depth: %w", err)
		}
		if depth >= e.config.MaxQueueDepth {
			slog.Warn("queue backpressure applied", "depth", depth, "max", e.config.MaxQueueDepth)
			return SubmitResult{}, ErrQueueSaturated
		}
	}

	rec, err := e.store.GetSessionRecord(ctx, in.ThreadID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("load session record: %w", err)
	}
	resume := true
	if rec == nil {
		fresh := uuid.NewString()
		rec, err = e.store.CreateSessionRecord(ctx, in.ThreadID, fresh, e.config.WorkingDir)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("create session record: %w", err)
		}
		// A concurrent submit may have won the insert; resuming its session
		// is then the correct move.
		resume = rec.SessionID != fresh
	}

	if err := e.gate.CheckAndCount(in.ThreadID, rec.TurnCount, rec.CreatedAt); err != nil {
		audit.RecordCtx(ctx, "submit.denied", in.ThreadID, in.AuthorID, err.Error())
		return SubmitResult{}, err
	}

	jobID, err := e.store.CreateJob(ctx, persistence.NewJob{
		ThreadID:    in.ThreadID,
		UserID:      in.AuthorID,
		Prompt:      in.Content,
		SessionID:   rec.SessionID,
		Resume:      resume,
		WorkingDir:  rec.WorkingDir,
		MaxAttempts: e.config.MaxAttempts,
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("enqueue job: %w", err)
	}
	span.SetAttributes(otel.AttrJobID.String(jobID), otel.AttrResume.Bool(resume))
	e.publishEvent(bus.TopicJobEnqueued, bus.JobStateChangedEvent{
		JobID:     jobID,
		ThreadID:  in.ThreadID,
		NewStatus: string(persistence.JobStatusQueued),
	})
	slog.Info("job enqueued",
		"job_id", jobID, "thread_id", in.ThreadID,
		"session_id", rec.SessionID, "resume", resume)
	return SubmitResult{Outcome: SubmitQueued, JobID: jobID, SessionID: rec.SessionID, Resume: resume}, nil
}

// Pause flags the thread so subsequent submits are held instead of queued.
// Returns false when the thread was already paused.
func (e *Engine) Pause(ctx context.Context, threadID, by string) (bool, error) {
	applied, err := e.store.SetPause(ctx, threadID, by)
	if err != nil {
		return false, err
	}
	if applied {
		audit.RecordCtx(ctx, "thread.pause", threadID, by, "")
		e.publishEvent(bus.TopicThreadPaused, bus.ThreadPauseEvent{ThreadID: threadID, By: by})
		slog.Info("thread paused", "thread_id", threadID, "by", by)
	}
	return applied, nil
}

// Resume clears the pause flag and returns every held message in arrival
// order, exactly once. Resuming an unpaused thread yields an empty batch.
func (e *Engine) Resume(ctx context.Context, threadID string) ([]persistence.HeldMessage, error) {
	held, wasPaused, err := e.store.ResumeThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !wasPaused {
		return nil, nil
	}
	audit.RecordCtx(ctx, "thread.resume", threadID, "", fmt.Sprintf("drained %d held", len(held)))
	e.publishEvent(bus.TopicThreadResumed, bus.ThreadPauseEvent{ThreadID: threadID, Held: len(held)})
	if len(held) > 0 {
		e.metrics.HeldDrains.Add(ctx, int64(len(held)))
	}
	slog.Info("thread resumed", "thread_id", threadID, "held", len(held))
	return held, nil
}

// ResetSession discards the thread's session record and in-memory turn
// counter. The next submit starts a fresh conversation.
func (e *Engine) ResetSession(ctx context.Context, threadID string) (bool, error) {
	existed, err := e.store.ResetSessionRecord(ctx, threadID)
	if err != nil {
		return false, err
	}
	e.gate.Forget(threadID)
	if existed {
		audit.RecordCtx(ctx, "session.reset", threadID, "", "")
		slog.Info("session reset", "thread_id", threadID)
	}
	return existed, nil
}

// Package cron fires due schedules by submitting their prompts through the
// relay intake. Scheduled prompts pass the same pause and limit gates as any
// chat message, so a paused thread holds them instead of running them.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-relay/internal/config"
	"github.com/basket/go-relay/internal/engine"
	"github.com/basket/go-relay/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Submitter is the slice of the engine the scheduler uses.
type Submitter interface {
	Submit(ctx context.Context, in engine.Inbound) (engine.SubmitResult, error)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Store    *persistence.Store
	Relay    Submitter
	Location *time.Location // cron evaluation timezone; nil means time.Local
	Interval time.Duration  // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically queries the store for due schedules and submits a
// job for each one.
type Scheduler struct {
	store    *persistence.Store
	relay    Submitter
	loc      *time.Location
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		store:    cfg.Store,
		relay:    cfg.Relay,
		loc:      loc,
		interval: interval,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	slog.Info("cron scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	slog.Info("cron scheduler stopped")
}

// loop is the main scheduler loop. It ticks at the configured interval,
// queries for due schedules, and fires each one.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick queries for due schedules and fires each one.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		slog.Error("cron: failed to query due schedules", "error", err)
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

// fire submits the schedule's prompt and advances its run timestamps. The
// next run is computed before submitting so an unparsable expression cannot
// enqueue jobs on every tick.
func (s *Scheduler) fire(ctx context.Context, sched persistence.Schedule, now time.Time) {
	nextRun, err := NextRunTime(sched.CronExpr, now.In(s.loc))
	if err != nil {
		slog.Error("cron: invalid expression on stored schedule",
			"schedule_name", sched.Name,
			"cron_expr", sched.CronExpr,
			"error", err,
		)
		return
	}

	res, err := s.relay.Submit(ctx, engine.Inbound{
		ThreadID: sched.ThreadID,
		AuthorID: "cron:" + sched.Name,
		Content:  sched.Prompt,
	})
	switch {
	case errors.Is(err, engine.ErrTurnLimit) || errors.Is(err, engine.ErrSessionExpired):
		// The occurrence is skipped, not retried: the thread stays limited
		// until someone resets it, and the next tick would hit the same wall.
		slog.Warn("cron: scheduled prompt skipped by thread limits",
			"schedule_name", sched.Name,
			"thread_id", sched.ThreadID,
			"error", err,
		)
	case err != nil:
		// Transient failure; the schedule stays due and retries next tick.
		slog.Error("cron: schedule submit failed",
			"schedule_name", sched.Name,
			"thread_id", sched.ThreadID,
			"error", err,
		)
		return
	case res.Outcome == engine.SubmitHeld:
		slog.Info("cron: scheduled prompt held, thread is paused",
			"schedule_name", sched.Name,
			"thread_id", sched.ThreadID,
		)
	default:
		slog.Info("cron: schedule fired",
			"schedule_name", sched.Name,
			"thread_id", sched.ThreadID,
			"job_id", res.JobID,
			"next_run_at", nextRun,
		)
	}

	if err := s.store.UpdateScheduleRun(ctx, sched.ID, now, nextRun); err != nil {
		slog.Error("cron: failed to update schedule run",
			"schedule_name", sched.Name,
			"error", err,
		)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// SyncSchedules reconciles declared config schedules into the store and
// prunes rows whose config entry was removed. last_run_at survives the
// upsert, so a reload never re-fires a schedule that already ran.
func SyncSchedules(ctx context.Context, store *persistence.Store, declared []config.ScheduleConfig, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}
	names := make([]string, 0, len(declared))
	for _, sc := range declared {
		next, err := NextRunTime(sc.Cron, time.Now().In(loc))
		if err != nil {
			return fmt.Errorf("schedule %q: invalid cron expression %q: %w", sc.Name, sc.Cron, err)
		}
		threadID := sc.ThreadID
		if threadID == "" {
			threadID = "cron-" + sc.Name
		}
		if err := store.UpsertSchedule(ctx, persistence.Schedule{
			Name:      sc.Name,
			CronExpr:  sc.Cron,
			Prompt:    sc.Prompt,
			ThreadID:  threadID,
			Enabled:   sc.Enabled,
			NextRunAt: &next,
		}); err != nil {
			return err
		}
		names = append(names, sc.Name)
	}
	pruned, err := store.PruneSchedulesExcept(ctx, names)
	if err != nil {
		return err
	}
	if pruned > 0 {
		slog.Info("cron: pruned schedules removed from config", "count", pruned)
	}
	return nil
}

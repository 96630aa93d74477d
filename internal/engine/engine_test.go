package engine_test

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/go-relay/internal/agent"
	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/engine"
	"github.com/basket/go-relay/internal/persistence"
)

func openStoreForEngineTest(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gorelay.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func openStoreWithBus(t *testing.T) (*persistence.Store, *bus.Bus) {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gorelay.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, b
}

func newTestEngine(t *testing.T, store *persistence.Store, runner engine.Runner, cfg engine.Config) *engine.Engine {
	t.Helper()
	if cfg.WorkerCount == 0 {
		cfg.WorkerCount = 2
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.JobTimeout == 0 {
		cfg.JobTimeout = 5 * time.Second
	}
	return engine.New(store, runner, nil, nil, cfg)
}

func waitForJobStatus(t *testing.T, store *persistence.Store, jobID string, want persistence.JobStatus, timeout time.Duration) *persistence.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := store.GetJob(context.Background(), jobID)
		if err == nil && job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := store.GetJob(context.Background(), jobID)
	t.Fatalf("timed out waiting for job %s status %s, got %#v", jobID, want, job)
	return nil
}

type runnerOutcome struct {
	res agent.RunResult
	err error
}

// scriptedRunner plays back canned outcomes in call order (the last one
// repeats) and records every request it saw. With no outcomes it echoes the
// request's session id back with output "ok".
type scriptedRunner struct {
	mu       sync.Mutex
	outcomes []runnerOutcome
	calls    []agent.SpawnRequest
	delay    time.Duration
	active   atomic.Int32
	maxSeen  atomic.Int32
}

func (r *scriptedRunner) Backend() string { return "claude" }

func (r *scriptedRunner) Run(_ context.Context, req agent.SpawnRequest) (agent.RunResult, error) {
	cur := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		prev := r.maxSeen.Load()
		if cur <= prev || r.maxSeen.CompareAndSwap(prev, cur) {
			break
		}
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	if len(r.outcomes) == 0 {
		return agent.RunResult{SpawnResult: agent.SpawnResult{Output: "ok", SessionID: req.SessionID}}, nil
	}
	idx := len(r.calls) - 1
	if idx >= len(r.outcomes) {
		idx = len(r.outcomes) - 1
	}
	o := r.outcomes[idx]
	return o.res, o.err
}

func (r *scriptedRunner) requests() []agent.SpawnRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.SpawnRequest(nil), r.calls...)
}

func TestEngine_RunsJobToCompletion(t *testing.T) {
	store := openStoreForEngineTest(t)
	runner := &scriptedRunner{outcomes: []runnerOutcome{
		{res: agent.RunResult{SpawnResult: agent.SpawnResult{Output: "Hello!", SessionID: "sess-agent-1"}}},
	}}
	eng := newTestEngine(t, store, runner, engine.Config{})

	res, err := eng.Submit(context.Background(), engine.Inbound{ThreadID: "tg-100", AuthorID: "u1", Content: "hi"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Outcome != engine.SubmitQueued || res.Resume {
		t.Fatalf("first submit: want queued new session, got %+v", res)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(runCtx)

	job := waitForJobStatus(t, store, res.JobID, persistence.JobStatusSucceeded, 5*time.Second)
	if job.Result != "Hello!" {
		t.Fatalf("job result = %q, want %q", job.Result, "Hello!")
	}
	if job.FellBack {
		t.Fatalf("job marked fell_back on a clean run")
	}

	rec, err := store.GetSessionRecord(context.Background(), "tg-100")
	if err != nil || rec == nil {
		t.Fatalf("session record missing after success: rec=%v err=%v", rec, err)
	}
	if rec.SessionID != "sess-agent-1" {
		t.Fatalf("record session id = %q, want the agent-reported %q", rec.SessionID, "sess-agent-1")
	}
	if rec.TurnCount != 1 {
		t.Fatalf("turn count = %d, want 1", rec.TurnCount)
	}

	reqs := runner.requests()
	if len(reqs) != 1 {
		t.Fatalf("runner saw %d requests, want 1", len(reqs))
	}
	if reqs[0].Resume || reqs[0].Prompt != "hi" || reqs[0].SessionID != res.SessionID {
		t.Fatalf("unexpected spawn request %+v", reqs[0])
	}

	if st := eng.Status(); st.Backend != "claude" || st.WorkerCount != 2 {
		t.Fatalf("status = %+v", st)
	}
}

func TestEngine_FollowUpResumesSession(t *testing.T) {
	store := openStoreForEngineTest(t)
	runner := &scriptedRunner{outcomes: []runnerOutcome{
		{res: agent.RunResult{SpawnResult: agent.SpawnResult{Output: "Hello!", SessionID: "sess-agent-1"}}},
		{res: agent.RunResult{SpawnResult: agent.SpawnResult{Output: "Fine.", SessionID: "sess-agent-1"}}},
	}}
	eng := newTestEngine(t, store, runner, engine.Config{})

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(runCtx)

	first, err := eng.Submit(context.Background(), engine.Inbound{ThreadID: "tg-200", AuthorID: "u1", Content: "hi"})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	waitForJobStatus(t, store, first.JobID, persistence.JobStatusSucceeded, 5*time.Second)

	second, err := eng.Submit(context.Background(), engine.Inbound{ThreadID: "tg-200", AuthorID: "u1", Content: "how are you"})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if !second.Resume || second.SessionID != "sess-agent-1" {
		t.Fatalf("second submit should resume sess-agent-1, got %+v", second)
	}
	waitForJobStatus(t, store, second.JobID, persistence.JobStatusSucceeded, 5*time.Second)

	reqs := runner.requests()
	if len(reqs) != 2 {
		t.Fatalf("runner saw %d requests, want 2", len(reqs))
	}
	if !reqs[1].Resume || reqs[1].SessionID != "sess-agent-1" {
		t.Fatalf("follow-up spawn request should resume, got %+v", reqs[1])
	}

	rec, err := store.GetSessionRecord(context.Background(), "tg-200")
	if err != nil || rec == nil {
		t.Fatalf("session record: rec=%v err=%v", rec, err)
	}
	if rec.TurnCount != 2 {
		t.Fatalf("turn count = %d, want 2", rec.TurnCount)
	}
}

func TestEngine_RetriesThenDeadLetters(t *testing.T) {
	store, b := openStoreWithBus(t)
	sub := b.Subscribe("job.")
	t.Cleanup(func() { b.Unsubscribe(sub) })

	runner := &scriptedRunner{outcomes: []runnerOutcome{
		{err: &agent.ProcessError{Backend: "claude", ExitCode: 1, Stderr: "boom"}},
	}}
	eng := newTestEngine(t, store, runner, engine.Config{Bus: b})

	res, err := eng.Submit(context.Background(), engine.Inbound{ThreadID: "tg-300", AuthorID: "u1", Content: "hi"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(runCtx)

	// Three attempts with 1s and 2s backoffs in between.
	job := waitForJobStatus(t, store, res.JobID, persistence.JobStatusDeadLetter, 20*time.Second)
	if job.Attempt != 3 {
		t.Fatalf("dead-lettered after attempt %d, want 3", job.Attempt)
	}
	if job.LastErrorCode != persistence.ReasonDeadLetterMaxAttempts {
		t.Fatalf("last error code = %q, want %q", job.LastErrorCode, persistence.ReasonDeadLetterMaxAttempts)
	}
	if !strings.Contains(job.Error, "boom") {
		t.Fatalf("job error %q should carry the agent stderr", job.Error)
	}

	retrying, dead := 0, 0
drain:
	for {
		select {
		case ev := <-sub.Ch():
			switch ev.Topic {
			case bus.TopicJobRetrying:
				retrying++
			case bus.TopicJobDeadLetter:
				dead++
			}
		default:
			break drain
		}
	}
	if retrying != 2 || dead != 1 {
		t.Fatalf("events: retrying=%d dead=%d, want 2 and 1", retrying, dead)
	}
}

type scriptedSpawner struct {
	mu    sync.Mutex
	calls []agent.SpawnRequest
	fn    func(n int, req agent.SpawnRequest) (agent.SpawnResult, error)
}

func (s *scriptedSpawner) Backend() string { return "claude" }

func (s *scriptedSpawner) Spawn(_ context.Context, req agent.SpawnRequest) (agent.SpawnResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	n := len(s.calls)
	fn := s.fn
	s.mu.Unlock()
	return fn(n, req)
}

func (s *scriptedSpawner) requests() []agent.SpawnRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agent.SpawnRequest(nil), s.calls...)
}

func TestEngine_FallbackRecoversLostSession(t *testing.T) {
	store := openStoreForEngineTest(t)
	if _, err := store.CreateSessionRecord(context.Background(), "tg-400", "sess-old", ""); err != nil {
		t.Fatalf("seed session record: %v", err)
	}

	spawner := &scriptedSpawner{fn: func(n int, req agent.SpawnRequest) (agent.SpawnResult, error) {
		if n == 1 {
			return agent.SpawnResult{}, &agent.ProcessError{
				Backend: "claude", ExitCode: 1,
				Stderr: "Error: No conversation found with session ID sess-old",
			}
		}
		return agent.SpawnResult{Output: "recovered", SessionID: "sess-new"}, nil
	}}
	eng := newTestEngine(t, store, agent.NewFallbackRunner(spawner), engine.Config{})

	res, err := eng.Submit(context.Background(), engine.Inbound{ThreadID: "tg-400", AuthorID: "u1", Content: "hi again"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Resume || res.SessionID != "sess-old" {
		t.Fatalf("submit against an existing record should resume sess-old, got %+v", res)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(runCtx)

	job := waitForJobStatus(t, store, res.JobID, persistence.JobStatusSucceeded, 5*time.Second)
	if !job.FellBack || job.Result != "recovered" {
		t.Fatalf("job = %+v, want fell_back recovery with result %q", job, "recovered")
	}

	reqs := spawner.requests()
	if len(reqs) != 2 {
		t.Fatalf("spawner saw %d calls, want exactly 2", len(reqs))
	}
	if !reqs[0].Resume || reqs[0].SessionID != "sess-old" {
		t.Fatalf("first call should resume sess-old, got %+v", reqs[0])
	}
	if reqs[1].Resume || !reqs[1].Continue || reqs[1].SessionID != "" {
		t.Fatalf("fallback call should continue without a session id, got %+v", reqs[1])
	}

	rec, err := store.GetSessionRecord(context.Background(), "tg-400")
	if err != nil || rec == nil {
		t.Fatalf("session record: rec=%v err=%v", rec, err)
	}
	if rec.SessionID != "sess-new" {
		t.Fatalf("record session id = %q, want folded-in %q", rec.SessionID, "sess-new")
	}
}

func TestEngine_StartRecoversInFlightJobs(t *testing.T) {
	store := openStoreForEngineTest(t)
	ctx := context.Background()

	jobID, err := store.CreateJob(ctx, persistence.NewJob{ThreadID: "tg-500", Prompt: "hi"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	claimed, err := store.ClaimNextJob(ctx)
	if err != nil || claimed == nil || claimed.ID != jobID {
		t.Fatalf("claim: job=%v err=%v", claimed, err)
	}
	if err := store.StartJobRun(ctx, claimed.ID, claimed.LeaseOwner); err != nil {
		t.Fatalf("start run: %v", err)
	}
	// The process dies here; the lease is still live when it comes back.

	runner := &scriptedRunner{}
	eng := newTestEngine(t, store, runner, engine.Config{})
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(runCtx)

	job := waitForJobStatus(t, store, jobID, persistence.JobStatusSucceeded, 5*time.Second)
	if job.Result != "ok" {
		t.Fatalf("recovered job result = %q, want %q", job.Result, "ok")
	}
}

func TestEngine_NoSuccessWriteAfterShutdown(t *testing.T) {
	store := openStoreForEngineTest(t)
	runner := &scriptedRunner{delay: 500 * time.Millisecond}
	eng := newTestEngine(t, store, runner, engine.Config{WorkerCount: 1})

	res, err := eng.Submit(context.Background(), engine.Inbound{ThreadID: "tg-600", AuthorID: "u1", Content: "hi"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	eng.Start(runCtx)
	waitForJobStatus(t, store, res.JobID, persistence.JobStatusRunning, 2*time.Second)
	cancel()
	eng.Drain(2 * time.Second)

	job, err := store.GetJob(context.Background(), res.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status == persistence.JobStatusSucceeded {
		t.Fatalf("success written for a job whose context ended mid-run")
	}
	if job.Status != persistence.JobStatusQueued && job.Status != persistence.JobStatusRetryWait {
		t.Fatalf("job status = %s, want requeued for retry", job.Status)
	}
	if !strings.Contains(job.Error, "context ended") {
		t.Fatalf("job error = %q, want context-ended failure", job.Error)
	}
}

func TestEngine_BoundsConcurrentSpawns(t *testing.T) {
	store := openStoreForEngineTest(t)
	runner := &scriptedRunner{delay: 50 * time.Millisecond}
	eng := newTestEngine(t, store, runner, engine.Config{
		WorkerCount:         4,
		MaxConcurrentSpawns: 1,
	})

	var jobIDs []string
	for i := 0; i < 6; i++ {
		res, err := eng.Submit(context.Background(), engine.Inbound{
			ThreadID: fmt.Sprintf("tg-7%02d", i),
			AuthorID: "u1",
			Content:  "x",
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		jobIDs = append(jobIDs, res.JobID)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(runCtx)

	for _, id := range jobIDs {
		waitForJobStatus(t, store, id, persistence.JobStatusSucceeded, 10*time.Second)
	}
	if got := runner.maxSeen.Load(); got != 1 {
		t.Fatalf("observed %d concurrent spawns, want 1", got)
	}
}

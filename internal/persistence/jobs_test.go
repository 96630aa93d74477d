package persistence_test

import (
	"context"
	"testing"

	"github.com/basket/go-relay/internal/persistence"
)

func mustCreateJob(t *testing.T, store *persistence.Store, job persistence.NewJob) string {
	t.Helper()
	id, err := store.CreateJob(context.Background(), job)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return id
}

func claimAndStart(t *testing.T, store *persistence.Store) *persistence.Job {
	t.Helper()
	ctx := context.Background()
	job, err := store.ClaimNextJob(ctx)
	if err != nil {
		t.Fatalf("claim job: %v", err)
	}
	if job == nil {
		t.Fatalf("expected claimable job")
	}
	if err := store.StartJobRun(ctx, job.ID, job.LeaseOwner); err != nil {
		t.Fatalf("start run: %v", err)
	}
	return job
}

func TestStore_CreateAndClaimJob(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	jobID := mustCreateJob(t, store, persistence.NewJob{
		ThreadID:  "thread-1",
		UserID:    "user-1",
		Prompt:    "hello",
		SessionID: "sess-1",
		Resume:    true,
	})

	job, err := store.ClaimNextJob(ctx)
	if err != nil {
		t.Fatalf("claim job: %v", err)
	}
	if job == nil || job.ID != jobID {
		t.Fatalf("expected to claim %s, got %+v", jobID, job)
	}
	if job.Status != persistence.JobStatusClaimed {
		t.Fatalf("expected CLAIMED, got %s", job.Status)
	}
	if job.LeaseOwner == "" || job.LeaseExpiresAt == nil {
		t.Fatalf("expected lease fields set, got owner=%q expires=%v", job.LeaseOwner, job.LeaseExpiresAt)
	}
	if !job.Resume || job.SessionID != "sess-1" {
		t.Fatalf("expected resume snapshot preserved, got resume=%t session=%q", job.Resume, job.SessionID)
	}
}

func TestStore_ClaimReturnsNilWhenQueueEmpty(t *testing.T) {
	store, _ := openTestStore(t)

	job, err := store.ClaimNextJob(context.Background())
	if err != nil {
		t.Fatalf("claim on empty queue: %v", err)
	}
	if job != nil {
		t.Fatalf("expected nil job, got %+v", job)
	}
}

func TestStore_SameThreadJobsRunInOrder(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	first := mustCreateJob(t, store, persistence.NewJob{ThreadID: "thread-1", Prompt: "first"})
	second := mustCreateJob(t, store, persistence.NewJob{ThreadID: "thread-1", Prompt: "second"})
	other := mustCreateJob(t, store, persistence.NewJob{ThreadID: "thread-2", Prompt: "other"})

	claimed, err := store.ClaimNextJob(ctx)
	if err != nil {
		t.Fatalf("claim first: %v", err)
	}
	if claimed == nil || claimed.ID != first {
		t.Fatalf("expected first job of thread-1, got %+v", claimed)
	}

	// thread-1 is busy: its second job must wait, thread-2 is free to go.
	next, err := store.ClaimNextJob(ctx)
	if err != nil {
		t.Fatalf("claim while thread busy: %v", err)
	}
	if next == nil || next.ID != other {
		t.Fatalf("expected thread-2 job while thread-1 in flight, got %+v", next)
	}

	blocked, err := store.ClaimNextJob(ctx)
	if err != nil {
		t.Fatalf("claim with all threads busy: %v", err)
	}
	if blocked != nil {
		t.Fatalf("expected nil while both threads in flight, got %+v", blocked)
	}

	// Finish thread-1's first job; its second becomes claimable.
	if err := store.StartJobRun(ctx, claimed.ID, claimed.LeaseOwner); err != nil {
		t.Fatalf("start first: %v", err)
	}
	if err := store.CompleteJob(ctx, claimed.ID, "done", "sess-a", false); err != nil {
		t.Fatalf("complete first: %v", err)
	}

	after, err := store.ClaimNextJob(ctx)
	if err != nil {
		t.Fatalf("claim after completion: %v", err)
	}
	if after == nil || after.ID != second {
		t.Fatalf("expected second job of thread-1, got %+v", after)
	}
}

func TestStore_CompleteJobFoldsSessionAndTurnCount(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateSessionRecord(ctx, "thread-1", "sess-initial", "/work"); err != nil {
		t.Fatalf("create session record: %v", err)
	}

	mustCreateJob(t, store, persistence.NewJob{ThreadID: "thread-1", Prompt: "hi", SessionID: "sess-initial", Resume: true})
	job := claimAndStart(t, store)
	if err := store.CompleteJob(ctx, job.ID, "hello", "sess-new", false); err != nil {
		t.Fatalf("complete job: %v", err)
	}

	rec, err := store.GetSessionRecord(ctx, "thread-1")
	if err != nil {
		t.Fatalf("get session record: %v", err)
	}
	if rec == nil {
		t.Fatalf("expected session record")
	}
	if rec.SessionID != "sess-new" {
		t.Fatalf("expected session id folded to sess-new, got %q", rec.SessionID)
	}
	if rec.TurnCount != 1 {
		t.Fatalf("expected turn_count 1, got %d", rec.TurnCount)
	}

	// A run that reports no session id keeps the stored one.
	mustCreateJob(t, store, persistence.NewJob{ThreadID: "thread-1", Prompt: "again", SessionID: "sess-new", Resume: true})
	job = claimAndStart(t, store)
	if err := store.CompleteJob(ctx, job.ID, "again done", "", false); err != nil {
		t.Fatalf("complete second job: %v", err)
	}

	rec, err = store.GetSessionRecord(ctx, "thread-1")
	if err != nil {
		t.Fatalf("get session record: %v", err)
	}
	if rec.SessionID != "sess-new" {
		t.Fatalf("expected session id retained, got %q", rec.SessionID)
	}
	if rec.TurnCount != 2 {
		t.Fatalf("expected turn_count 2, got %d", rec.TurnCount)
	}

	got, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != persistence.JobStatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", got.Status)
	}
	if got.Result != "again done" {
		t.Fatalf("expected result stored, got %q", got.Result)
	}
	if got.LeaseOwner != "" || got.LeaseExpiresAt != nil {
		t.Fatalf("expected lease cleared, got owner=%q expires=%v", got.LeaseOwner, got.LeaseExpiresAt)
	}
}

func TestStore_CompleteJobRecreatesResetSession(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateSessionRecord(ctx, "thread-1", "sess-1", "/work"); err != nil {
		t.Fatalf("create session record: %v", err)
	}
	mustCreateJob(t, store, persistence.NewJob{ThreadID: "thread-1", Prompt: "hi", SessionID: "sess-1", Resume: true, WorkingDir: "/work"})
	job := claimAndStart(t, store)

	// Operator reset between start and completion.
	if _, err := store.ResetSessionRecord(ctx, "thread-1"); err != nil {
		t.Fatalf("reset session record: %v", err)
	}

	if err := store.CompleteJob(ctx, job.ID, "ok", "sess-2", false); err != nil {
		t.Fatalf("complete job: %v", err)
	}
	rec, err := store.GetSessionRecord(ctx, "thread-1")
	if err != nil {
		t.Fatalf("get session record: %v", err)
	}
	if rec == nil || rec.SessionID != "sess-2" || rec.TurnCount != 1 {
		t.Fatalf("expected recreated record with sess-2 turn 1, got %+v", rec)
	}
}

func TestStore_CompleteJobMarksFallback(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	mustCreateJob(t, store, persistence.NewJob{ThreadID: "thread-1", Prompt: "hi", SessionID: "stale", Resume: true})
	job := claimAndStart(t, store)
	if err := store.CompleteJob(ctx, job.ID, "recovered", "sess-fresh", true); err != nil {
		t.Fatalf("complete job: %v", err)
	}

	got, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if !got.FellBack {
		t.Fatalf("expected fell_back recorded")
	}
}

func TestStore_HandleJobFailureRetriesWithBackoff(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	jobID := mustCreateJob(t, store, persistence.NewJob{ThreadID: "thread-1", Prompt: "retry me"})
	claimAndStart(t, store)

	decision, err := store.HandleJobFailure(ctx, jobID, "temporary failure")
	if err != nil {
		t.Fatalf("handle job failure: %v", err)
	}
	if decision.Outcome != persistence.FailureOutcomeRetried {
		t.Fatalf("expected retry outcome, got %s", decision.Outcome)
	}
	if decision.BackoffUntil == nil {
		t.Fatalf("expected backoff timestamp")
	}
	if decision.ReasonCode != persistence.ReasonRetryAgentError {
		t.Fatalf("expected retry reason code, got %s", decision.ReasonCode)
	}

	got, err := store.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != persistence.JobStatusQueued {
		t.Fatalf("expected queued after retry scheduling, got %s", got.Status)
	}
	if got.Attempt != 1 {
		t.Fatalf("expected attempt=1, got %d", got.Attempt)
	}
	if !got.AvailableAt.After(got.CreatedAt) {
		t.Fatalf("expected backoff to push available_at forward, got %v", got.AvailableAt)
	}
}

func TestStore_HandleJobFailureMaxAttemptsToDeadLetter(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	jobID := mustCreateJob(t, store, persistence.NewJob{ThreadID: "thread-1", Prompt: "doomed"})

	errMsgs := []string{"first kind of failure", "second kind of failure", "third kind of failure"}
	for i, errMsg := range errMsgs {
		// Clear backoff from the previous round for a deterministic claim.
		if _, err := store.DB().ExecContext(ctx, `UPDATE jobs SET available_at = CURRENT_TIMESTAMP WHERE id = ?;`, jobID); err != nil {
			t.Fatalf("force available_at: %v", err)
		}
		claimAndStart(t, store)
		decision, err := store.HandleJobFailure(ctx, jobID, errMsg)
		if err != nil {
			t.Fatalf("handle failure %d: %v", i, err)
		}
		if i < len(errMsgs)-1 && decision.Outcome != persistence.FailureOutcomeRetried {
			t.Fatalf("expected retry on attempt %d, got %s", i+1, decision.Outcome)
		}
		if i == len(errMsgs)-1 {
			if decision.Outcome != persistence.FailureOutcomeDeadLetter {
				t.Fatalf("expected dead letter on final attempt, got %s", decision.Outcome)
			}
			if decision.ReasonCode != persistence.ReasonDeadLetterMaxAttempts {
				t.Fatalf("expected max-attempts reason, got %s", decision.ReasonCode)
			}
		}
	}

	got, err := store.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != persistence.JobStatusDeadLetter {
		t.Fatalf("expected DEAD_LETTER, got %s", got.Status)
	}
}

func TestStore_HandleJobFailurePoisonPillToDeadLetter(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	jobID := mustCreateJob(t, store, persistence.NewJob{ThreadID: "thread-1", Prompt: "poison"})
	// Raise max attempts so the poison-pill threshold triggers first.
	if _, err := store.DB().ExecContext(ctx, `UPDATE jobs SET max_attempts = 10 WHERE id = ?;`, jobID); err != nil {
		t.Fatalf("set max_attempts: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := store.DB().ExecContext(ctx, `UPDATE jobs SET available_at = CURRENT_TIMESTAMP WHERE id = ?;`, jobID); err != nil {
			t.Fatalf("force available_at: %v", err)
		}
		claimAndStart(t, store)
		decision, err := store.HandleJobFailure(ctx, jobID, "same deterministic failure")
		if err != nil {
			t.Fatalf("handle failure loop %d: %v", i, err)
		}
		if i < 2 && decision.Outcome != persistence.FailureOutcomeRetried {
			t.Fatalf("expected retry on loop %d, got %s", i, decision.Outcome)
		}
	}

	got, err := store.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != persistence.JobStatusDeadLetter {
		t.Fatalf("expected dead letter after poison threshold, got %s", got.Status)
	}
	if got.LastErrorCode != persistence.ReasonDeadLetterPoisonPill {
		t.Fatalf("expected poison reason code, got %q", got.LastErrorCode)
	}
}

func TestStore_RequeueExpiredLeases(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	jobID := mustCreateJob(t, store, persistence.NewJob{ThreadID: "thread-1", Prompt: "expire"})
	claimAndStart(t, store)

	// Force lease to be expired.
	if _, err := store.DB().ExecContext(ctx, `UPDATE jobs SET lease_expires_at = datetime('now', '-5 seconds') WHERE id = ?;`, jobID); err != nil {
		t.Fatalf("expire lease: %v", err)
	}

	reclaimed, err := store.RequeueExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("requeue expired leases: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed job, got %d", reclaimed)
	}
	got, err := store.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != persistence.JobStatusQueued {
		t.Fatalf("expected job QUEUED after reclaim, got %s", got.Status)
	}
	if got.LeaseOwner != "" || got.LeaseExpiresAt != nil {
		t.Fatalf("expected lease fields cleared, got owner=%q expires=%v", got.LeaseOwner, got.LeaseExpiresAt)
	}
}

func TestStore_RecoverInFlightJobsAtStartup(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	jobID := mustCreateJob(t, store, persistence.NewJob{ThreadID: "thread-1", Prompt: "crashed"})
	claimAndStart(t, store)

	recovered, err := store.RecoverInFlightJobs(ctx)
	if err != nil {
		t.Fatalf("recover in-flight jobs: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected 1 recovered job, got %d", recovered)
	}
	got, err := store.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != persistence.JobStatusQueued {
		t.Fatalf("expected QUEUED after recovery, got %s", got.Status)
	}
	if got.Attempt != 0 {
		t.Fatalf("expected attempt preserved at 0, got %d", got.Attempt)
	}
}

func TestStore_RequeueDeadLetterResetsCounters(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	jobID := mustCreateJob(t, store, persistence.NewJob{ThreadID: "thread-1", Prompt: "revive me"})
	for i := 0; i < 3; i++ {
		if _, err := store.DB().ExecContext(ctx, `UPDATE jobs SET available_at = CURRENT_TIMESTAMP WHERE id = ?;`, jobID); err != nil {
			t.Fatalf("force available_at: %v", err)
		}
		claimAndStart(t, store)
		if _, err := store.HandleJobFailure(ctx, jobID, "same deterministic failure"); err != nil {
			t.Fatalf("handle failure loop %d: %v", i, err)
		}
	}
	got, err := store.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != persistence.JobStatusDeadLetter {
		t.Fatalf("expected DEAD_LETTER before requeue, got %s", got.Status)
	}

	ok, err := store.RequeueDeadLetter(ctx, jobID)
	if err != nil {
		t.Fatalf("requeue dead letter: %v", err)
	}
	if !ok {
		t.Fatalf("expected requeue to apply")
	}
	got, err = store.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job after requeue: %v", err)
	}
	if got.Status != persistence.JobStatusQueued {
		t.Fatalf("expected QUEUED after requeue, got %s", got.Status)
	}
	if got.Attempt != 0 || got.PoisonCount != 0 {
		t.Fatalf("expected counters reset, got attempt=%d poison=%d", got.Attempt, got.PoisonCount)
	}

	ok, err = store.RequeueDeadLetter(ctx, jobID)
	if err != nil {
		t.Fatalf("second requeue: %v", err)
	}
	if ok {
		t.Fatalf("expected second requeue to be a no-op")
	}
}

func TestStore_CompleteJobOnlyWorksOnRunning(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	jobID := mustCreateJob(t, store, persistence.NewJob{ThreadID: "thread-1", Prompt: "still queued"})

	if err := store.CompleteJob(ctx, jobID, "nope", "", false); err == nil {
		t.Fatalf("expected error completing queued job")
	}
}

func TestStore_JobEventsWrittenForTransitions(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	jobID := mustCreateJob(t, store, persistence.NewJob{ThreadID: "thread-1", Prompt: "trace me"})
	job := claimAndStart(t, store)
	if err := store.CompleteJob(ctx, job.ID, "done", "sess-1", false); err != nil {
		t.Fatalf("complete job: %v", err)
	}

	events, err := store.ListJobEvents(ctx, jobID, 0)
	if err != nil {
		t.Fatalf("list job events: %v", err)
	}
	wantTypes := []string{"job.enqueued", "job.claimed", "job.running", "job.succeeded"}
	if len(events) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d: %+v", len(wantTypes), len(events), events)
	}
	for i, want := range wantTypes {
		if events[i].EventType != want {
			t.Fatalf("event %d: expected %s, got %s", i, want, events[i].EventType)
		}
	}
	if events[len(events)-1].StateTo != persistence.JobStatusSucceeded {
		t.Fatalf("expected final state SUCCEEDED, got %s", events[len(events)-1].StateTo)
	}
}

func TestStore_HeartbeatLeaseExtendsExpiry(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	mustCreateJob(t, store, persistence.NewJob{ThreadID: "thread-1", Prompt: "long running"})
	job := claimAndStart(t, store)

	ok, err := store.HeartbeatLease(ctx, job.ID, job.LeaseOwner)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !ok {
		t.Fatalf("expected heartbeat to apply")
	}

	ok, err = store.HeartbeatLease(ctx, job.ID, "not-the-owner")
	if err != nil {
		t.Fatalf("heartbeat wrong owner: %v", err)
	}
	if ok {
		t.Fatalf("expected heartbeat with wrong owner to be rejected")
	}
}

func TestStore_PruneJobsKeepsNewestTerminal(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id := mustCreateJob(t, store, persistence.NewJob{ThreadID: "thread-1", Prompt: "work"})
		job := claimAndStart(t, store)
		if job.ID != id {
			t.Fatalf("expected FIFO claim of %s, got %s", id, job.ID)
		}
		if err := store.CompleteJob(ctx, id, "ok", "", false); err != nil {
			t.Fatalf("complete job %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	queuedID := mustCreateJob(t, store, persistence.NewJob{ThreadID: "thread-1", Prompt: "still waiting"})

	pruned, err := store.PruneJobs(ctx, 2)
	if err != nil {
		t.Fatalf("prune jobs: %v", err)
	}
	if pruned != 3 {
		t.Fatalf("expected 3 pruned, got %d", pruned)
	}

	for i, id := range ids {
		got, err := store.GetJob(ctx, id)
		if err != nil {
			t.Fatalf("get job %d: %v", i, err)
		}
		if i < 3 && got != nil {
			t.Fatalf("expected job %d pruned, still present", i)
		}
		if i >= 3 && got == nil {
			t.Fatalf("expected job %d kept", i)
		}
	}

	// The queued job is untouched regardless of keepLast.
	got, err := store.GetJob(ctx, queuedID)
	if err != nil {
		t.Fatalf("get queued job: %v", err)
	}
	if got == nil || got.Status != persistence.JobStatusQueued {
		t.Fatalf("expected queued job preserved, got %+v", got)
	}
}

func TestStore_JobMetricsCounts(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	mustCreateJob(t, store, persistence.NewJob{ThreadID: "thread-1", Prompt: "a"})
	mustCreateJob(t, store, persistence.NewJob{ThreadID: "thread-2", Prompt: "b"})
	job := claimAndStart(t, store)
	if err := store.CompleteJob(ctx, job.ID, "ok", "", false); err != nil {
		t.Fatalf("complete: %v", err)
	}

	m, err := store.JobMetricsCounts(ctx)
	if err != nil {
		t.Fatalf("metrics counts: %v", err)
	}
	if m.Queued != 1 || m.Running != 0 || m.Succeeded != 1 {
		t.Fatalf("unexpected counts: %+v", m)
	}

	queued, running, err := store.JobCounts(ctx)
	if err != nil {
		t.Fatalf("job counts: %v", err)
	}
	if queued != 1 || running != 0 {
		t.Fatalf("expected 1 queued 0 running, got %d/%d", queued, running)
	}
}

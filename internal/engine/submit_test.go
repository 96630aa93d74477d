package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-relay/internal/admission"
	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/config"
	"github.com/basket/go-relay/internal/engine"
	"github.com/basket/go-relay/internal/persistence"
)

func TestSubmit_NewThreadGetsFreshSession(t *testing.T) {
	store := openStoreForEngineTest(t)
	eng := newTestEngine(t, store, &scriptedRunner{}, engine.Config{})

	res, err := eng.Submit(context.Background(), engine.Inbound{ThreadID: "tg-1", AuthorID: "u1", Content: "hello"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Outcome != engine.SubmitQueued {
		t.Fatalf("outcome = %s, want queued", res.Outcome)
	}
	if res.Resume {
		t.Fatalf("fresh thread submitted with resume=true")
	}
	if _, err := uuid.Parse(res.SessionID); err != nil {
		t.Fatalf("session id %q is not a uuid: %v", res.SessionID, err)
	}

	rec, err := store.GetSessionRecord(context.Background(), "tg-1")
	if err != nil || rec == nil {
		t.Fatalf("session record: rec=%v err=%v", rec, err)
	}
	if rec.SessionID != res.SessionID || rec.TurnCount != 0 {
		t.Fatalf("record = %+v, want session %s with zero turns", rec, res.SessionID)
	}

	job, err := store.GetJob(context.Background(), res.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != persistence.JobStatusQueued || job.Resume || job.SessionID != res.SessionID || job.Prompt != "hello" {
		t.Fatalf("queued job = %+v", job)
	}
}

func TestSubmit_ExistingRecordResumes(t *testing.T) {
	store := openStoreForEngineTest(t)
	if _, err := store.CreateSessionRecord(context.Background(), "tg-1", "sess-known", ""); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	eng := newTestEngine(t, store, &scriptedRunner{}, engine.Config{})

	res, err := eng.Submit(context.Background(), engine.Inbound{ThreadID: "tg-1", AuthorID: "u1", Content: "back again"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Resume || res.SessionID != "sess-known" {
		t.Fatalf("want resume of sess-known, got %+v", res)
	}

	job, err := store.GetJob(context.Background(), res.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if !job.Resume || job.SessionID != "sess-known" {
		t.Fatalf("queued job = %+v, want resume snapshot", job)
	}
}

func TestSubmit_RateLimitDenied(t *testing.T) {
	store := openStoreForEngineTest(t)
	limiter := admission.NewLimiter(config.RateLimitConfig{MaxRequests: 1, WindowMs: 60000})
	eng := engine.New(store, &scriptedRunner{}, limiter, nil, engine.Config{})

	if _, err := eng.Submit(context.Background(), engine.Inbound{ThreadID: "tg-1", AuthorID: "u1", Content: "one"}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := eng.Submit(context.Background(), engine.Inbound{ThreadID: "tg-1", AuthorID: "u1", Content: "two"})
	if !errors.Is(err, engine.ErrRateLimited) {
		t.Fatalf("second submit: want ErrRateLimited, got %v", err)
	}
	// Another author on the same thread is admitted; the window is per user.
	if _, err := eng.Submit(context.Background(), engine.Inbound{ThreadID: "tg-1", AuthorID: "u2", Content: "three"}); err != nil {
		t.Fatalf("other author: %v", err)
	}

	depth, err := store.QueueDepth(context.Background())
	if err != nil {
		t.Fatalf("queue depth: %v", err)
	}
	if depth != 2 {
		t.Fatalf("queue depth = %d, want 2 (denied submit must not enqueue)", depth)
	}
}

func TestSubmit_PauseHoldsAndResumeDrainsOnce(t *testing.T) {
	store, b := openStoreWithBus(t)
	eng := newTestEngine(t, store, &scriptedRunner{}, engine.Config{Bus: b})
	sub := b.Subscribe("thread.")
	t.Cleanup(func() { b.Unsubscribe(sub) })

	applied, err := eng.Pause(context.Background(), "tg-1", "admin")
	if err != nil || !applied {
		t.Fatalf("pause: applied=%v err=%v", applied, err)
	}
	applied, err = eng.Pause(context.Background(), "tg-1", "admin")
	if err != nil || applied {
		t.Fatalf("second pause should be a no-op, applied=%v err=%v", applied, err)
	}

	for i, content := range []string{"first", "second"} {
		res, err := eng.Submit(context.Background(), engine.Inbound{ThreadID: "tg-1", AuthorID: "u1", Content: content})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if res.Outcome != engine.SubmitHeld {
			t.Fatalf("submit %d outcome = %s, want held", i, res.Outcome)
		}
	}
	depth, err := store.QueueDepth(context.Background())
	if err != nil || depth != 0 {
		t.Fatalf("held messages reached the queue: depth=%d err=%v", depth, err)
	}

	held, err := eng.Resume(context.Background(), "tg-1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(held) != 2 || held[0].Content != "first" || held[1].Content != "second" {
		t.Fatalf("held batch = %+v, want [first second] in order", held)
	}

	again, err := eng.Resume(context.Background(), "tg-1")
	if err != nil {
		t.Fatalf("second resume: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second resume drained %d messages, want 0", len(again))
	}

	var paused, resumed int
drain:
	for {
		select {
		case ev := <-sub.Ch():
			switch ev.Topic {
			case bus.TopicThreadPaused:
				paused++
				if p := ev.Payload.(bus.ThreadPauseEvent); p.By != "admin" {
					t.Fatalf("paused event = %+v", p)
				}
			case bus.TopicThreadResumed:
				resumed++
				if p := ev.Payload.(bus.ThreadPauseEvent); p.Held != 2 {
					t.Fatalf("resumed event = %+v, want Held=2", p)
				}
			}
		default:
			break drain
		}
	}
	if paused != 1 || resumed != 1 {
		t.Fatalf("events: paused=%d resumed=%d, want 1 and 1", paused, resumed)
	}
}

func TestSubmit_TurnLimitRejectsBeforeEnqueue(t *testing.T) {
	store := openStoreForEngineTest(t)
	gate := engine.NewGate(config.LimitsConfig{MaxTurns: 3})
	eng := engine.New(store, &scriptedRunner{}, nil, gate, engine.Config{})

	for i := 0; i < 3; i++ {
		if _, err := eng.Submit(context.Background(), engine.Inbound{ThreadID: "tg-1", AuthorID: "u1", Content: "go"}); err != nil {
			t.Fatalf("submit %d: %v", i+1, err)
		}
	}
	_, err := eng.Submit(context.Background(), engine.Inbound{ThreadID: "tg-1", AuthorID: "u1", Content: "one too many"})
	if !errors.Is(err, engine.ErrTurnLimit) {
		t.Fatalf("4th submit: want ErrTurnLimit, got %v", err)
	}

	depth, err := store.QueueDepth(context.Background())
	if err != nil {
		t.Fatalf("queue depth: %v", err)
	}
	if depth != 3 {
		t.Fatalf("queue depth = %d, want 3 (rejected turn must not enqueue)", depth)
	}
}

func TestSubmit_QueueBackpressure(t *testing.T) {
	store := openStoreForEngineTest(t)
	eng := newTestEngine(t, store, &scriptedRunner{}, engine.Config{MaxQueueDepth: 2})

	for i, threadID := range []string{"tg-1", "tg-2"} {
		if _, err := eng.Submit(context.Background(), engine.Inbound{ThreadID: threadID, AuthorID: "u1", Content: "x"}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	_, err := eng.Submit(context.Background(), engine.Inbound{ThreadID: "tg-3", AuthorID: "u1", Content: "x"})
	if !errors.Is(err, engine.ErrQueueSaturated) {
		t.Fatalf("want ErrQueueSaturated, got %v", err)
	}
}

func TestSubmit_RejectsBlankInput(t *testing.T) {
	store := openStoreForEngineTest(t)
	eng := newTestEngine(t, store, &scriptedRunner{}, engine.Config{})

	if _, err := eng.Submit(context.Background(), engine.Inbound{ThreadID: "tg-1", AuthorID: "u1", Content: "  \n\t"}); err == nil {
		t.Fatalf("blank content accepted")
	}
	if _, err := eng.Submit(context.Background(), engine.Inbound{AuthorID: "u1", Content: "hi"}); err == nil {
		t.Fatalf("empty thread id accepted")
	}
}

func TestResetSession_NextSubmitStartsFresh(t *testing.T) {
	store := openStoreForEngineTest(t)
	eng := newTestEngine(t, store, &scriptedRunner{}, engine.Config{})

	first, err := eng.Submit(context.Background(), engine.Inbound{ThreadID: "tg-1", AuthorID: "u1", Content: "hi"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	existed, err := eng.ResetSession(context.Background(), "tg-1")
	if err != nil || !existed {
		t.Fatalf("reset: existed=%v err=%v", existed, err)
	}

	second, err := eng.Submit(context.Background(), engine.Inbound{ThreadID: "tg-1", AuthorID: "u1", Content: "hi again"})
	if err != nil {
		t.Fatalf("submit after reset: %v", err)
	}
	if second.Resume {
		t.Fatalf("submit after reset should start a new conversation")
	}
	if second.SessionID == first.SessionID {
		t.Fatalf("session id survived the reset: %s", second.SessionID)
	}

	existed, err = eng.ResetSession(context.Background(), "tg-never-seen")
	if err != nil || existed {
		t.Fatalf("reset of unknown thread: existed=%v err=%v", existed, err)
	}
}

func TestSubmit_WindowElapseReadmits(t *testing.T) {
	store := openStoreForEngineTest(t)
	limiter := admission.NewLimiter(config.RateLimitConfig{MaxRequests: 1, WindowMs: 150})
	eng := engine.New(store, &scriptedRunner{}, limiter, nil, engine.Config{})

	if _, err := eng.Submit(context.Background(), engine.Inbound{ThreadID: "tg-1", AuthorID: "u1", Content: "a"}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := eng.Submit(context.Background(), engine.Inbound{ThreadID: "tg-1", AuthorID: "u1", Content: "b"}); !errors.Is(err, engine.ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if _, err := eng.Submit(context.Background(), engine.Inbound{ThreadID: "tg-1", AuthorID: "u1", Content: "c"}); err != nil {
		t.Fatalf("submit after window elapsed: %v", err)
	}
}

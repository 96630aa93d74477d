package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// sessionGoneSignatures are the stderr fragments each backend emits when
// asked to resume a session it no longer has. Matched case-insensitively.
var sessionGoneSignatures = []string{
	"no conversation found",
	"session not found",
	"no session found",
}

// IsSessionGone reports whether err is a non-zero agent exit whose stderr
// names a missing session.
func IsSessionGone(err error) bool {
	var procErr *ProcessError
	if !errors.As(err, &procErr) || procErr.ExitCode == 0 {
		return false
	}
	stderr := strings.ToLower(procErr.Stderr)
	for _, sig := range sessionGoneSignatures {
		if strings.Contains(stderr, sig) {
			return true
		}
	}
	return false
}

// RunResult is a SpawnResult plus whether the reply came from the
// continue-most-recent fallback. A fallback reply can attach to the wrong
// session when several sessions share a working directory, so callers
// treat FellBack replies as lower confidence.
type RunResult struct {
	SpawnResult
	FellBack bool
}

// FallbackRunner wraps an Adapter with the resume fallback: when resuming
// a stored session fails because the backend lost it, the spawn is retried
// exactly once in continue-most-recent mode. The fallback result is final
// either way.
type FallbackRunner struct {
	adapter Adapter
}

func NewFallbackRunner(adapter Adapter) *FallbackRunner {
	return &FallbackRunner{adapter: adapter}
}

func (f *FallbackRunner) Backend() string { return f.adapter.Backend() }

// Run spawns the agent, falling back once if a resume hit a vanished
// session. Errors from a new-session spawn, non-session errors, and
// fallback errors all pass through untouched.
func (f *FallbackRunner) Run(ctx context.Context, req SpawnRequest) (RunResult, error) {
	out, err := f.adapter.Spawn(ctx, req)
	if err == nil || !req.Resume || !IsSessionGone(err) {
		return RunResult{SpawnResult: out}, err
	}

	slog.Warn("stored session vanished, continuing most recent session",
		"backend", f.adapter.Backend(),
		"session_id", req.SessionID,
		"working_dir", req.WorkingDir)

	retry := req
	retry.Resume = false
	retry.SessionID = ""
	retry.Continue = true

	out, err = f.adapter.Spawn(ctx, retry)
	if err != nil {
		return RunResult{FellBack: true}, err
	}
	return RunResult{SpawnResult: out, FellBack: true}, nil
}

package engine

import "errors"

// Submission can be refused before a job is ever created. Callers branch on
// these with errors.Is to pick a user-facing message; none of them consume a
// queue attempt or reach the agent process.
var (
	// ErrRateLimited means the author exhausted the per-user admission window.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrTurnLimit means the thread reached its configured turn ceiling.
	ErrTurnLimit = errors.New("turn limit reached")

	// ErrSessionExpired means the session outlived max_session_minutes.
	ErrSessionExpired = errors.New("session age limit reached")

	// ErrQueueSaturated is returned when the queue is at MaxQueueDepth.
	ErrQueueSaturated = errors.New("queue saturated: backpressure applied")
)

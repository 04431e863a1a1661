package job

import "errors"

var (
	// ErrNotFound is returned when no job (or execution) matches the id
	// within the caller's tenant.
	ErrNotFound = errors.New("job not found")

	// ErrDuplicate rejects creation when the idempotency key or the job
	// fingerprint collides inside the configured window.
	ErrDuplicate = errors.New("duplicate job")

	// ErrInvalidTransition rejects pause/resume/retry outside the legal
	// state machine edges.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTerminal rejects edits to completed or failed jobs.
	ErrTerminal = errors.New("job is in a terminal state")

	// ErrQueueUnavailable wraps queue backend failures surfaced to callers.
	ErrQueueUnavailable = errors.New("queue unavailable")
)

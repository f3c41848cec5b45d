package scheduler

import "context"

// Job is a unit of work run by the worker pool.
type Job interface {
	// Execute runs the job. It must return promptly once ctx is done.
	Execute(ctx context.Context) error

	// Key identifies what the job works on. The pool never runs or queues
	// two jobs with the same key at once.
	Key() string

	// Description is used in logs and spans.
	Description() string
}

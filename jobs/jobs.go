// Package jobs provides the durable background job contract and an in-memory
// queue that drives it. Jobs serialize to a canonical byte payload so pending
// work survives restarts.
package jobs

import "context"

type Job interface {
	// ID is stable across serialize/deserialize cycles.
	ID() string
	Execute(ctx context.Context) error
	// Serialize returns the payload a factory can rebuild the job from.
	Serialize() ([]byte, error)
	// MaxFailureCount bounds retries; a job that has failed this many times
	// fails permanently.
	MaxFailureCount() int
}

// Delegate observes job lifecycle transitions, typically to persist or delete
// the serialized payload.
type Delegate interface {
	JobSucceeded(job Job)
	JobFailed(job Job, err error)
	JobFailedPermanently(job Job, err error)
}

// PermanentError wraps an error a job should not be retried for.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Package job defines the unit of work accepted by the scheduler and the
// mutable envelope it travels in.
package job

import "context"

// Job is a user-supplied unit of work.
//
// A Job is immutable after construction: the scheduler reads its metadata
// once at submission and never writes to it. Ownership passes to the queue
// that stores it.
type Job interface {
	// Durable reports whether the job must survive process restarts.
	// Durable jobs are routed to the durable queue.
	Durable() bool

	// RequiresNetwork reports whether the job may only run while the
	// network gate reports connectivity.
	RequiresNetwork() bool

	// GroupID returns the job's mutual-exclusion group, or "" for none.
	// At most one job per non-empty group runs at a time.
	GroupID() string

	// OnAdded fires once, synchronously, inside Submit.
	OnAdded()

	// Run executes the job. A nil return removes the job; a non-nil
	// return requeues it for a later attempt (subject to RetryPolicy).
	Run(ctx context.Context) error
}

// RetryPolicy is an optional capability: a Job implementing it can put a
// ceiling on requeues. ShouldRetry is consulted after a failed run with
// the run count of the attempt that just failed.
type RetryPolicy interface {
	ShouldRetry(runCount int, err error) bool
}

// Cancelable is an optional capability: OnCancel fires when a failed job
// is removed instead of requeued (RetryPolicy said no).
type Cancelable interface {
	OnCancel()
}

// Encodable is required of jobs stored in a persistent queue backend.
// JobType names the constructor registered in a Registry; the job value
// itself is serialized as JSON.
type Encodable interface {
	Job
	JobType() string
}

// DefaultRetryLimit is the requeue ceiling Base applies when none is set.
const DefaultRetryLimit = 20

// Base supplies the metadata half of the Job contract so that job types
// only have to write Run. Embed it by value:
//
//	type uploadJob struct {
//		job.Base
//		Path string
//	}
//
// The zero value is a volatile, ungrouped, network-indifferent job with
// the default retry limit.
type Base struct {
	Persistent   bool   `json:"-"`
	NeedsNetwork bool   `json:"-"`
	Group        string `json:"-"`

	// RetryLimit caps total runs of a failing job. 0 means
	// DefaultRetryLimit; negative means retry forever.
	RetryLimit int `json:"-"`
}

func (b Base) Durable() bool         { return b.Persistent }
func (b Base) RequiresNetwork() bool { return b.NeedsNetwork }
func (b Base) GroupID() string       { return b.Group }
func (b Base) OnAdded()              {}

func (b Base) ShouldRetry(runCount int, err error) bool {
	limit := b.RetryLimit
	if limit == 0 {
		limit = DefaultRetryLimit
	}
	if limit < 0 {
		return true
	}
	return runCount < limit
}

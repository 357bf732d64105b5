package queue

import (
	"github.com/cuemby/forge/pkg/job"
	"github.com/cuemby/forge/pkg/types"
)

// Decision is a queue policy's verdict on a pending element
type Decision int

const (
	// DecisionWait keeps the element pending
	DecisionWait Decision = iota

	// DecisionReady admits the element for job harvest
	DecisionReady

	// DecisionSkip marks the element done without dispatching a job
	DecisionSkip
)

// Policy supplies the stage-specific behaviour of a queue: admission of
// pending elements and job allocation for ready ones.
type Policy interface {
	// Status decides what to do with a pending element.
	Status(types.Element) Decision

	// NewJob allocates the job processing an element. Returning nil skips
	// the element, marking it done without dispatch.
	NewJob(types.Element) job.Job
}

// Reserver grants and returns resource tokens. The scheduler attaches its
// resource manager to every queue before a run.
type Reserver interface {
	Reserve(requested, exclusive []types.ResourceKind) bool
	Release(kinds []types.ResourceKind)
}

// Queue is one ordered stage of the pipeline. Elements enter via Enqueue,
// are harvested into jobs when ready, and leave via Dequeue once done.
type Queue interface {
	// ActionName returns the stage's stable action name, e.g. "fetch".
	ActionName() string

	// Resources returns the resource kinds jobs of this queue hold.
	Resources() []types.ResourceKind

	// Attach hands the queue the reserver to draw tokens from.
	Attach(Reserver)

	// Enqueue accepts new elements into the pending set.
	Enqueue([]types.Element)

	// Dequeue returns the elements promoted to done since the last call,
	// for hand-off to the next queue.
	Dequeue() []types.Element

	// DequeueReady reports whether Dequeue would currently yield elements.
	DequeueReady() bool

	// HarvestJobs allocates jobs for ready elements, bounded by resource
	// availability.
	HarvestJobs() []job.Job

	// JobDone records the completion of a harvested job.
	JobDone(job.Job, job.Status)

	// FailedElements returns the done elements whose jobs failed.
	FailedElements() []types.Element
}

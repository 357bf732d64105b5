package job

import (
	"time"

	"github.com/cuemby/forge/pkg/types"
)

// Status represents the terminal state of a job
type Status string

const (
	StatusOK         Status = "ok"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
	StatusTerminated Status = "terminated"
)

// Result is delivered exactly once on the scheduler's completion channel
// when a job reaches a terminal state. CacheSize carries the payload of
// cache maintenance jobs and is -1 for everything else.
type Result struct {
	Job       Job
	Status    Status
	CacheSize int64
	Err       error
}

// Job is a unit of work dispatched by the scheduler. Start returns
// immediately; completion arrives as a Result on the provided channel.
// Suspension is best effort. The scheduler never retries a job.
type Job interface {
	// ActionName returns the stable action this job performs, e.g. "build".
	ActionName() string

	// Name returns the job's display name.
	Name() string

	// Element returns the element this job processes, or nil for
	// scheduler-internal jobs.
	Element() types.Element

	// Resources returns the resource kinds this job holds while running.
	Resources() []types.ResourceKind

	// ExclusiveResources returns the kinds this job holds exclusively.
	ExclusiveResources() []types.ResourceKind

	// Start begins execution and reports the terminal state on done.
	Start(done chan<- Result)

	// Suspend stops the underlying worker, best effort.
	Suspend()

	// Resume continues a suspended worker.
	Resume()

	// Terminate requests cooperative shutdown.
	Terminate()

	// TerminateWait blocks up to timeout and reports whether the job
	// has exited.
	TerminateWait(timeout time.Duration) bool

	// Kill forcibly ends the worker.
	Kill()
}

package queue

import (
	"github.com/cuemby/forge/pkg/job"
	"github.com/cuemby/forge/pkg/log"
	"github.com/cuemby/forge/pkg/metrics"
	"github.com/cuemby/forge/pkg/types"
	"github.com/rs/zerolog"
)

// Base implements the bookkeeping shared by every queue: the pending,
// ready and done element sets, in-flight tracking and resource accounting.
// The sets are disjoint and an element is a member of exactly one at a
// time. Stage behaviour is delegated to a Policy.
//
// Base is only touched from the scheduler loop and needs no locking.
type Base struct {
	action    string
	resources []types.ResourceKind
	policy    Policy
	reserver  Reserver
	logger    zerolog.Logger

	pending  []types.Element
	ready    []types.Element
	inFlight map[types.Element]bool
	done     []types.Element
	failed   []types.Element

	// done elements not yet handed to the next queue
	unfetched []types.Element
}

// NewBase creates the common queue state for a stage
func NewBase(action string, resources []types.ResourceKind, policy Policy) *Base {
	return &Base{
		action:    action,
		resources: resources,
		policy:    policy,
		logger:    log.WithQueue(action),
		inFlight:  make(map[types.Element]bool),
	}
}

func (b *Base) ActionName() string              { return b.action }
func (b *Base) Resources() []types.ResourceKind { return b.resources }

// Attach hands the queue its resource reserver
func (b *Base) Attach(r Reserver) {
	b.reserver = r
}

// Enqueue accepts new elements into the pending set, preserving
// submission order
func (b *Base) Enqueue(elements []types.Element) {
	b.pending = append(b.pending, elements...)
	b.observe()
}

// Dequeue drains the elements promoted to done since the last call
func (b *Base) Dequeue() []types.Element {
	out := b.unfetched
	b.unfetched = nil
	return out
}

// DequeueReady reports whether done elements are waiting to be dequeued
func (b *Base) DequeueReady() bool {
	return len(b.unfetched) > 0
}

// HarvestJobs admits pending elements per the queue policy and allocates
// jobs for as many ready elements as the reserver permits. Elements the
// policy skips are promoted straight to done. Harvest stops at the first
// reservation denial to preserve submission order; the scheduler retries
// on its next round.
func (b *Base) HarvestJobs() []job.Job {
	b.admit()

	var jobs []job.Job
	for len(b.ready) > 0 {
		if !b.reserver.Reserve(b.resources, nil) {
			break
		}

		element := b.ready[0]
		b.ready = b.ready[1:]

		j := b.policy.NewJob(element)
		if j == nil {
			// Nothing to do for this element, it is done already
			b.reserver.Release(b.resources)
			b.promote(element)
			continue
		}

		b.inFlight[element] = true
		jobs = append(jobs, j)
	}

	b.observe()
	return jobs
}

// JobDone records a harvested job's completion, releases its tokens and
// promotes or fails the element
func (b *Base) JobDone(j job.Job, status job.Status) {
	element := j.Element()
	if !b.inFlight[element] {
		b.logger.Error().Str("element", element.Name()).Msg("Completion for unknown element")
		return
	}
	delete(b.inFlight, element)
	b.reserver.Release(b.resources)

	switch status {
	case job.StatusFailed:
		b.done = append(b.done, element)
		b.failed = append(b.failed, element)
	case job.StatusTerminated:
		// Not a failure of the element, but it cannot move on either
		b.done = append(b.done, element)
	default:
		b.promote(element)
	}
	b.observe()
}

// FailedElements returns the done elements whose jobs failed
func (b *Base) FailedElements() []types.Element {
	return b.failed
}

// admit moves pending elements the policy accepts into the ready set
func (b *Base) admit() {
	var remaining []types.Element
	for _, element := range b.pending {
		switch b.policy.Status(element) {
		case DecisionReady:
			b.ready = append(b.ready, element)
		case DecisionSkip:
			b.promote(element)
		default:
			remaining = append(remaining, element)
		}
	}
	b.pending = remaining
}

// promote marks an element done and hands it to the next queue
func (b *Base) promote(element types.Element) {
	b.done = append(b.done, element)
	b.unfetched = append(b.unfetched, element)
}

func (b *Base) observe() {
	for state, count := range map[string]int{
		"pending":   len(b.pending),
		"ready":     len(b.ready),
		"in_flight": len(b.inFlight),
		"done":      len(b.done),
		"failed":    len(b.failed),
	} {
		metrics.QueueElements.WithLabelValues(b.action, state).Set(float64(count))
	}
}

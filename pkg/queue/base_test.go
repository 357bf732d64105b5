package queue

import (
	"os"
	"testing"

	"github.com/cuemby/forge/pkg/job"
	"github.com/cuemby/forge/pkg/log"
	"github.com/cuemby/forge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

type fakeElement struct {
	name string
}

func (e *fakeElement) Name() string     { return e.name }
func (e *fakeElement) UniqueID() uint64 { return 0 }

// fakeReserver grants a bounded number of reservations
type fakeReserver struct {
	free int
}

func (r *fakeReserver) Reserve(requested, exclusive []types.ResourceKind) bool {
	if r.free == 0 {
		return false
	}
	r.free--
	return true
}

func (r *fakeReserver) Release(kinds []types.ResourceKind) {
	r.free++
}

// fakePolicy admits elements per the decisions map and allocates inert jobs
type fakePolicy struct {
	decisions map[string]Decision
	noJob     map[string]bool
}

func (p *fakePolicy) Status(e types.Element) Decision {
	if d, ok := p.decisions[e.Name()]; ok {
		return d
	}
	return DecisionReady
}

func (p *fakePolicy) NewJob(e types.Element) job.Job {
	if p.noJob[e.Name()] {
		return nil
	}
	return job.NewFuncJob("test", e.Name(), e,
		[]types.ResourceKind{types.ResourceProcess}, nil, nil)
}

func elements(names ...string) []types.Element {
	out := make([]types.Element, len(names))
	for i, name := range names {
		out[i] = &fakeElement{name: name}
	}
	return out
}

func names(elements []types.Element) []string {
	out := make([]string, len(elements))
	for i, e := range elements {
		out[i] = e.Name()
	}
	return out
}

func newTestQueue(policy Policy, free int) *Base {
	b := NewBase("test", []types.ResourceKind{types.ResourceProcess}, policy)
	b.Attach(&fakeReserver{free: free})
	return b
}

func TestHarvestPreservesOrder(t *testing.T) {
	q := newTestQueue(&fakePolicy{}, 10)
	q.Enqueue(elements("a", "b", "c"))

	jobs := q.HarvestJobs()
	require.Len(t, jobs, 3)
	assert.Equal(t, "a", jobs[0].Name())
	assert.Equal(t, "b", jobs[1].Name())
	assert.Equal(t, "c", jobs[2].Name())
}

func TestHarvestBoundedByResources(t *testing.T) {
	tests := []struct {
		name     string
		free     int
		elements int
		expected int
	}{
		{name: "plenty", free: 5, elements: 3, expected: 3},
		{name: "contended", free: 2, elements: 5, expected: 2},
		{name: "exhausted", free: 0, elements: 4, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newTestQueue(&fakePolicy{}, tt.free)

			var names []string
			for i := 0; i < tt.elements; i++ {
				names = append(names, string(rune('a'+i)))
			}
			q.Enqueue(elements(names...))

			assert.Len(t, q.HarvestJobs(), tt.expected)
		})
	}
}

func TestHarvestRetriesAfterRelease(t *testing.T) {
	q := newTestQueue(&fakePolicy{}, 1)
	q.Enqueue(elements("a", "b"))

	jobs := q.HarvestJobs()
	require.Len(t, jobs, 1)

	// Completion releases the token; the next round harvests the rest
	q.JobDone(jobs[0], job.StatusOK)
	jobs = q.HarvestJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "b", jobs[0].Name())
}

func TestSkippedElementsPromoteWithoutJobs(t *testing.T) {
	policy := &fakePolicy{decisions: map[string]Decision{
		"skipped": DecisionSkip,
	}}
	q := newTestQueue(policy, 10)
	q.Enqueue(elements("skipped", "built"))

	jobs := q.HarvestJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "built", jobs[0].Name())

	// The skipped element is done already and ready for the next queue
	assert.True(t, q.DequeueReady())
	assert.Equal(t, []string{"skipped"}, names(q.Dequeue()))
	assert.Empty(t, q.FailedElements())
}

func TestWaitingElementsStayPending(t *testing.T) {
	policy := &fakePolicy{decisions: map[string]Decision{
		"waiting": DecisionWait,
	}}
	q := newTestQueue(policy, 10)
	q.Enqueue(elements("waiting"))

	assert.Empty(t, q.HarvestJobs())
	assert.False(t, q.DequeueReady())

	// Once the policy admits it, the element is harvested
	policy.decisions["waiting"] = DecisionReady
	assert.Len(t, q.HarvestJobs(), 1)
}

func TestNilJobSkipsElement(t *testing.T) {
	policy := &fakePolicy{noJob: map[string]bool{"empty": true}}
	q := newTestQueue(policy, 10)
	q.Enqueue(elements("empty"))

	assert.Empty(t, q.HarvestJobs())
	assert.Equal(t, []string{"empty"}, names(q.Dequeue()))
}

func TestFailedElementsDoNotPromote(t *testing.T) {
	q := newTestQueue(&fakePolicy{}, 10)
	q.Enqueue(elements("good", "bad"))

	jobs := q.HarvestJobs()
	require.Len(t, jobs, 2)

	q.JobDone(jobs[0], job.StatusOK)
	q.JobDone(jobs[1], job.StatusFailed)

	assert.Equal(t, []string{"good"}, names(q.Dequeue()))
	assert.Equal(t, []string{"bad"}, names(q.FailedElements()))
}

func TestTerminatedElementsNeitherFailNorPromote(t *testing.T) {
	q := newTestQueue(&fakePolicy{}, 10)
	q.Enqueue(elements("victim"))

	jobs := q.HarvestJobs()
	require.Len(t, jobs, 1)

	q.JobDone(jobs[0], job.StatusTerminated)
	assert.Empty(t, q.FailedElements())
	assert.Empty(t, q.Dequeue())
}

func TestDequeueDrains(t *testing.T) {
	q := newTestQueue(&fakePolicy{}, 10)
	q.Enqueue(elements("a"))

	jobs := q.HarvestJobs()
	require.Len(t, jobs, 1)
	q.JobDone(jobs[0], job.StatusOK)

	assert.Len(t, q.Dequeue(), 1)
	assert.Empty(t, q.Dequeue())
	assert.False(t, q.DequeueReady())
}

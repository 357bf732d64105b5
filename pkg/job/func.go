package job

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/forge/pkg/log"
	"github.com/cuemby/forge/pkg/metrics"
	"github.com/cuemby/forge/pkg/types"
	"github.com/rs/zerolog"
)

// Func is the work a FuncJob performs. The returned int64 is the cache
// size payload for cache maintenance jobs; other jobs return -1.
type Func func(ctx context.Context) (int64, error)

// FuncJob runs a function in a goroutine. Termination is delivered through
// context cancellation, so the function must return promptly once its
// context is done. Suspension is cooperative: a suspended job's function
// blocks the next time it calls CheckSuspended.
type FuncJob struct {
	action    string
	name      string
	element   types.Element
	resources []types.ResourceKind
	exclusive []types.ResourceKind
	fn        Func
	logger    zerolog.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	terminated atomic.Bool
	started    atomic.Bool
	exited     chan struct{}

	suspendMu sync.Mutex
	suspended bool
	resumeCh  chan struct{}
}

// NewFuncJob creates a job running fn under the given action and display
// name, holding the given resources. element may be nil for internal jobs.
func NewFuncJob(action, name string, element types.Element,
	res, excl []types.ResourceKind, fn Func) *FuncJob {

	ctx, cancel := context.WithCancel(context.Background())
	return &FuncJob{
		action:    action,
		name:      name,
		element:   element,
		resources: res,
		exclusive: excl,
		fn:        fn,
		logger:    log.WithJob(action, name),
		ctx:       ctx,
		cancel:    cancel,
		exited:    make(chan struct{}),
	}
}

func (j *FuncJob) ActionName() string                      { return j.action }
func (j *FuncJob) Name() string                            { return j.name }
func (j *FuncJob) Element() types.Element                  { return j.element }
func (j *FuncJob) Resources() []types.ResourceKind         { return j.resources }
func (j *FuncJob) ExclusiveResources() []types.ResourceKind { return j.exclusive }

// Start begins executing the job function
func (j *FuncJob) Start(done chan<- Result) {
	if !j.started.CompareAndSwap(false, true) {
		panic("job started twice")
	}

	timer := metrics.NewTimer()
	go func() {
		defer close(j.exited)

		size, err := j.fn(j.ctx)

		status := StatusOK
		switch {
		case j.terminated.Load() || j.ctx.Err() != nil:
			status = StatusTerminated
			err = nil
		case err != nil:
			status = StatusFailed
			j.logger.Error().Err(err).Msg("Job failed")
		}

		timer.ObserveDurationVec(metrics.JobDuration, j.action)
		done <- Result{Job: j, Status: status, CacheSize: size, Err: err}
	}()
}

// Suspend marks the job suspended. The job function observes this at its
// next CheckSuspended call.
func (j *FuncJob) Suspend() {
	j.suspendMu.Lock()
	defer j.suspendMu.Unlock()
	if j.suspended {
		return
	}
	j.suspended = true
	j.resumeCh = make(chan struct{})
}

// Resume unblocks a suspended job function
func (j *FuncJob) Resume() {
	j.suspendMu.Lock()
	defer j.suspendMu.Unlock()
	if !j.suspended {
		return
	}
	j.suspended = false
	close(j.resumeCh)
}

// CheckSuspended blocks while the job is suspended. Job functions call this
// at convenient checkpoints; it returns immediately when running normally
// and unblocks on Resume or termination.
func (j *FuncJob) CheckSuspended() {
	j.suspendMu.Lock()
	resumeCh := j.resumeCh
	suspended := j.suspended
	j.suspendMu.Unlock()

	if !suspended {
		return
	}
	select {
	case <-resumeCh:
	case <-j.ctx.Done():
	}
}

// Terminate requests cooperative shutdown via context cancellation
func (j *FuncJob) Terminate() {
	j.terminated.Store(true)
	j.cancel()
}

// TerminateWait blocks up to timeout for the job function to return
func (j *FuncJob) TerminateWait(timeout time.Duration) bool {
	select {
	case <-j.exited:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Kill cancels the context. A goroutine cannot be ended forcibly, so a
// function that ignores its context will leak; the scheduler has already
// given it the full termination budget by the time Kill is called.
func (j *FuncJob) Kill() {
	j.terminated.Store(true)
	j.cancel()
}

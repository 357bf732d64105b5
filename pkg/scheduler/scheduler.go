package scheduler

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/forge/pkg/job"
	"github.com/cuemby/forge/pkg/log"
	"github.com/cuemby/forge/pkg/metrics"
	"github.com/cuemby/forge/pkg/queue"
	"github.com/cuemby/forge/pkg/resources"
	"github.com/cuemby/forge/pkg/types"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// terminateBudget is the total time granted to all active jobs between
// Terminate and Kill during forced termination.
const terminateBudget = 20 * time.Second

// Callbacks report scheduler activity back to the owner. All callbacks
// fire on the scheduler loop goroutine; they must not block.
type Callbacks struct {
	// Interrupt handles ^C. When nil, SIGINT terminates all jobs.
	Interrupt func()

	// Tick fires once per second while the scheduler runs.
	Tick func()

	// JobStart fires before each job starts.
	JobStart func(job.Job)

	// JobComplete fires after each job completes, before the next
	// scheduling round.
	JobComplete func(job.Job, job.Status)
}

// Scheduler drives a pipeline of queues. Elements enter the first queue
// when Run is called and move into the next queue when complete; Run
// returns once no job is active and none can be started, which is after
// every element has traversed every queue or stopped at a failure, or on
// termination.
//
// All mutable state is owned by the loop goroutine inside Run. The public
// methods other than Run are intended to be called from owner callbacks,
// which themselves run on the loop.
type Scheduler struct {
	ctx       *Context
	callbacks Callbacks
	resources *resources.Manager
	logger    zerolog.Logger

	queues     []queue.Queue
	activeJobs []job.Job
	jobQueues  map[job.Job]queue.Queue

	doneCh chan job.Result
	sigCh  chan os.Signal

	terminated       bool
	pendingTerminate bool
	suspended        bool
	queueJobs        bool
	stopped          bool

	// Self-induced stop signals pending acknowledgement. Suspension of the
	// whole process group echoes one SIGTSTP back per increment; the signal
	// handler swallows those instead of re-suspending.
	internalStops int

	startTime   time.Time
	suspendTime time.Time

	cacheSizeScheduled bool
	cacheSizeExclusive bool
	cacheSizeRunning   job.Job
	cleanupScheduled   bool
	cleanupRunning     job.Job
}

// New creates a scheduler for one session
func New(ctx *Context, startTime time.Time, callbacks Callbacks) *Scheduler {
	return &Scheduler{
		ctx:       ctx,
		callbacks: callbacks,
		resources: resources.NewManager(ctx.Builders, ctx.Fetchers, ctx.Pushers),
		logger:    log.WithComponent("scheduler"),
		jobQueues: make(map[job.Job]queue.Queue),
		queueJobs: true,
		startTime: startTime,
	}
}

// Run processes every element through every queue in order and reports
// how the session ended. It blocks until all elements have been processed
// or the session is terminated.
func (s *Scheduler) Run(queues []queue.Queue) types.SchedStatus {
	s.queues = queues
	for _, q := range s.queues {
		q.Attach(s.resources)
	}

	// Completion results queue here until the loop collects them; size it
	// so no job goroutine ever blocks on delivery.
	s.doneCh = make(chan job.Result, s.ctx.Builders+s.ctx.Fetchers+s.ctx.Pushers+4)

	var tickC <-chan time.Time
	if s.callbacks.Tick != nil {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		tickC = ticker.C
	}

	s.connectSignals()
	defer s.disconnectSignals()

	// Check if we need to start with some cache maintenance
	s.checkCacheManagement()

	s.sched()

	for !s.stopped {
		if s.pendingTerminate {
			s.pendingTerminate = false
			s.terminateJobsReal()
		}

		select {
		case res := <-s.doneCh:
			s.jobCompleted(res)
		case sig := <-s.sigCh:
			s.handleSignal(sig)
		case <-tickC:
			s.callbacks.Tick()
		}
	}

	failed := lo.SomeBy(s.queues, func(q queue.Queue) bool {
		return len(q.FailedElements()) > 0
	})

	switch {
	case failed:
		return types.SchedError
	case s.terminated:
		return types.SchedTerminated
	default:
		return types.SchedSuccess
	}
}

// TerminateJobs forcefully terminates all ongoing jobs. The termination
// runs on the loop; Run returns TERMINATED once every job has exited.
//
// SIGINT is ignored from here on so that keystrokes cannot disrupt the
// graceful shutdown, and it stays ignored after Run returns.
func (s *Scheduler) TerminateJobs() {
	s.terminated = true
	s.pendingTerminate = true
	signal.Ignore(syscall.SIGINT)
}

// StopQueueing stops queueing additional jobs, causing Run to return once
// all currently processing jobs are finished.
func (s *Scheduler) StopQueueing() {
	s.queueJobs = false
}

// CheckCacheSize queues a cache size calculation job. After the size is
// calculated a cleanup job runs automatically if needed.
//
// This is expected to be called from a job completion callback or before
// entering the scheduler, so the next scheduling round picks it up; there
// is no need to drive one here.
func (s *Scheduler) CheckCacheSize() {
	s.cacheSizeScheduled = true
}

// JobsSuspended runs fn with all active jobs suspended and the signal
// handlers disconnected, typically for an interactive shell prompt.
func (s *Scheduler) JobsSuspended(fn func()) {
	s.disconnectSignals()
	s.suspendJobs()

	fn()

	s.resumeJobs()
	s.connectSignals()
}

// ElapsedTime returns the time since the start of the session, discounting
// any time spent while jobs were suspended.
func (s *Scheduler) ElapsedTime() time.Duration {
	return time.Since(s.startTime)
}

// Suspended reports whether the scheduler is currently suspended
func (s *Scheduler) Suspended() bool {
	return s.suspended
}

// Terminated reports whether the scheduler was asked to terminate
func (s *Scheduler) Terminated() bool {
	return s.terminated
}

// jobCompleted collects a job result, hands it to the owning queue and
// drives the next scheduling round
func (s *Scheduler) jobCompleted(res job.Result) {
	for i, j := range s.activeJobs {
		if j == res.Job {
			s.activeJobs = append(s.activeJobs[:i], s.activeJobs[i+1:]...)
			break
		}
	}
	metrics.ActiveJobs.Dec()
	metrics.JobsTotal.WithLabelValues(res.Job.ActionName(), string(res.Status)).Inc()

	switch res.Job {
	case s.cacheSizeRunning:
		s.cacheSizeJobComplete(res)
	case s.cleanupRunning:
		s.cleanupJobComplete(res)
	default:
		if q, ok := s.jobQueues[res.Job]; ok {
			delete(s.jobQueues, res.Job)
			q.JobDone(res.Job, res.Status)
		}
	}

	if s.callbacks.JobComplete != nil {
		s.callbacks.JobComplete(res.Job, res.Status)
	}

	s.sched()
}

// sched runs any jobs which are ready to run, or stops the loop when
// nothing is running or ready to run. It is the main driving function of
// the scheduler: it runs once on entering Run and again after every job
// completion.
func (s *Scheduler) sched() {
	if !s.terminated {
		s.schedCleanupJob()
		s.schedCacheSizeJob(false)
		s.schedQueueJobs()
	}

	metrics.SchedulingRounds.Inc()

	if len(s.activeJobs) == 0 {
		s.stopped = true
	}
}

// schedQueueJobs pulls elements forward through the queues and starts
// whatever jobs the queues can harvest with the available resources.
func (s *Scheduler) schedQueueJobs() {
	var ready []job.Job
	processQueues := true

	for s.queueJobs && processQueues {
		// Pull elements forward through queues
		var elements []types.Element
		for _, q := range s.queues {
			q.Enqueue(elements)
			elements = q.Dequeue()
		}

		// Harvest from the last queue first: when multiple queues share a
		// token type, later stages get priority. This avoids starvation
		// where a flood of early-stage work keeps late-stage elements from
		// ever making progress.
		for i := len(s.queues) - 1; i >= 0; i-- {
			q := s.queues[i]
			for _, j := range q.HarvestJobs() {
				s.jobQueues[j] = q
				ready = append(ready, j)
			}
		}

		// Harvesting may have skipped elements, promoting them as a side
		// effect. If so, do another round.
		processQueues = lo.SomeBy(s.queues, func(q queue.Queue) bool {
			return q.DequeueReady()
		})
	}

	for _, j := range ready {
		s.startJob(j)
	}
}

// startJob spawns a job
func (s *Scheduler) startJob(j job.Job) {
	s.activeJobs = append(s.activeJobs, j)
	metrics.ActiveJobs.Inc()
	if s.callbacks.JobStart != nil {
		s.callbacks.JobStart(j)
	}
	j.Start(s.doneCh)
}

// terminateJobsReal terminates every active job, grants the shared budget
// for them to exit and kills the stragglers
func (s *Scheduler) terminateJobsReal() {
	waitStart := time.Now()

	for _, j := range s.activeJobs {
		j.Terminate()
	}

	for _, j := range s.activeJobs {
		remaining := terminateBudget - time.Since(waitStart)
		if remaining < 0 {
			remaining = 0
		}
		if !j.TerminateWait(remaining) {
			s.logger.Warn().Str("job", j.Name()).Msg("Job did not terminate in time, killing")
			j.Kill()
		}
	}
}

// suspendJobs suspends all ongoing jobs
func (s *Scheduler) suspendJobs() {
	if s.suspended {
		return
	}
	s.suspendTime = time.Now()
	s.suspended = true
	for _, j := range s.activeJobs {
		j.Suspend()
	}
}

// resumeJobs resumes suspended jobs and compensates the session start time
// for the time spent stopped
func (s *Scheduler) resumeJobs() {
	if !s.suspended {
		return
	}
	for _, j := range s.activeJobs {
		j.Resume()
	}
	s.suspended = false
	s.startTime = s.startTime.Add(time.Since(s.suspendTime))
	s.suspendTime = time.Time{}
}

func (s *Scheduler) handleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGINT:
		s.interruptEvent()
	case syscall.SIGTERM:
		s.TerminateJobs()
	case syscall.SIGTSTP:
		s.suspendEvent()
	}
}

// interruptEvent handles a keyboard interrupt
func (s *Scheduler) interruptEvent() {
	// A second ^C can race termination; the first one wins.
	if s.terminated {
		return
	}

	// Leave the decision to the frontend when it asked for it, otherwise
	// the default is to terminate.
	if s.callbacks.Interrupt != nil {
		s.callbacks.Interrupt()
	} else {
		s.TerminateJobs()
	}
}

// suspendEvent handles SIGTSTP: suspend all jobs, stop the whole process
// group, then stop ourselves. Execution continues here when the user
// resumes the session, at which point the jobs are resumed as well.
func (s *Scheduler) suspendEvent() {
	// Ignore the feedback from our own process group stop below
	if s.internalStops > 0 {
		s.internalStops--
		return
	}

	s.suspendJobs()

	// Stopping the group delivers one SIGTSTP back to us
	s.internalStops++
	_ = syscall.Kill(0, syscall.SIGTSTP)
	_ = syscall.Kill(os.Getpid(), syscall.SIGSTOP)

	s.resumeJobs()
}

func (s *Scheduler) connectSignals() {
	s.sigCh = make(chan os.Signal, 8)
	signal.Notify(s.sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGTSTP)
}

func (s *Scheduler) disconnectSignals() {
	signal.Stop(s.sigCh)
}

package job

import (
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cuemby/forge/pkg/log"
	"github.com/cuemby/forge/pkg/metrics"
	"github.com/cuemby/forge/pkg/types"
	"github.com/rs/zerolog"
)

// CommandJob runs an external command as the job's worker process. The
// child runs in its own process group so that a terminal ^C against the
// frontend never reaches it; the scheduler alone controls its lifecycle,
// signalling the whole group with SIGSTOP/SIGCONT/SIGTERM/SIGKILL.
type CommandJob struct {
	action    string
	name      string
	element   types.Element
	resources []types.ResourceKind
	argv      []string
	dir       string
	logger    zerolog.Logger

	cmd        *exec.Cmd
	started    atomic.Bool
	terminated atomic.Bool
	exited     chan struct{}
}

// NewCommandJob creates a job that runs argv in dir for the given element
func NewCommandJob(action, name string, element types.Element,
	res []types.ResourceKind, argv []string, dir string) *CommandJob {

	return &CommandJob{
		action:    action,
		name:      name,
		element:   element,
		resources: res,
		argv:      argv,
		dir:       dir,
		logger:    log.WithJob(action, name),
		exited:    make(chan struct{}),
	}
}

func (j *CommandJob) ActionName() string                      { return j.action }
func (j *CommandJob) Name() string                            { return j.name }
func (j *CommandJob) Element() types.Element                  { return j.element }
func (j *CommandJob) Resources() []types.ResourceKind         { return j.resources }
func (j *CommandJob) ExclusiveResources() []types.ResourceKind { return nil }

// Start spawns the command and watches it until exit
func (j *CommandJob) Start(done chan<- Result) {
	if !j.started.CompareAndSwap(false, true) {
		panic("job started twice")
	}

	j.cmd = exec.Command(j.argv[0], j.argv[1:]...)
	j.cmd.Dir = j.dir
	// Own process group: the user's ^C is for the frontend, not the worker
	j.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	timer := metrics.NewTimer()
	if err := j.cmd.Start(); err != nil {
		j.logger.Error().Err(err).Msg("Failed to spawn job command")
		close(j.exited)
		done <- Result{Job: j, Status: StatusFailed, CacheSize: -1, Err: err}
		return
	}

	go func() {
		defer close(j.exited)

		err := j.cmd.Wait()

		status := StatusOK
		switch {
		case j.terminated.Load():
			status = StatusTerminated
			err = nil
		case err != nil:
			status = StatusFailed
			j.logger.Error().Err(err).Msg("Job command failed")
		}

		timer.ObserveDurationVec(metrics.JobDuration, j.action)
		done <- Result{Job: j, Status: status, CacheSize: -1, Err: err}
	}()
}

// Suspend stops the worker process group
func (j *CommandJob) Suspend() {
	j.signal(syscall.SIGSTOP)
}

// Resume continues a stopped worker process group
func (j *CommandJob) Resume() {
	j.signal(syscall.SIGCONT)
}

// Terminate requests cooperative shutdown of the worker process
func (j *CommandJob) Terminate() {
	j.terminated.Store(true)
	j.signal(syscall.SIGTERM)
}

// TerminateWait blocks up to timeout for the worker process to exit
func (j *CommandJob) TerminateWait(timeout time.Duration) bool {
	select {
	case <-j.exited:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Kill forcibly ends the worker process
func (j *CommandJob) Kill() {
	j.terminated.Store(true)
	j.signal(syscall.SIGKILL)
}

// signal delivers sig to the worker's whole process group, so children
// spawned by the command are reached as well
func (j *CommandJob) signal(sig syscall.Signal) {
	if j.cmd == nil || j.cmd.Process == nil {
		return
	}
	select {
	case <-j.exited:
		return
	default:
	}
	if err := syscall.Kill(-j.cmd.Process.Pid, sig); err != nil {
		j.logger.Debug().Err(err).Stringer("signal", sig).Msg("Failed to signal job command")
	}
}

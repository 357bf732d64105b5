package job

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/cuemby/forge/pkg/log"
	"github.com/cuemby/forge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

func collect(t *testing.T, done chan Result) Result {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job result")
		return Result{}
	}
}

func TestFuncJobStatuses(t *testing.T) {
	tests := []struct {
		name     string
		fn       Func
		expected Status
	}{
		{
			name:     "success",
			fn:       func(ctx context.Context) (int64, error) { return -1, nil },
			expected: StatusOK,
		},
		{
			name:     "failure",
			fn:       func(ctx context.Context) (int64, error) { return -1, errors.New("boom") },
			expected: StatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := NewFuncJob("test", tt.name, nil, nil, nil, tt.fn)
			done := make(chan Result, 1)
			j.Start(done)

			res := collect(t, done)
			assert.Equal(t, tt.expected, res.Status)
			assert.Same(t, j, res.Job)
		})
	}
}

func TestFuncJobCarriesCacheSize(t *testing.T) {
	j := NewFuncJob("size", "cache_size/cache_size", nil, nil, nil,
		func(ctx context.Context) (int64, error) { return 4096, nil })
	done := make(chan Result, 1)
	j.Start(done)

	res := collect(t, done)
	assert.Equal(t, int64(4096), res.CacheSize)
}

func TestFuncJobTerminate(t *testing.T) {
	j := NewFuncJob("test", "sleeper", nil, nil, nil,
		func(ctx context.Context) (int64, error) {
			<-ctx.Done()
			return -1, ctx.Err()
		})
	done := make(chan Result, 1)
	j.Start(done)

	j.Terminate()
	require.True(t, j.TerminateWait(5*time.Second))

	res := collect(t, done)
	assert.Equal(t, StatusTerminated, res.Status)
	assert.NoError(t, res.Err)
}

func TestFuncJobTerminateWaitTimesOut(t *testing.T) {
	blocked := make(chan struct{})
	j := NewFuncJob("test", "stuck", nil, nil, nil,
		func(ctx context.Context) (int64, error) {
			<-blocked
			return -1, nil
		})
	done := make(chan Result, 1)
	j.Start(done)

	assert.False(t, j.TerminateWait(20*time.Millisecond))
	close(blocked)
	collect(t, done)
}

func TestFuncJobSuspendResume(t *testing.T) {
	entered := make(chan struct{})
	j := NewFuncJob("test", "pausable", nil, nil, nil, nil)
	j.fn = func(ctx context.Context) (int64, error) {
		close(entered)
		j.CheckSuspended()
		return -1, nil
	}

	j.Suspend()
	done := make(chan Result, 1)
	j.Start(done)

	<-entered
	// Suspended: the function is parked inside CheckSuspended
	select {
	case <-done:
		t.Fatal("job completed while suspended")
	case <-time.After(50 * time.Millisecond):
	}

	j.Resume()
	res := collect(t, done)
	assert.Equal(t, StatusOK, res.Status)
}

func TestFuncJobStartTwicePanics(t *testing.T) {
	j := NewFuncJob("test", "once", nil, nil, nil,
		func(ctx context.Context) (int64, error) { return -1, nil })
	done := make(chan Result, 2)
	j.Start(done)

	assert.Panics(t, func() { j.Start(done) })
	collect(t, done)
}

func TestFuncJobResources(t *testing.T) {
	res := []types.ResourceKind{types.ResourceCache, types.ResourceProcess}
	excl := []types.ResourceKind{types.ResourceCache}
	j := NewFuncJob("clean", "cleanup/cleanup", nil, res, excl, nil)

	assert.Equal(t, "clean", j.ActionName())
	assert.Equal(t, res, j.Resources())
	assert.Equal(t, excl, j.ExclusiveResources())
	assert.Nil(t, j.Element())
}

func TestCommandJobSuccess(t *testing.T) {
	j := NewCommandJob("test", "true", nil, nil, []string{"true"}, "")
	done := make(chan Result, 1)
	j.Start(done)

	res := collect(t, done)
	assert.Equal(t, StatusOK, res.Status)
}

func TestCommandJobFailure(t *testing.T) {
	j := NewCommandJob("test", "false", nil, nil, []string{"false"}, "")
	done := make(chan Result, 1)
	j.Start(done)

	res := collect(t, done)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Error(t, res.Err)
}

func TestCommandJobSpawnFailure(t *testing.T) {
	j := NewCommandJob("test", "missing", nil, nil,
		[]string{"/nonexistent/forge-test-binary"}, "")
	done := make(chan Result, 1)
	j.Start(done)

	res := collect(t, done)
	assert.Equal(t, StatusFailed, res.Status)
}

func TestCommandJobTerminate(t *testing.T) {
	j := NewCommandJob("test", "sleeper", nil, nil, []string{"sleep", "30"}, "")
	done := make(chan Result, 1)
	j.Start(done)

	// Give the child a moment to exec
	time.Sleep(50 * time.Millisecond)
	j.Terminate()
	require.True(t, j.TerminateWait(5*time.Second))

	res := collect(t, done)
	assert.Equal(t, StatusTerminated, res.Status)
}

func TestCommandJobRunsInOwnProcessGroup(t *testing.T) {
	// A terminal ^C is delivered to the foreground process group; the
	// worker must not be in it
	j := NewCommandJob("test", "grouped", nil, nil, []string{"sleep", "30"}, "")
	done := make(chan Result, 1)
	j.Start(done)
	defer func() {
		j.Kill()
		collect(t, done)
	}()

	time.Sleep(50 * time.Millisecond)

	pgid, err := syscall.Getpgid(j.cmd.Process.Pid)
	require.NoError(t, err)
	own, err := syscall.Getpgid(os.Getpid())
	require.NoError(t, err)

	assert.NotEqual(t, own, pgid)
	assert.Equal(t, j.cmd.Process.Pid, pgid, "the worker should lead its own group")
}

func TestCommandJobKill(t *testing.T) {
	// A child ignoring SIGTERM still dies to Kill
	j := NewCommandJob("test", "stubborn", nil, nil,
		[]string{"sh", "-c", "trap '' TERM; sleep 30"}, "")
	done := make(chan Result, 1)
	j.Start(done)

	time.Sleep(100 * time.Millisecond)
	j.Terminate()
	if !j.TerminateWait(200 * time.Millisecond) {
		j.Kill()
	}
	require.True(t, j.TerminateWait(5*time.Second))

	res := collect(t, done)
	assert.Equal(t, StatusTerminated, res.Status)
}

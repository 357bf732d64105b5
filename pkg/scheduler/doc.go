/*
Package scheduler drives build elements through an ordered pipeline of
queues, dispatching concurrent jobs under global resource quotas.

Elements enter the first queue when Run is called and move into the next
queue as they complete. Run returns once no job is running and none can be
started: when every element has been processed by every queue or held back
by a failed job, or when the session is terminated by the operator. A
failed job does not end the run; the other elements carry on.

# Architecture

The scheduler is a single-goroutine event loop. It never performs heavy
work itself; jobs run in their own goroutines or worker processes and
report completion on a channel.

	┌───────────────────────────────────────────────────────────┐
	│                     Scheduler loop                        │
	│    completion ─┐   signals ─┐   ticker ─┐                 │
	└────────────────┼────────────┼───────────┼─────────────────┘
	                 ▼            ▼           ▼
	┌───────────────────────────────────────────────────────────┐
	│  sched():                                                 │
	│    1. launch pending cleanup job (exclusive CACHE)        │
	│    2. launch pending cache-size job                       │
	│    3. pull elements forward through the queues            │
	│    4. harvest jobs in reverse queue order                 │
	│    5. stop the loop once nothing is running               │
	└────────────────┬──────────────────────────────────────────┘
	                 │ reserve / release
	                 ▼
	┌───────────────────────────────────────────────────────────┐
	│  resources.Manager                                        │
	│  PROCESS=builders  DOWNLOAD=fetchers  UPLOAD=pushers      │
	│  CACHE guarded by exclusive interest only                 │
	└───────────────────────────────────────────────────────────┘

Queues are harvested in reverse order so that, when several stages share a
resource kind, elements deep in the pipeline finish before new ones are
admitted at the front.

# Cache maintenance

Two singleton internal jobs keep the artifact cache within its quota. The
cache-size job recomputes the real size whenever a completion hints that
usage changed; if the cache turns out to be full, a cleanup job is
scheduled. The cleanup announces an exclusive interest in the CACHE
resource first, which stops new cache users from being admitted so the
resource can drain instead of starving the cleanup behind a steady stream
of small jobs.

# Signals

SIGINT is delegated to the owner's interrupt callback, or terminates the
session when no callback is set. SIGTERM always terminates. SIGTSTP
suspends every active job, stops the process group and the process
itself, and resumes the jobs when the session is continued; the suspended
interval is discounted from ElapsedTime. Once termination begins, SIGINT
is ignored for the remainder of the process so that further keystrokes
cannot disrupt the shutdown.

# Usage

	sched := scheduler.New(ctx, time.Now(), scheduler.Callbacks{
		JobStart:    onStart,
		JobComplete: onComplete,
	})
	status := sched.Run(queues)

Status is SUCCESS when every element completed, ERROR when any queue
holds failed elements, and TERMINATED when the operator ended the run.
*/
package scheduler

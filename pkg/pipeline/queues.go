package pipeline

import (
	"context"
	"os/exec"
	"strings"

	"github.com/cuemby/forge/pkg/artifact"
	"github.com/cuemby/forge/pkg/job"
	"github.com/cuemby/forge/pkg/queue"
	"github.com/cuemby/forge/pkg/types"
)

// Stage action names, also the manifest keys for stage commands
const (
	ActionFetch = "fetch"
	ActionPull  = "pull"
	ActionBuild = "build"
	ActionPush  = "push"
)

// NewFetchQueue downloads element sources. Bounded by the fetchers quota.
func NewFetchQueue() queue.Queue {
	return queue.NewBase(ActionFetch,
		[]types.ResourceKind{types.ResourceDownload},
		&commandPolicy{
			stage:     ActionFetch,
			resources: []types.ResourceKind{types.ResourceDownload},
		})
}

// NewPullQueue pulls prebuilt artifacts. Elements already present in the
// artifact cache are skipped outright.
func NewPullQueue(artifacts *artifact.Cache) queue.Queue {
	resources := []types.ResourceKind{types.ResourceDownload, types.ResourceCache}
	return queue.NewBase(ActionPull, resources,
		&commandPolicy{
			stage:     ActionPull,
			resources: resources,
			skip: func(e *Element) bool {
				return artifacts.Contains(e.Name())
			},
		})
}

// NewBuildQueue builds elements and commits their outputs to the artifact
// cache. Bounded by the builders quota.
func NewBuildQueue(artifacts *artifact.Cache) queue.Queue {
	resources := []types.ResourceKind{types.ResourceProcess, types.ResourceCache}
	return queue.NewBase(ActionBuild, resources,
		&commandPolicy{
			stage:     ActionBuild,
			resources: resources,
			after: func(e *Element) error {
				return artifacts.Commit(e.Name(), e.OutputSize())
			},
		})
}

// NewPushQueue pushes built artifacts to remotes. Bounded by the pushers
// quota.
func NewPushQueue() queue.Queue {
	return queue.NewBase(ActionPush,
		[]types.ResourceKind{types.ResourceUpload},
		&commandPolicy{
			stage:     ActionPush,
			resources: []types.ResourceKind{types.ResourceUpload},
		})
}

// commandPolicy runs an element's stage commands in a shell. Elements with
// no commands for the stage are skipped; the optional skip hook short
// circuits elements whose work is already done, and the optional after
// hook runs on success before the job completes.
type commandPolicy struct {
	stage     string
	resources []types.ResourceKind
	skip      func(*Element) bool
	after     func(*Element) error
}

func (p *commandPolicy) Status(el types.Element) queue.Decision {
	e := el.(*Element)
	if p.skip != nil && p.skip(e) {
		return queue.DecisionSkip
	}
	if len(e.Commands(p.stage)) == 0 {
		return queue.DecisionSkip
	}
	return queue.DecisionReady
}

func (p *commandPolicy) NewJob(el types.Element) job.Job {
	e := el.(*Element)
	script := strings.Join(e.Commands(p.stage), " && ")
	name := p.stage + "/" + e.Name()

	// Stages without a completion hook run the shell as the worker process
	// directly, which lets the scheduler suspend and terminate it by signal
	if p.after == nil {
		return job.NewCommandJob(p.stage, name, e, p.resources,
			[]string{"sh", "-c", script}, e.WorkDir())
	}

	return job.NewFuncJob(p.stage, name, e, p.resources, nil,
		func(ctx context.Context) (int64, error) {
			cmd := exec.CommandContext(ctx, "sh", "-c", script)
			cmd.Dir = e.WorkDir()
			if err := cmd.Run(); err != nil {
				return -1, err
			}
			if err := p.after(e); err != nil {
				return -1, err
			}
			return -1, nil
		})
}

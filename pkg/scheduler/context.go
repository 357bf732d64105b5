package scheduler

import (
	"context"

	"github.com/cuemby/forge/pkg/messages"
)

// ArtifactCache is the slice of artifact cache behaviour the scheduler's
// maintenance jobs consult.
type ArtifactCache interface {
	// Full reports whether the estimated cache size has reached the quota.
	Full() bool

	// ComputeCacheSize recomputes the real cache size and returns it.
	ComputeCacheSize(ctx context.Context) (int64, error)

	// Clean evicts entries until the cache is below quota and returns the
	// resulting size.
	Clean(ctx context.Context) (int64, error)
}

// Context carries the collaborators and quotas the scheduler needs from
// its owner. Builders bound concurrent PROCESS jobs, fetchers DOWNLOAD
// jobs and pushers UPLOAD jobs.
type Context struct {
	Builders int
	Fetchers int
	Pushers  int

	Artifacts ArtifactCache
	Messenger *messages.Messenger
}

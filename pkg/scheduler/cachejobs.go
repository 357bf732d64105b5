package scheduler

import (
	"context"

	"github.com/cuemby/forge/pkg/job"
	"github.com/cuemby/forge/pkg/metrics"
	"github.com/cuemby/forge/pkg/types"
)

// Action names for the internal cache maintenance jobs
const (
	actionCleanup   = "clean"
	actionCacheSize = "size"
)

// Exclusive interest tags for the cache resource
const (
	interestCacheSize    = "cache-size"
	interestCacheCleanup = "cache-cleanup"
)

var cacheJobResources = []types.ResourceKind{types.ResourceCache, types.ResourceProcess}

// checkCacheManagement runs the initial check for whether the session must
// begin with cache maintenance. Sessions which do not add to the cache are
// not affected.
func (s *Scheduler) checkCacheManagement() {
	// Only sessions with queues touching the cache can grow it
	touchesCache := false
	for _, q := range s.queues {
		for _, kind := range q.Resources() {
			if kind == types.ResourceCache {
				touchesCache = true
			}
		}
	}
	if !touchesCache {
		return
	}

	// If the estimated size has reached the quota, check the real cache
	// size before any queue runs, holding the cache exclusively so nothing
	// starts while we are checking.
	if s.ctx.Artifacts.Full() {
		s.schedCacheSizeJob(true)
	}
}

// schedCacheSizeJob launches a cache size job if one is scheduled and the
// resources are available. The exclusive launch is reserved for session
// startup, before any other job is active.
func (s *Scheduler) schedCacheSizeJob(exclusive bool) {
	if exclusive {
		if s.cacheSizeScheduled || s.cacheSizeRunning != nil || len(s.activeJobs) > 0 {
			panic("exclusive cache size check attempted with jobs active")
		}
		s.cacheSizeScheduled = true
	}

	if !s.cacheSizeScheduled || s.cacheSizeRunning != nil {
		return
	}

	var exclusiveResources []types.ResourceKind
	if exclusive {
		exclusiveResources = []types.ResourceKind{types.ResourceCache}
		s.resources.RegisterExclusiveInterest(exclusiveResources, interestCacheSize)
		s.cacheSizeExclusive = true
	}

	if s.resources.Reserve(cacheJobResources, exclusiveResources) {
		s.cacheSizeScheduled = false
		s.cacheSizeRunning = job.NewFuncJob(
			actionCacheSize, "cache_size/cache_size", nil,
			cacheJobResources, exclusiveResources,
			func(ctx context.Context) (int64, error) {
				return s.ctx.Artifacts.ComputeCacheSize(ctx)
			})
		s.startJob(s.cacheSizeRunning)
	}
}

// schedCleanupJob launches a cleanup job if one is scheduled and the
// resources are available. The exclusive interest keeps new cache users
// out so the in-use count can drain instead of starving the cleanup.
func (s *Scheduler) schedCleanupJob() {
	if !s.cleanupScheduled || s.cleanupRunning != nil {
		return
	}

	exclusiveResources := []types.ResourceKind{types.ResourceCache}
	s.resources.RegisterExclusiveInterest(exclusiveResources, interestCacheCleanup)

	if s.resources.Reserve(cacheJobResources, exclusiveResources) {
		s.cleanupScheduled = false
		s.cleanupRunning = job.NewFuncJob(
			actionCleanup, "cleanup/cleanup", nil,
			cacheJobResources, exclusiveResources,
			func(ctx context.Context) (int64, error) {
				return s.ctx.Artifacts.Clean(ctx)
			})
		s.startJob(s.cleanupRunning)
	}
}

// cacheSizeJobComplete deallocates the cache size job and schedules a
// cleanup if the computed size is over quota
func (s *Scheduler) cacheSizeJobComplete(res job.Result) {
	s.cacheSizeRunning = nil
	s.resources.Release(cacheJobResources)

	if s.cacheSizeExclusive {
		s.resources.UnregisterExclusiveInterest(
			[]types.ResourceKind{types.ResourceCache}, interestCacheSize)
		s.cacheSizeExclusive = false
	}

	if res.Status != job.StatusOK {
		return
	}

	if res.CacheSize >= 0 {
		metrics.CacheSizeBytes.Set(float64(res.CacheSize))
	}

	if s.ctx.Artifacts.Full() {
		s.cleanupScheduled = true
	}
}

// cleanupJobComplete deallocates the cleanup job, keeping the exclusive
// interest registered while another cleanup is already scheduled
func (s *Scheduler) cleanupJobComplete(res job.Result) {
	s.cleanupRunning = nil
	s.resources.Release(cacheJobResources)

	if !s.cleanupScheduled {
		s.resources.UnregisterExclusiveInterest(
			[]types.ResourceKind{types.ResourceCache}, interestCacheCleanup)
	}

	if res.Status == job.StatusOK {
		metrics.CacheCleanupsTotal.Inc()
		if res.CacheSize >= 0 {
			metrics.CacheSizeBytes.Set(float64(res.CacheSize))
		}
	}
}

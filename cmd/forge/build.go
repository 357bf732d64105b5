package main

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/forge/pkg/artifact"
	"github.com/cuemby/forge/pkg/casd"
	"github.com/cuemby/forge/pkg/config"
	"github.com/cuemby/forge/pkg/job"
	"github.com/cuemby/forge/pkg/log"
	"github.com/cuemby/forge/pkg/messages"
	"github.com/cuemby/forge/pkg/metrics"
	"github.com/cuemby/forge/pkg/pipeline"
	"github.com/cuemby/forge/pkg/queue"
	"github.com/cuemby/forge/pkg/scheduler"
	"github.com/cuemby/forge/pkg/types"
	"github.com/spf13/cobra"
)

func init() {
	buildCmd.Flags().String("metrics-addr", "", "Expose Prometheus metrics on this address (e.g. :9090)")
}

var buildCmd = &cobra.Command{
	Use:   "build [manifest]",
	Short: "Build the elements of a project manifest",
	Long: `Build loads a project manifest and processes its elements
through the fetch, pull, build and push queues. The run ends successfully
once every element has traversed every queue.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
			go func() {
				if err := metrics.Serve(addr); err != nil {
					log.WithComponent("metrics").Error().Err(err).Msg("Metrics server failed")
				}
			}()
		}


		manifestPath := "forge.yaml"
		if len(args) > 0 {
			manifestPath = args[0]
		}

		status, err := runBuild(cmd, manifestPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(status.ExitCode())
	},
}

func runBuild(cmd *cobra.Command, manifestPath string) (types.SchedStatus, error) {
	startTime := time.Now()
	logger := log.WithComponent("build")

	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return types.SchedError, err
		}
		cfg = loaded
	}

	if err := os.MkdirAll(cfg.CAS.StoragePath, 0o755); err != nil {
		return types.SchedError, fmt.Errorf("failed to create CAS storage: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return types.SchedError, fmt.Errorf("failed to create data directory: %w", err)
	}

	messenger := messages.NewMessenger()

	// The casd helper lives for the whole session
	casManager, err := casd.NewProcessManager(casd.Config{
		Path:                cfg.CAS.StoragePath,
		LogDir:              cfg.CAS.LogDir,
		LogLevel:            cfg.CAS.LogLevel,
		CacheQuota:          cfg.CAS.CacheQuota,
		ProtectSessionBlobs: cfg.CAS.ProtectSessionBlobs,
	})
	if err != nil {
		return types.SchedError, err
	}
	defer casManager.ReleaseResources(messenger)

	channel := casManager.Channel()
	defer channel.Close()

	artifacts, err := artifact.NewCache(cfg.DataDir, cfg.CAS.CacheQuota)
	if err != nil {
		return types.SchedError, err
	}
	defer artifacts.Close()

	elements, err := pipeline.LoadManifest(manifestPath)
	if err != nil {
		return types.SchedError, err
	}
	defer func() {
		for _, e := range elements {
			e.Unregister()
		}
	}()

	queues := []queue.Queue{
		pipeline.NewFetchQueue(),
		pipeline.NewPullQueue(artifacts),
		pipeline.NewBuildQueue(artifacts),
		pipeline.NewPushQueue(),
	}

	sched := scheduler.New(
		&scheduler.Context{
			Builders:  cfg.Scheduler.Builders,
			Fetchers:  cfg.Scheduler.Fetchers,
			Pushers:   cfg.Scheduler.Pushers,
			Artifacts: artifacts,
			Messenger: messenger,
		},
		startTime,
		scheduler.Callbacks{
			JobStart: func(j job.Job) {
				messenger.Message(messages.New(messages.KindStart, j.Name()))
			},
			JobComplete: func(j job.Job, status job.Status) {
				kind := messages.KindSuccess
				if status != job.StatusOK && status != job.StatusSkipped {
					kind = messages.KindFail
				}
				messenger.Message(messages.New(kind, j.Name()))
			},
		},
	)

	// A finished build changes cache usage, check the size afterwards
	queues[2] = withCacheHint(queues[2], sched)

	logger.Info().
		Int("elements", len(elements)).
		Str("manifest", manifestPath).
		Msg("Starting build")

	first := queues[0]
	first.Enqueue(elementHandles(elements))

	status := sched.Run(queues)

	logger.Info().
		Stringer("status", status).
		Dur("elapsed", sched.ElapsedTime()).
		Msg("Build finished")

	return status, nil
}

func elementHandles(elements []*pipeline.Element) []types.Element {
	handles := make([]types.Element, len(elements))
	for i, e := range elements {
		handles[i] = e
	}
	return handles
}

// cacheHintQueue asks the scheduler for a cache size check whenever one of
// its jobs completes, since those jobs grow the cache
type cacheHintQueue struct {
	queue.Queue
	sched *scheduler.Scheduler
}

func withCacheHint(q queue.Queue, sched *scheduler.Scheduler) queue.Queue {
	return &cacheHintQueue{Queue: q, sched: sched}
}

func (q *cacheHintQueue) JobDone(j job.Job, status job.Status) {
	q.Queue.JobDone(j, status)
	if status == job.StatusOK {
		q.sched.CheckCacheSize()
	}
}

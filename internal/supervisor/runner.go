package supervisor

import (
	"context"
	"os"
	"time"

	"github.com/go-logr/logr"

	"github.com/apptrail-sh/rollout-watcher/internal/cluster"
)

const defaultStopTimeout = 10 * time.Second

// ClusterLoader returns the clusters that should be watched
type ClusterLoader func() ([]*cluster.Cluster, error)

// Runner starts the watchers of every loaded cluster and keeps the set in
// line with the loader. A failure on one cluster is logged and leaves the
// others running; the failed cluster is retried on the next reload.
type Runner struct {
	supervisor  *Supervisor
	load        ClusterLoader
	reload      <-chan os.Signal
	stopTimeout time.Duration
	log         logr.Logger

	clusters map[string]*cluster.Cluster
}

// NewRunner builds a manager.Runnable around s. Every value received on
// reload re-runs load; reload may be nil.
func NewRunner(s *Supervisor, load ClusterLoader, reload <-chan os.Signal, log logr.Logger) *Runner {
	return &Runner{
		supervisor:  s,
		load:        load,
		reload:      reload,
		stopTimeout: defaultStopTimeout,
		log:         log.WithName("cluster-runner"),
		clusters:    make(map[string]*cluster.Cluster),
	}
}

// Start blocks until ctx ends, then stops every watcher
func (r *Runner) Start(ctx context.Context) error {
	clusters, err := r.load()
	if err != nil {
		return err
	}
	for _, c := range clusters {
		r.clusters[c.ID] = c
		if err := r.supervisor.StartCluster(ctx, c); err != nil {
			r.log.Error(err, "Failed to start cluster watchers, retrying on reload", "cluster", c.ID)
		}
	}

	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.stopTimeout)
			defer cancel()
			return r.supervisor.StopAll(stopCtx)
		case sig := <-r.reload:
			r.log.Info("Reloading clusters", "signal", sig.String())
			r.reloadClusters(ctx)
		}
	}
}

// reloadClusters restarts every listed cluster and stops the ones no longer listed
func (r *Runner) reloadClusters(ctx context.Context) {
	clusters, err := r.load()
	if err != nil {
		r.log.Error(err, "Failed to load clusters, keeping the current set")
		return
	}

	listed := make(map[string]*cluster.Cluster, len(clusters))
	for _, c := range clusters {
		listed[c.ID] = c
		if err := r.supervisor.RestartCluster(ctx, c); err != nil {
			r.log.Error(err, "Failed to restart cluster watchers", "cluster", c.ID)
		}
	}

	for id := range r.clusters {
		if _, ok := listed[id]; ok {
			continue
		}
		stopCtx, cancel := context.WithTimeout(ctx, r.stopTimeout)
		if err := r.supervisor.StopCluster(stopCtx, id); err != nil {
			r.log.Error(err, "Failed to stop removed cluster", "cluster", id)
		}
		cancel()
	}
	r.clusters = listed
}

package watcher

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/apptrail-sh/rollout-watcher/internal/metrics"
)

// ClusterWatcher runs a Watcher's read loop in its own goroutine, bound to
// one cluster. A handler failure terminates it; it is never restarted here.
type ClusterWatcher struct {
	*Watcher
	clusterID string
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
}

// StartClusterWatcher starts reading stream in the background and returns immediately
func StartClusterWatcher(ctx context.Context, name, clusterID string, stream watch.Interface, handler Handler, log logr.Logger) *ClusterWatcher {
	ctx, cancel := context.WithCancel(ctx)
	cw := &ClusterWatcher{
		Watcher:   NewWatcher(name, stream, handler, log.WithValues("cluster", clusterID)),
		clusterID: clusterID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go cw.run(ctx)
	return cw
}

func (cw *ClusterWatcher) run(ctx context.Context) {
	live := metrics.LiveWatchers.WithLabelValues(cw.name, cw.clusterID)
	live.Inc()

	defer func() {
		if r := recover(); r != nil {
			cw.err = fmt.Errorf("%s panicked: %v", cw.name, r)
		}
		cw.StopWatching()
		cw.cancel()
		live.Dec()
		if cw.err != nil {
			cw.log.Error(cw.err, "Cluster watcher terminated")
		} else {
			cw.log.Info("Cluster watcher stopped")
		}
		close(cw.done)
	}()

	cw.log.Info("Cluster watcher started")
	cw.err = cw.StartWatching(ctx, nil)
}

// ClusterID returns the cluster this watcher reads from
func (cw *ClusterWatcher) ClusterID() string {
	return cw.clusterID
}

// Stop asks the read loop to exit. It does not wait; use Done for that.
func (cw *ClusterWatcher) Stop() {
	cw.cancel()
	cw.StopWatching()
}

// Done is closed once the read loop has exited
func (cw *ClusterWatcher) Done() <-chan struct{} {
	return cw.done
}

// Alive reports whether the read loop is still running
func (cw *ClusterWatcher) Alive() bool {
	select {
	case <-cw.done:
		return false
	default:
		return true
	}
}

// Err returns the failure that terminated the watcher, if any. Only
// meaningful after Done is closed.
func (cw *ClusterWatcher) Err() error {
	select {
	case <-cw.done:
		return cw.err
	default:
		return nil
	}
}

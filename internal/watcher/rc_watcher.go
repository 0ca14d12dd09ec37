package watcher

import (
	"context"
	"fmt"
	"sync"

	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const ReplicationControllerWatcherType = "rc-watcher"

// ReplicationControllerWatcher tracks the replica count of every RC matching its scope
type ReplicationControllerWatcher struct {
	*Watcher

	mu  sync.RWMutex
	rcs map[string]ReplicationControllerView
}

func NewReplicationControllerWatcher(ctx context.Context, client kubernetes.Interface, namespace string, scope Scope) (*ReplicationControllerWatcher, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}

	stream, err := client.CoreV1().ReplicationControllers(namespace).Watch(ctx, scope.listOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to watch replication controllers: %w", err)
	}

	logger := log.FromContext(ctx).WithName(ReplicationControllerWatcherType).WithValues(
		"namespace", namespace,
		"name", scope.Name,
		"selector", scope.LabelSelector,
	)

	rw := &ReplicationControllerWatcher{rcs: make(map[string]ReplicationControllerView)}
	rw.Watcher = NewWatcher(ReplicationControllerWatcherType, stream, rw, logger)
	return rw, nil
}

func (rw *ReplicationControllerWatcher) HandleNotice(_ context.Context, notice watch.Event) error {
	view, err := ReplicationControllerViewFrom(notice.Object)
	if err != nil {
		return err
	}

	rw.mu.Lock()
	rw.rcs[view.Name] = view
	rw.mu.Unlock()
	return nil
}

// ReplicaCount returns status.replicas of the latest notice for an RC
func (rw *ReplicationControllerWatcher) ReplicaCount(name string) (int32, bool) {
	view, ok := rw.ReplicationController(name)
	return view.ReplicaCount, ok
}

func (rw *ReplicationControllerWatcher) ReplicationController(name string) (ReplicationControllerView, bool) {
	rw.mu.RLock()
	defer rw.mu.RUnlock()
	view, ok := rw.rcs[name]
	return view, ok
}

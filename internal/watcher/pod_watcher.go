package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const PodWatcherType = "pod-watcher"

// PodWatcher tracks the latest view of every pod matching its scope.
// Entries are overwritten on every notice, DELETED included, and never evicted.
type PodWatcher struct {
	*Watcher

	mu   sync.RWMutex
	pods map[string]PodView
}

// NewPodWatcher opens a pod watch in namespace scoped by name and/or label selector
func NewPodWatcher(ctx context.Context, client kubernetes.Interface, namespace string, scope Scope) (*PodWatcher, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}

	stream, err := client.CoreV1().Pods(namespace).Watch(ctx, scope.listOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to watch pods: %w", err)
	}

	logger := log.FromContext(ctx).WithName(PodWatcherType).WithValues(
		"namespace", namespace,
		"name", scope.Name,
		"selector", scope.LabelSelector,
	)

	pw := &PodWatcher{pods: make(map[string]PodView)}
	pw.Watcher = NewWatcher(PodWatcherType, stream, pw, logger)
	return pw, nil
}

func (pw *PodWatcher) HandleNotice(_ context.Context, notice watch.Event) error {
	view, err := PodViewFrom(notice.Object)
	if err != nil {
		return err
	}

	pw.mu.Lock()
	pw.pods[view.Name] = view
	pw.mu.Unlock()
	return nil
}

// StatusCounts returns the number of pods per phase. Every known phase is
// present; pods without a recognised phase count as Unknown.
func (pw *PodWatcher) StatusCounts() map[corev1.PodPhase]int {
	counts := make(map[corev1.PodPhase]int, len(KnownPodPhases))
	for _, phase := range KnownPodPhases {
		counts[phase] = 0
	}

	pw.mu.RLock()
	defer pw.mu.RUnlock()
	for _, view := range pw.pods {
		if _, known := counts[view.Phase]; known {
			counts[view.Phase]++
		} else {
			counts[corev1.PodUnknown]++
		}
	}
	return counts
}

// NumReady counts pods whose latest view is ready
func (pw *PodWatcher) NumReady() int {
	pw.mu.RLock()
	defer pw.mu.RUnlock()

	ready := 0
	for _, view := range pw.pods {
		if view.Ready {
			ready++
		}
	}
	return ready
}

// StartedAt returns the start time of a pod, zero when the pod has not started
func (pw *PodWatcher) StartedAt(name string) (time.Time, bool) {
	view, ok := pw.Pod(name)
	return view.StartedAt, ok
}

// Pod returns the latest view of a pod
func (pw *PodWatcher) Pod(name string) (PodView, bool) {
	pw.mu.RLock()
	defer pw.mu.RUnlock()
	view, ok := pw.pods[name]
	return view, ok
}

// Len returns the number of distinct pod names observed
func (pw *PodWatcher) Len() int {
	pw.mu.RLock()
	defer pw.mu.RUnlock()
	return len(pw.pods)
}

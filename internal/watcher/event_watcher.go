package watcher

import (
	"context"
	"fmt"
	"sync"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const EventWatcherType = "event-watcher"

// EventCallback is invoked for every accepted event notice
type EventCallback func(notice watch.Event, ew *EventWatcher)

// EventWatcher keeps the latest Event per involved object name.
// The API server filters on a single name only, so with more than one name
// the filtering happens here.
type EventWatcher struct {
	*Watcher
	names map[string]bool

	mu     sync.RWMutex
	latest map[string]*corev1.Event
}

// NewEventWatcher watches events about objects of kind. With no names every
// object of that kind is tracked.
func NewEventWatcher(ctx context.Context, client kubernetes.Interface, namespace, kind string, names ...string) (*EventWatcher, error) {
	stream, err := client.CoreV1().Events(namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: eventFieldSelector(kind, names),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to watch events: %w", err)
	}

	logger := log.FromContext(ctx).WithName(EventWatcherType).WithValues(
		"namespace", namespace,
		"kind", kind,
		"names", names,
	)

	ew := &EventWatcher{latest: make(map[string]*corev1.Event)}
	if len(names) > 1 {
		ew.names = make(map[string]bool, len(names))
		for _, n := range names {
			ew.names[n] = true
		}
	}
	ew.Watcher = NewWatcher(EventWatcherType, stream, ew, logger)
	return ew, nil
}

func eventFieldSelector(kind string, names []string) string {
	var selectors []fields.Selector
	if kind != "" {
		selectors = append(selectors, fields.OneTermEqualSelector("involvedObject.kind", kind))
	}
	if len(names) == 1 {
		selectors = append(selectors, fields.OneTermEqualSelector("involvedObject.name", names[0]))
	}
	if len(selectors) == 0 {
		return ""
	}
	return fields.AndSelectors(selectors...).String()
}

// StartWatching blocks like Watcher.StartWatching, passing the watcher itself to callback
func (ew *EventWatcher) StartWatching(ctx context.Context, callback EventCallback) error {
	var cb Callback
	if callback != nil {
		cb = func(notice watch.Event) { callback(notice, ew) }
	}
	return ew.Watcher.StartWatching(ctx, cb)
}

// Accept applies the client-side name filter
func (ew *EventWatcher) Accept(notice watch.Event) bool {
	if ew.names == nil {
		return true
	}
	event, ok := notice.Object.(*corev1.Event)
	if !ok {
		return true
	}
	return ew.names[event.InvolvedObject.Name]
}

func (ew *EventWatcher) HandleNotice(_ context.Context, notice watch.Event) error {
	event, ok := notice.Object.(*corev1.Event)
	if !ok {
		return fmt.Errorf("expected *v1.Event, got %T", notice.Object)
	}

	ew.mu.Lock()
	ew.latest[event.InvolvedObject.Name] = event
	ew.mu.Unlock()
	return nil
}

// Latest returns the most recent event for an involved object
func (ew *EventWatcher) Latest(name string) (*corev1.Event, bool) {
	ew.mu.RLock()
	defer ew.mu.RUnlock()
	event, ok := ew.latest[name]
	return event, ok
}

package watcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/apptrail-sh/rollout-watcher/internal/metrics"
)

// Handler receives every accepted, non-ERROR notice of a watch stream
type Handler interface {
	HandleNotice(ctx context.Context, notice watch.Event) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, notice watch.Event) error

func (f HandlerFunc) HandleNotice(ctx context.Context, notice watch.Event) error {
	return f(ctx, notice)
}

// Filter may be implemented by a Handler to drop notices client-side.
// Rejected notices reach neither the handler nor the callback.
type Filter interface {
	Accept(notice watch.Event) bool
}

// Callback is invoked after the handler for every accepted notice
type Callback func(notice watch.Event)

// Watcher consumes one watch stream synchronously
type Watcher struct {
	name    string
	stream  watch.Interface
	handler Handler
	log     logr.Logger

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewWatcher wraps a watch stream. Nothing is read until StartWatching.
func NewWatcher(name string, stream watch.Interface, handler Handler, log logr.Logger) *Watcher {
	return &Watcher{
		name:    name,
		stream:  stream,
		handler: handler,
		log:     log,
		stopped: make(chan struct{}),
	}
}

// Name returns the watcher type name used in logs and metrics
func (w *Watcher) Name() string {
	return w.name
}

// StartWatching blocks, feeding notices to the handler and callback until the
// stream ends, StopWatching is called or ctx is done. A handler error stops
// the loop and is returned.
func (w *Watcher) StartWatching(ctx context.Context, callback Callback) error {
	defer w.StopWatching()

	results := w.stream.ResultChan()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stopped:
			return nil
		case notice, ok := <-results:
			if !ok {
				w.log.V(1).Info("Watch stream closed")
				return nil
			}
			if err := w.deliver(ctx, notice, callback); err != nil {
				return err
			}
		}
	}
}

// StopWatching finishes the stream. Safe to call more than once.
func (w *Watcher) StopWatching() {
	w.stopOnce.Do(func() {
		w.stream.Stop()
		close(w.stopped)
	})
}

func (w *Watcher) deliver(ctx context.Context, notice watch.Event, callback Callback) error {
	switch notice.Type {
	case watch.Error:
		metrics.ErrorNotices.WithLabelValues(w.name).Inc()
		w.log.Error(apierrors.FromObject(notice.Object), "Received error notice, waiting for the next one")
		return nil
	case watch.Bookmark:
		return nil
	}

	if f, ok := w.handler.(Filter); ok && !f.Accept(notice) {
		return nil
	}

	metrics.Notices.WithLabelValues(w.name, string(notice.Type)).Inc()
	if err := w.handler.HandleNotice(ctx, notice); err != nil {
		return fmt.Errorf("%s failed to handle %s notice: %w", w.name, notice.Type, err)
	}
	if callback != nil {
		callback(notice)
	}
	return nil
}

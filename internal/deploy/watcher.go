package deploy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/apptrail-sh/rollout-watcher/internal/metrics"
	"github.com/apptrail-sh/rollout-watcher/internal/model"
	"github.com/apptrail-sh/rollout-watcher/internal/topic"
	"github.com/apptrail-sh/rollout-watcher/internal/watcher"
)

const finalizeTimeout = 30 * time.Second

// Options are the collaborators of a deploy watcher
type Options struct {
	Broker *topic.Broker
	Store  ReleaseStore
	// Events receives progress and finished events. Nil drops them.
	Events chan<- model.DeployEvent
	// Source is stamped on every emitted event
	Source model.SourceMetadata
	Logger logr.Logger
}

type docState struct {
	ReleaseDoc
	live  int32
	ready map[string]bool
}

// Watcher aggregates rollout progress for one release. Its state is owned by
// a single goroutine reading the release's subscription.
type Watcher struct {
	release Release
	opts    Options
	log     logr.Logger

	sub   *topic.Subscription
	docs  []*docState
	byKey map[topic.Key][]*docState

	status   atomic.Int32
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Start subscribes to every doc's topic and starts aggregating in the
// background. The subscription is in place when Start returns.
func Start(ctx context.Context, release Release, opts Options) (*Watcher, error) {
	if err := release.Validate(); err != nil {
		return nil, err
	}
	if opts.Broker == nil {
		return nil, errors.New("deploy: broker is required")
	}
	if opts.Store == nil {
		return nil, errors.New("deploy: release store is required")
	}
	w := &Watcher{
		release: release,
		opts:    opts,
		log:     opts.Logger.WithName("deploy-watcher").WithValues("project", release.ProjectID, "release", release.ID),
		byKey:   make(map[topic.Key][]*docState),
		done:    make(chan struct{}),
	}

	keys := make([]topic.Key, 0, len(release.Docs))
	for _, doc := range release.Docs {
		state := &docState{ReleaseDoc: doc, ready: make(map[string]bool)}
		w.docs = append(w.docs, state)
		key := doc.Key()
		if _, ok := w.byKey[key]; !ok {
			keys = append(keys, key)
		}
		w.byKey[key] = append(w.byKey[key], state)
	}
	w.sub = opts.Broker.Subscribe(keys...)
	w.status.Store(int32(StatusCreated))

	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)

	w.log.Info("Watching release", "docs", len(w.docs))
	return w, nil
}

func (w *Watcher) Release() Release {
	return w.release
}

func (w *Watcher) Status() Status {
	return Status(w.status.Load())
}

// Stop terminates the watcher early. The finalizer still marks the release live.
func (w *Watcher) Stop() {
	w.stopOnce.Do(w.cancel)
}

// Done is closed once the finalizer has run
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer w.finalize(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.sub.C():
			if w.handle(ctx, msg) {
				w.log.Info("Every release doc reached its replica target")
				return
			}
		}
	}
}

// handle applies one message and reports whether the release is finished
func (w *Watcher) handle(ctx context.Context, msg topic.Message) bool {
	notice, ok := msg.Payload.(watch.Event)
	if !ok {
		w.log.V(1).Info("Ignoring unexpected payload", "topic", msg.Key.String())
		return false
	}

	docs := w.byKey[msg.Key]
	updated := false
	for _, doc := range docs {
		if w.apply(doc, notice) {
			updated = true
		}
	}
	if !updated {
		return false
	}

	w.status.CompareAndSwap(int32(StatusCreated), int32(StatusSpinningUp))
	for _, doc := range docs {
		w.emit(ctx, model.NewProgressEvent(w.release.ProjectID, w.release.ID, model.Progress{
			Role:           doc.Role,
			DeployGroup:    doc.DeployGroup,
			ClusterID:      doc.ClusterID,
			TargetReplicas: doc.ReplicaTarget,
			LiveReplicas:   doc.live,
		}))
	}
	return w.finished()
}

// apply updates liveReplicas from an RC or pod notice, last write wins.
// Both sources count ready pods only.
func (w *Watcher) apply(doc *docState, notice watch.Event) bool {
	switch obj := notice.Object.(type) {
	case *corev1.ReplicationController:
		doc.live = watcher.NewReplicationControllerView(obj).ReadyReplicas
	case *corev1.Pod:
		view := watcher.NewPodView(obj)
		if notice.Type == watch.Deleted || !view.Ready {
			delete(doc.ready, view.Name)
		} else {
			doc.ready[view.Name] = true
		}
		doc.live = int32(len(doc.ready))
	default:
		return false
	}
	w.log.V(1).Info("Release doc updated",
		"role", doc.Role,
		"deployGroup", doc.DeployGroup,
		"liveReplicas", doc.live,
		"targetReplicas", doc.ReplicaTarget)
	return true
}

func (w *Watcher) finished() bool {
	for _, doc := range w.docs {
		if doc.live < doc.ReplicaTarget {
			return false
		}
	}
	return true
}

func (w *Watcher) finalize(ctx context.Context) {
	defer close(w.done)
	w.cancel()
	w.sub.Close()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if err := w.opts.Store.MarkLive(ctx, w.release.ID); err != nil {
		w.log.Error(err, "Failed to mark release live")
	}
	w.status.Store(int32(StatusLive))
	metrics.DeploysFinished.Inc()

	w.emit(ctx, model.NewFinishedEvent(w.release.ProjectID, w.release.ID))
	w.log.Info(model.DeployFinishedMessage)
}

func (w *Watcher) emit(ctx context.Context, event model.DeployEvent) {
	if w.opts.Events == nil {
		return
	}
	event.Source = w.opts.Source
	select {
	case w.opts.Events <- event:
	case <-ctx.Done():
		w.log.Info("Dropped deploy event", "kind", event.Kind, "reason", ctx.Err())
	}
}

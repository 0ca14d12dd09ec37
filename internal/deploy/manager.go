package deploy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

var (
	// ErrAlreadyWatching is returned when a release already has a running watcher
	ErrAlreadyWatching = errors.New("deploy: release is already being watched")
	// ErrStopped is returned once the manager is shutting down
	ErrStopped = errors.New("deploy: manager is stopped")
)

// DefaultShutdownTimeout leaves room for every finalizer's MarkLive call
const DefaultShutdownTimeout = finalizeTimeout + 5*time.Second

// Manager runs at most one Watcher per release id. Watchers live as long as
// the manager's context unless they finish or are stopped.
type Manager struct {
	ctx  context.Context
	opts Options
	log  logr.Logger

	// ShutdownTimeout bounds the wait for finalizers in Start
	ShutdownTimeout time.Duration

	mu       sync.Mutex
	stopped  bool
	watchers map[string]*Watcher
}

func NewManager(ctx context.Context, opts Options) *Manager {
	return &Manager{
		ctx:             ctx,
		opts:            opts,
		log:             opts.Logger.WithName("deploy-manager"),
		ShutdownTimeout: DefaultShutdownTimeout,
		watchers:        make(map[string]*Watcher),
	}
}

// Start blocks until ctx ends, then stops every watcher and waits for their
// finalizers. When all of them finished, the Events channel is closed so its
// consumer knows no finished event is still on the way.
func (m *Manager) Start(ctx context.Context) error {
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.ShutdownTimeout)
	defer cancel()
	if err := m.StopAll(stopCtx); err != nil {
		return fmt.Errorf("deploy watchers did not finish: %w", err)
	}
	if m.opts.Events != nil {
		close(m.opts.Events)
	}
	return nil
}

// Watch starts a watcher for release
func (m *Manager) Watch(release Release) (*Watcher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, ErrStopped
	}
	if existing, ok := m.watchers[release.ID]; ok {
		return existing, fmt.Errorf("%w: %s", ErrAlreadyWatching, release.ID)
	}

	w, err := Start(m.ctx, release, m.opts)
	if err != nil {
		return nil, err
	}
	m.watchers[release.ID] = w

	go func() {
		<-w.Done()
		m.mu.Lock()
		if m.watchers[release.ID] == w {
			delete(m.watchers, release.ID)
		}
		m.mu.Unlock()
	}()
	return w, nil
}

// Stop terminates the watcher of a release, running its finalizer
func (m *Manager) Stop(releaseID string) bool {
	m.mu.Lock()
	w, ok := m.watchers[releaseID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	w.Stop()
	return true
}

// StopAll stops every watcher and waits for their finalizers or ctx. No
// release is accepted afterwards.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
	for _, w := range watchers {
		select {
		case <-w.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.log.Info("Stopped deploy watchers", "count", len(watchers))
	return nil
}

// Releases returns the ids of releases being watched, sorted
func (m *Manager) Releases() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.watchers))
	for id := range m.watchers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

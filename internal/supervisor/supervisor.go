package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"

	"github.com/apptrail-sh/rollout-watcher/internal/cluster"
	"github.com/apptrail-sh/rollout-watcher/internal/watcher"
)

// ErrUnknownWatcherType is returned for a watcher type nobody registered
var ErrUnknownWatcherType = errors.New("supervisor: unknown watcher type")

// Key identifies one supervised watcher
type Key struct {
	WatcherType string
	ClusterID   string
}

func (k Key) String() string {
	return k.WatcherType + "/" + k.ClusterID
}

// Factory opens a cluster watcher of one type. The returned watcher must
// already be running.
type Factory func(ctx context.Context, c *cluster.Cluster) (*watcher.ClusterWatcher, error)

// Supervisor owns the (watcher type, cluster) registry. At most one live
// watcher exists per key; every mutation happens under mu.
type Supervisor struct {
	log logr.Logger

	mu        sync.Mutex
	types     []string
	factories map[string]Factory
	watchers  map[Key]*watcher.ClusterWatcher
}

func New(log logr.Logger) *Supervisor {
	return &Supervisor{
		log:       log.WithName("supervisor"),
		factories: make(map[string]Factory),
		watchers:  make(map[Key]*watcher.ClusterWatcher),
	}
}

// Register makes a watcher type startable. Registering a type again replaces its factory.
func (s *Supervisor) Register(watcherType string, factory Factory) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.factories[watcherType]; !ok {
		s.types = append(s.types, watcherType)
	}
	s.factories[watcherType] = factory
}

// StartWatcher starts a watcher unless a live one already exists for the key
func (s *Supervisor) StartWatcher(ctx context.Context, watcherType string, c *cluster.Cluster) (*watcher.ClusterWatcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key{WatcherType: watcherType, ClusterID: c.ID}
	if cw, ok := s.watchers[key]; ok && cw.Alive() {
		s.log.V(1).Info("Watcher already running", "key", key.String())
		return cw, nil
	}
	return s.startLocked(ctx, key, c)
}

// RestartWatcher stops the current watcher for the key, waits for it to exit
// and starts a fresh one. Restarts are serialized, so two concurrent calls
// never leave two live watchers behind.
func (s *Supervisor) RestartWatcher(ctx context.Context, watcherType string, c *cluster.Cluster) (*watcher.ClusterWatcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key{WatcherType: watcherType, ClusterID: c.ID}
	if cw, ok := s.watchers[key]; ok {
		s.log.Info("Restarting watcher", "key", key.String())
		if err := stopAndWait(ctx, cw); err != nil {
			return nil, fmt.Errorf("failed to stop %s: %w", key, err)
		}
		delete(s.watchers, key)
	}
	return s.startLocked(ctx, key, c)
}

func (s *Supervisor) startLocked(ctx context.Context, key Key, c *cluster.Cluster) (*watcher.ClusterWatcher, error) {
	factory, ok := s.factories[key.WatcherType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWatcherType, key.WatcherType)
	}

	cw, err := factory(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", key, err)
	}
	s.watchers[key] = cw
	s.log.Info("Started watcher", "key", key.String())
	return cw, nil
}

// StartCluster starts every registered watcher type for c
func (s *Supervisor) StartCluster(ctx context.Context, c *cluster.Cluster) error {
	var errs []error
	for _, watcherType := range s.registered() {
		if _, err := s.StartWatcher(ctx, watcherType, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RestartCluster restarts every registered watcher type for c
func (s *Supervisor) RestartCluster(ctx context.Context, c *cluster.Cluster) error {
	var errs []error
	for _, watcherType := range s.registered() {
		if _, err := s.RestartWatcher(ctx, watcherType, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopCluster stops every watcher of a cluster and forgets them
func (s *Supervisor) StopCluster(ctx context.Context, clusterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for key, cw := range s.watchers {
		if key.ClusterID != clusterID {
			continue
		}
		if err := stopAndWait(ctx, cw); err != nil {
			errs = append(errs, fmt.Errorf("%s did not stop: %w", key, err))
			continue
		}
		delete(s.watchers, key)
		s.log.Info("Stopped watcher", "key", key.String())
	}
	return errors.Join(errs...)
}

// StopAll stops every watcher and waits for them to exit or ctx to end
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cw := range s.watchers {
		cw.Stop()
	}

	var errs []error
	for key, cw := range s.watchers {
		select {
		case <-cw.Done():
			delete(s.watchers, key)
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("%s did not stop: %w", key, ctx.Err()))
		}
	}
	return errors.Join(errs...)
}

// Get returns the watcher registered for a key, live or not
func (s *Supervisor) Get(watcherType, clusterID string) (*watcher.ClusterWatcher, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cw, ok := s.watchers[Key{WatcherType: watcherType, ClusterID: clusterID}]
	return cw, ok
}

// Live returns the keys of running watchers, sorted
func (s *Supervisor) Live() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]Key, 0, len(s.watchers))
	for key, cw := range s.watchers {
		if cw.Alive() {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ClusterID != keys[j].ClusterID {
			return keys[i].ClusterID < keys[j].ClusterID
		}
		return keys[i].WatcherType < keys[j].WatcherType
	})
	return keys
}

func (s *Supervisor) registered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.types...)
}

func stopAndWait(ctx context.Context, cw *watcher.ClusterWatcher) error {
	cw.Stop()
	select {
	case <-cw.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

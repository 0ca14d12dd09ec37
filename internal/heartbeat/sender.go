package heartbeat

import (
	"context"
	"fmt"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/rollout-watcher/internal/hooks"
	"github.com/apptrail-sh/rollout-watcher/internal/model"
	"github.com/apptrail-sh/rollout-watcher/internal/supervisor"
)

// Config holds configuration for the heartbeat sender
type Config struct {
	Interval     time.Duration
	ClusterID    string
	AgentVersion string
}

// Validate rejects intervals a ticker cannot run with
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.Interval)
	}
	return nil
}

// DefaultConfig returns the default heartbeat configuration
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Minute,
	}
}

// WatcherSource reports the supervised watchers that are running
type WatcherSource interface {
	Live() []supervisor.Key
}

// ReleaseSource reports the releases being watched
type ReleaseSource interface {
	Releases() []string
}

// Sender periodically reports which watchers are alive. It never restarts anything.
type Sender struct {
	config     Config
	watchers   WatcherSource
	releases   ReleaseSource
	publishers []hooks.HeartbeatPublisher
}

// NewSender creates a new heartbeat sender. releases may be nil.
func NewSender(
	config Config,
	watchers WatcherSource,
	releases ReleaseSource,
	publishers []hooks.HeartbeatPublisher,
) *Sender {
	return &Sender{
		config:     config,
		watchers:   watchers,
		releases:   releases,
		publishers: publishers,
	}
}

// Start sends one heartbeat right away and then one per interval until ctx ends
func (s *Sender) Start(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return err
	}
	logger := log.FromContext(ctx).WithName("heartbeat-sender")

	logger.Info("Starting heartbeat sender",
		"interval", s.config.Interval,
		"clusterID", s.config.ClusterID,
		"publishers", len(s.publishers),
	)

	s.sendHeartbeat(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sendHeartbeat(ctx)
		case <-ctx.Done():
			logger.Info("Heartbeat sender stopped")
			return nil
		}
	}
}

func (s *Sender) sendHeartbeat(ctx context.Context) {
	logger := log.FromContext(ctx).WithName("heartbeat-sender")

	live := s.watchers.Live()
	watchers := make([]model.WatcherRef, 0, len(live))
	for _, key := range live {
		watchers = append(watchers, model.WatcherRef{WatcherType: key.WatcherType, ClusterID: key.ClusterID})
	}

	var releases []string
	if s.releases != nil {
		releases = s.releases.Releases()
	}

	payload := model.NewHeartbeatPayload(s.config.ClusterID, s.config.AgentVersion, watchers, releases)

	logger.Info("Sending heartbeat",
		"eventID", payload.EventID,
		"watcherCount", len(watchers),
		"releaseCount", len(releases),
	)

	for _, publisher := range s.publishers {
		if err := publisher.PublishHeartbeat(ctx, payload); err != nil {
			logger.Error(err, "Failed to publish heartbeat")
		}
	}
}

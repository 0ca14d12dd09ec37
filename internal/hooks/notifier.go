package hooks

import (
	"context"

	"github.com/apptrail-sh/rollout-watcher/internal/model"
)

// EventPublisher delivers deploy progress and completion events
type EventPublisher interface {
	Publish(ctx context.Context, event model.DeployEvent) error
}

// PodErrorPublisher delivers batches of pod failures
type PodErrorPublisher interface {
	PublishBatch(ctx context.Context, payloads []model.PodErrorPayload) error
}

// HeartbeatPublisher delivers liveness reports
type HeartbeatPublisher interface {
	PublishHeartbeat(ctx context.Context, payload model.HeartbeatPayload) error
}

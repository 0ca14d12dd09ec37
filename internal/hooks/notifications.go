package hooks

import (
	"context"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/rollout-watcher/internal/model"
)

// DefaultDrainTimeout bounds how long events are still published after shutdown starts
const DefaultDrainTimeout = 40 * time.Second

// EventPublisherQueue drains deploy events and hands each to every publisher
type EventPublisherQueue struct {
	events     <-chan model.DeployEvent
	publishers []EventPublisher

	// DrainTimeout bounds publishing after ctx ends. The producer signals the
	// end of the stream by closing the channel.
	DrainTimeout time.Duration
}

func NewEventPublisherQueue(events <-chan model.DeployEvent, publishers []EventPublisher) *EventPublisherQueue {
	return &EventPublisherQueue{
		events:       events,
		publishers:   publishers,
		DrainTimeout: DefaultDrainTimeout,
	}
}

// Start runs until the event channel is closed. Once ctx ends, events keep
// being published until the channel closes or DrainTimeout elapses.
func (eq *EventPublisherQueue) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("event-publisher-queue")
	logger.Info("Event publisher queue started", "publishers", len(eq.publishers))

	for {
		select {
		case <-ctx.Done():
			return eq.drain(ctx)
		case event, ok := <-eq.events:
			if !ok {
				logger.Info("Event publisher queue stopped")
				return nil
			}
			eq.publish(ctx, event)
		}
	}
}

func (eq *EventPublisherQueue) drain(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("event-publisher-queue")
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eq.DrainTimeout)
	defer cancel()

	drained := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("Event publisher queue stopped before the stream ended", "drained", drained, "pending", len(eq.events))
			return nil
		case event, ok := <-eq.events:
			if !ok {
				logger.Info("Event publisher queue drained", "drained", drained)
				return nil
			}
			eq.publish(ctx, event)
			drained++
		}
	}
}

func (eq *EventPublisherQueue) publish(ctx context.Context, event model.DeployEvent) {
	logger := log.FromContext(ctx).WithName("event-publisher-queue")
	logger.Info("Received deploy event",
		"kind", event.Kind,
		"project", event.Project,
		"release", event.Release,
		"eventID", event.EventID,
	)

	for _, publisher := range eq.publishers {
		if err := publisher.Publish(ctx, event); err != nil {
			logger.Error(err, "failed to publish event",
				"project", event.Project,
				"release", event.Release,
			)
		}
	}
}

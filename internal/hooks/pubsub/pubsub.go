package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub/v2"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/rollout-watcher/internal/model"
)

// PubSubPublisher sends deploy events and pod errors to Google Cloud Pub/Sub
type PubSubPublisher struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	topicPath string
	clusterID string
}

// ParseTopicPath parses a full Pub/Sub topic path and returns projectID and topicID.
// Expected format: projects/<project>/topics/<topic>
func ParseTopicPath(topicPath string) (projectID, topicID string, err error) {
	parts := strings.Split(topicPath, "/")
	if len(parts) != 4 || parts[0] != "projects" || parts[2] != "topics" || parts[1] == "" || parts[3] == "" {
		return "", "", fmt.Errorf("invalid topic path %q: expected format projects/<project>/topics/<topic>", topicPath)
	}
	return parts[1], parts[3], nil
}

// NewPubSubPublisher creates a new Google Cloud Pub/Sub publisher
//
// Authentication is handled via Application Default Credentials (ADC):
//   - Workload Identity (GKE): Auto-detected from metadata server (recommended)
//   - Service Account JSON key: Set GOOGLE_APPLICATION_CREDENTIALS env var
//   - Default credentials: gcloud auth application-default login
func NewPubSubPublisher(ctx context.Context, topicPath, clusterID string) (*PubSubPublisher, error) {
	projectID, _, err := ParseTopicPath(topicPath)
	if err != nil {
		return nil, err
	}

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return NewPubSubPublisherWithClient(client, topicPath, clusterID)
}

// NewPubSubPublisherWithClient publishes through an existing client, which the
// publisher then owns
func NewPubSubPublisherWithClient(client *pubsub.Client, topicPath, clusterID string) (*PubSubPublisher, error) {
	_, topicID, err := ParseTopicPath(topicPath)
	if err != nil {
		return nil, err
	}

	// Events of one release must arrive in order; the subscription needs
	// message ordering enabled as well.
	publisher := client.Publisher(topicID)
	publisher.EnableMessageOrdering = true

	return &PubSubPublisher{
		client:    client,
		publisher: publisher,
		topicPath: topicPath,
		clusterID: clusterID,
	}, nil
}

// Publish sends a deploy event, ordered per project and release
func (p *PubSubPublisher) Publish(ctx context.Context, event model.DeployEvent) error {
	logger := log.FromContext(ctx)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	attributes := map[string]string{
		"channel": event.Channel,
		"kind":    string(event.Kind),
		"project": event.Project,
		"release": event.Release,
	}
	if p.clusterID != "" {
		attributes["cluster_name"] = p.clusterID
	}

	msgID, err := p.send(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attributes,
		OrderingKey: event.OrderingKey(),
	})
	if err != nil {
		logger.Error(err, "Failed to publish event to Pub/Sub",
			"topic", p.topicPath,
			"eventID", event.EventID,
		)
		return fmt.Errorf("failed to publish event to pubsub: %w", err)
	}

	logger.Info("Event successfully published to Google Pub/Sub",
		"topic", p.topicPath,
		"eventID", event.EventID,
		"messageID", msgID,
		"orderingKey", event.OrderingKey(),
	)
	return nil
}

// PublishBatch sends one message per pod error, ordered per project
func (p *PubSubPublisher) PublishBatch(ctx context.Context, payloads []model.PodErrorPayload) error {
	results := make([]*pubsub.PublishResult, 0, len(payloads))
	for _, payload := range payloads {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal pod error: %w", err)
		}
		results = append(results, p.publisher.Publish(ctx, &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"channel":   payload.Channel,
				"project":   payload.Project,
				"topic":     payload.Topic,
				"namespace": payload.Pod.Namespace,
				"pod":       payload.Pod.Name,
			},
			OrderingKey: payload.Project,
		}))
	}

	var errs []error
	for _, result := range results {
		if _, err := result.Get(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to publish %d of %d pod errors: %w", len(errs), len(payloads), err)
	}
	return nil
}

func (p *PubSubPublisher) send(ctx context.Context, msg *pubsub.Message) (string, error) {
	result := p.publisher.Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil && msg.OrderingKey != "" {
		// a failed publish pauses its ordering key until resumed
		p.publisher.ResumePublish(msg.OrderingKey)
	}
	return id, err
}

// Stop stops the publisher and closes the client
func (p *PubSubPublisher) Stop() {
	if p.publisher != nil {
		p.publisher.Stop()
	}
	if p.client != nil {
		_ = p.client.Close()
	}
}

package controlplane

import (
	"context"
	"fmt"
	"time"

	"resty.dev/v3"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/rollout-watcher/internal/model"
)

const (
	eventsPath     = "/events"
	podErrorsPath  = "/pod-errors"
	heartbeatsPath = "/heartbeats"
	releasePath    = "/releases/{releaseID}/status"
)

type releaseStatus struct {
	Status string `json:"status"`
}

// HTTPPublisher talks to the control plane API. It delivers deploy events,
// pod errors and heartbeats, and is the release store marking releases live.
type HTTPPublisher struct {
	client   *resty.Client
	endpoint string
}

func NewHTTPPublisher(endpoint string) *HTTPPublisher {
	client := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &HTTPPublisher{
		client:   client,
		endpoint: endpoint,
	}
}

// Publish sends a deploy event to the control plane
func (p *HTTPPublisher) Publish(ctx context.Context, event model.DeployEvent) error {
	logger := log.FromContext(ctx)
	logger.Info("Publishing event to control plane",
		"endpoint", p.endpoint,
		"eventID", event.EventID,
		"kind", event.Kind,
		"project", event.Project,
		"release", event.Release,
	)

	if err := p.send(ctx, resty.MethodPost, eventsPath, event, nil); err != nil {
		return fmt.Errorf("failed to send event %s to control plane: %w", event.EventID, err)
	}
	return nil
}

// PublishBatch sends pod errors in one request
func (p *HTTPPublisher) PublishBatch(ctx context.Context, payloads []model.PodErrorPayload) error {
	if len(payloads) == 0 {
		return nil
	}
	if err := p.send(ctx, resty.MethodPost, podErrorsPath, payloads, nil); err != nil {
		return fmt.Errorf("failed to send %d pod errors to control plane: %w", len(payloads), err)
	}
	return nil
}

func (p *HTTPPublisher) PublishHeartbeat(ctx context.Context, payload model.HeartbeatPayload) error {
	if err := p.send(ctx, resty.MethodPost, heartbeatsPath, payload, nil); err != nil {
		return fmt.Errorf("failed to send heartbeat to control plane: %w", err)
	}
	return nil
}

// MarkLive records the terminal state of a release
func (p *HTTPPublisher) MarkLive(ctx context.Context, releaseID string) error {
	pathParams := map[string]string{"releaseID": releaseID}
	if err := p.send(ctx, resty.MethodPut, releasePath, releaseStatus{Status: "live"}, pathParams); err != nil {
		return fmt.Errorf("failed to mark release %s live: %w", releaseID, err)
	}
	log.FromContext(ctx).Info("Release marked live", "release", releaseID)
	return nil
}

// Close releases the underlying HTTP client
func (p *HTTPPublisher) Close() error {
	return p.client.Close()
}

func (p *HTTPPublisher) send(ctx context.Context, method, path string, body any, pathParams map[string]string) error {
	logger := log.FromContext(ctx)

	var errorResponse map[string]any
	resp, err := p.client.R().
		SetContext(ctx).
		SetPathParams(pathParams).
		SetBody(body).
		SetError(&errorResponse).
		Execute(method, path)
	if err != nil {
		return err
	}

	if !resp.IsSuccess() {
		logger.Error(nil, "Control plane returned error",
			"statusCode", resp.StatusCode(),
			"status", resp.Status(),
			"error", errorResponse,
			"body", resp.String(),
			"path", path,
		)
		return fmt.Errorf("control plane returned error status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

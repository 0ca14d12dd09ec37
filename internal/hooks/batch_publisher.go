package hooks

import (
	"context"
	"sync"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/rollout-watcher/internal/model"
)

// BatchConfig holds configuration for event batching
type BatchConfig struct {
	FlushWindow  time.Duration // Time window for batching events
	MaxBatchSize int           // Maximum events per batch
}

// DefaultBatchConfig returns the default batching configuration
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		FlushWindow:  2 * time.Second,
		MaxBatchSize: 100,
	}
}

// BatchPublisherQueue buffers pod errors and flushes them to every publisher
// when the window elapses or the batch is full
type BatchPublisherQueue struct {
	payloads   <-chan model.PodErrorPayload
	publishers []PodErrorPublisher
	config     BatchConfig

	mu     sync.Mutex
	buffer []model.PodErrorPayload
	timer  *time.Timer
}

func NewBatchPublisherQueue(
	payloads <-chan model.PodErrorPayload,
	publishers []PodErrorPublisher,
	config BatchConfig,
) *BatchPublisherQueue {
	return &BatchPublisherQueue{
		payloads:   payloads,
		publishers: publishers,
		config:     config,
		buffer:     make([]model.PodErrorPayload, 0, config.MaxBatchSize),
	}
}

// Start runs until ctx ends or the channel is closed, flushing what is left
func (q *BatchPublisherQueue) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("pod-error-batcher")
	logger.Info("Pod error publisher queue started",
		"publishers", len(q.publishers),
		"flushWindow", q.config.FlushWindow,
		"maxBatchSize", q.config.MaxBatchSize,
	)

	// the final flush must outlive ctx
	flushCtx := context.WithoutCancel(ctx)
	for {
		select {
		case payload, ok := <-q.payloads:
			if !ok {
				q.flush(flushCtx)
				return nil
			}
			q.add(flushCtx, payload)
		case <-ctx.Done():
			q.flush(flushCtx)
			return nil
		}
	}
}

func (q *BatchPublisherQueue) add(ctx context.Context, payload model.PodErrorPayload) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.buffer = append(q.buffer, payload)

	if len(q.buffer) == 1 {
		q.timer = time.AfterFunc(q.config.FlushWindow, func() {
			q.flush(ctx)
		})
	}

	if len(q.buffer) >= q.config.MaxBatchSize {
		q.flushLocked(ctx)
	}
}

func (q *BatchPublisherQueue) flush(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushLocked(ctx)
}

func (q *BatchPublisherQueue) flushLocked(ctx context.Context) {
	if len(q.buffer) == 0 {
		return
	}

	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}

	batch := make([]model.PodErrorPayload, len(q.buffer))
	copy(batch, q.buffer)
	q.buffer = q.buffer[:0]

	logger := log.FromContext(ctx).WithName("pod-error-batcher")
	logger.Info("Flushing pod error batch",
		"count", len(batch),
		"publishers", len(q.publishers),
	)

	for _, publisher := range q.publishers {
		if err := publisher.PublishBatch(ctx, batch); err != nil {
			logger.Error(err, "Failed to publish pod error batch")
		}
	}
}

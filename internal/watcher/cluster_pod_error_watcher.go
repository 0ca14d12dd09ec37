package watcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/rollout-watcher/internal/cluster"
	"github.com/apptrail-sh/rollout-watcher/internal/topic"
)

const ClusterPodErrorWatcherType = "cluster-pod-error-watcher"

// failureReasons are compared lower-cased
var failureReasons = map[string]bool{
	"failed":           true,
	"failedscheduling": true,
}

// PodError is published on a project's pod-error topic
type PodError struct {
	ClusterID string
	Event     *corev1.Event
	Pod       *corev1.Pod
}

// ClusterPodErrorWatcher turns failed pod events into PodError messages on
// the pod's project topic
type ClusterPodErrorWatcher struct {
	clusterID string
	client    kubernetes.Interface
	broker    *topic.Broker
	log       logr.Logger
}

func StartClusterPodErrorWatcher(ctx context.Context, c *cluster.Cluster, broker *topic.Broker) (*ClusterWatcher, error) {
	client, err := c.Client()
	if err != nil {
		return nil, err
	}

	stream, err := client.CoreV1().Events(c.Namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("involvedObject.kind", "Pod").String(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to watch pod events in cluster %s: %w", c.ID, err)
	}

	logger := log.FromContext(ctx).WithName(ClusterPodErrorWatcherType)
	handler := &ClusterPodErrorWatcher{
		clusterID: c.ID,
		client:    client,
		broker:    broker,
		log:       logger.WithValues("cluster", c.ID),
	}
	return StartClusterWatcher(ctx, ClusterPodErrorWatcherType, c.ID, stream, handler, logger), nil
}

func (w *ClusterPodErrorWatcher) HandleNotice(ctx context.Context, notice watch.Event) error {
	event, ok := notice.Object.(*corev1.Event)
	if !ok {
		return fmt.Errorf("expected *v1.Event, got %T", notice.Object)
	}
	if !failureReasons[strings.ToLower(event.Reason)] {
		return nil
	}

	namespace := event.InvolvedObject.Namespace
	if namespace == "" {
		namespace = event.Namespace
	}

	pod, err := w.client.CoreV1().Pods(namespace).Get(ctx, event.InvolvedObject.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		w.log.Info("Warning: pod for failure event no longer exists, nothing to publish",
			"namespace", namespace,
			"pod", event.InvolvedObject.Name,
			"reason", event.Reason)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get pod %s/%s: %w", namespace, event.InvolvedObject.Name, err)
	}

	projectID, ok := NewPodView(pod).ProjectID()
	if !ok {
		w.log.V(1).Info("Failed pod has no project label, skipping", "namespace", namespace, "pod", pod.Name)
		return nil
	}

	key := topic.PodErrors(projectID)
	n := w.broker.Publish(ctx, key, PodError{ClusterID: w.clusterID, Event: event, Pod: pod})
	w.log.Info("Published pod error",
		"topic", key.String(),
		"pod", pod.Name,
		"reason", event.Reason,
		"subscribers", n)
	return nil
}

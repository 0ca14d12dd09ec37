package watcher

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/rollout-watcher/internal/cluster"
	"github.com/apptrail-sh/rollout-watcher/internal/filter"
	"github.com/apptrail-sh/rollout-watcher/internal/topic"
)

const (
	ClusterPodWatcherType                   = "cluster-pod-watcher"
	ClusterReplicationControllerWatcherType = "cluster-rc-watcher"
)

// ClusterPodWatcher demultiplexes a cluster's pod stream into one topic per
// replication controller, keyed by the pod's replication_controller label
type ClusterPodWatcher struct {
	clusterID string
	broker    *topic.Broker
	filter    *filter.ResourceFilter
	log       logr.Logger
}

// StartClusterPodWatcher opens an unscoped pod watch on c and republishes in the background
func StartClusterPodWatcher(ctx context.Context, c *cluster.Cluster, broker *topic.Broker, f *filter.ResourceFilter) (*ClusterWatcher, error) {
	client, err := c.Client()
	if err != nil {
		return nil, err
	}

	stream, err := client.CoreV1().Pods(c.Namespace).Watch(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to watch pods in cluster %s: %w", c.ID, err)
	}

	logger := log.FromContext(ctx).WithName(ClusterPodWatcherType)
	handler := &ClusterPodWatcher{
		clusterID: c.ID,
		broker:    broker,
		filter:    f,
		log:       logger.WithValues("cluster", c.ID),
	}
	return StartClusterWatcher(ctx, ClusterPodWatcherType, c.ID, stream, handler, logger), nil
}

func (w *ClusterPodWatcher) Accept(notice watch.Event) bool {
	return acceptObject(w.filter, notice)
}

func (w *ClusterPodWatcher) HandleNotice(ctx context.Context, notice watch.Event) error {
	view, err := PodViewFrom(notice.Object)
	if err != nil {
		return err
	}

	rc, ok := view.ReplicationController()
	if !ok {
		return nil
	}

	key := topic.ReplicationController(w.clusterID, rc)
	n := w.broker.Publish(ctx, key, notice)
	w.log.V(1).Info("Published pod notice", "topic", key.String(), "pod", view.Name, "type", notice.Type, "subscribers", n)
	return nil
}

// ClusterReplicationControllerWatcher republishes RC notices on the same RC
// topics, giving subscribers the controller's own replica count
type ClusterReplicationControllerWatcher struct {
	clusterID string
	broker    *topic.Broker
	filter    *filter.ResourceFilter
	log       logr.Logger
}

func StartClusterReplicationControllerWatcher(ctx context.Context, c *cluster.Cluster, broker *topic.Broker, f *filter.ResourceFilter) (*ClusterWatcher, error) {
	client, err := c.Client()
	if err != nil {
		return nil, err
	}

	stream, err := client.CoreV1().ReplicationControllers(c.Namespace).Watch(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to watch replication controllers in cluster %s: %w", c.ID, err)
	}

	logger := log.FromContext(ctx).WithName(ClusterReplicationControllerWatcherType)
	handler := &ClusterReplicationControllerWatcher{
		clusterID: c.ID,
		broker:    broker,
		filter:    f,
		log:       logger.WithValues("cluster", c.ID),
	}
	return StartClusterWatcher(ctx, ClusterReplicationControllerWatcherType, c.ID, stream, handler, logger), nil
}

func (w *ClusterReplicationControllerWatcher) Accept(notice watch.Event) bool {
	return acceptObject(w.filter, notice)
}

func (w *ClusterReplicationControllerWatcher) HandleNotice(ctx context.Context, notice watch.Event) error {
	view, err := ReplicationControllerViewFrom(notice.Object)
	if err != nil {
		return err
	}

	key := topic.ReplicationController(w.clusterID, view.Name)
	n := w.broker.Publish(ctx, key, notice)
	w.log.V(1).Info("Published replication controller notice", "topic", key.String(), "replicas", view.ReplicaCount, "subscribers", n)
	return nil
}

func acceptObject(f *filter.ResourceFilter, notice watch.Event) bool {
	if f == nil {
		return true
	}
	obj, err := meta.Accessor(notice.Object)
	if err != nil {
		return true
	}
	return f.Accept(obj.GetNamespace(), obj.GetLabels())
}

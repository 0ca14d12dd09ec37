package deploy

import (
	"context"
	"sync"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/apptrail-sh/rollout-watcher/internal/model"
	"github.com/apptrail-sh/rollout-watcher/internal/topic"
)

type fakeStore struct {
	mu   sync.Mutex
	live []string
	err  error
}

func (s *fakeStore) MarkLive(_ context.Context, releaseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = append(s.live, releaseID)
	return s.err
}

func (s *fakeStore) marked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.live...)
}

// rcNotice reports an RC whose replicas are all ready
func rcNotice(name string, replicas int32) watch.Event {
	return rcNoticeWithReady(name, replicas, replicas)
}

func rcNoticeWithReady(name string, replicas, ready int32) watch.Event {
	return watch.Event{
		Type: watch.Modified,
		Object: &corev1.ReplicationController{
			ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
			Status:     corev1.ReplicationControllerStatus{Replicas: replicas, ReadyReplicas: ready},
		},
	}
}

func podNotice(eventType watch.EventType, name, rc string, ready bool) watch.Event {
	status := corev1.ConditionFalse
	if ready {
		status = corev1.ConditionTrue
	}
	return watch.Event{
		Type: eventType,
		Object: &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name:      name,
				Namespace: "default",
				Labels:    map[string]string{"replication_controller": rc},
			},
			Status: corev1.PodStatus{
				Phase:      corev1.PodRunning,
				Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: status}},
			},
		},
	}
}

func twoGroupRelease(id string) Release {
	return Release{
		ID:        id,
		ProjectID: "proj-1",
		Docs: []ReleaseDoc{
			{Role: "app", DeployGroup: "pod1", ClusterID: "c1", ReplicaTarget: 2},
			{Role: "app", DeployGroup: "pod2", ClusterID: "c1", ReplicaTarget: 1},
		},
	}
}

func publish(broker *topic.Broker, clusterID, rc string, notice watch.Event) int {
	return broker.Publish(context.Background(), topic.ReplicationController(clusterID, rc), notice)
}

// drain returns the events buffered so far without blocking
func drain(events <-chan model.DeployEvent) []model.DeployEvent {
	var out []model.DeployEvent
	for {
		select {
		case e := <-events:
			out = append(out, e)
		default:
			return out
		}
	}
}

func stopAndWait(t *testing.T, w *Watcher) {
	t.Helper()
	w.Stop()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("deploy watcher for %s did not finish", w.Release().ID)
	}
}

package watcher

import (
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

// fakeStreams serves one FakeWatcher per resource and records the watch actions
type fakeStreams struct {
	client   *fake.Clientset
	mu       sync.Mutex
	streams  map[string]*watch.FakeWatcher
	restrict map[string]k8stesting.WatchRestrictions
}

func newFakeStreams(objects ...runtime.Object) *fakeStreams {
	fs := &fakeStreams{
		client:   fake.NewClientset(objects...),
		streams:  make(map[string]*watch.FakeWatcher),
		restrict: make(map[string]k8stesting.WatchRestrictions),
	}
	fs.client.PrependWatchReactor("*", func(action k8stesting.Action) (bool, watch.Interface, error) {
		resource := action.GetResource().Resource
		fs.mu.Lock()
		defer fs.mu.Unlock()
		if wa, ok := action.(k8stesting.WatchAction); ok {
			fs.restrict[resource] = wa.GetWatchRestrictions()
		}
		return true, fs.streamLocked(resource), nil
	})
	return fs
}

func (fs *fakeStreams) streamLocked(resource string) *watch.FakeWatcher {
	stream, ok := fs.streams[resource]
	if !ok {
		stream = watch.NewFakeWithChanSize(100, false)
		fs.streams[resource] = stream
	}
	return stream
}

// stream returns the FakeWatcher for a resource, creating it if no watch was opened yet
func (fs *fakeStreams) stream(resource string) *watch.FakeWatcher {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.streamLocked(resource)
}

func (fs *fakeStreams) restrictions(resource string) k8stesting.WatchRestrictions {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.restrict[resource]
}

type podOption func(*corev1.Pod)

func withPhase(phase corev1.PodPhase) podOption {
	return func(p *corev1.Pod) { p.Status.Phase = phase }
}

func withLabels(labels map[string]string) podOption {
	return func(p *corev1.Pod) { p.Labels = labels }
}

func withReady(statuses ...corev1.ConditionStatus) podOption {
	return func(p *corev1.Pod) {
		for _, s := range statuses {
			p.Status.Conditions = append(p.Status.Conditions, corev1.PodCondition{Type: corev1.PodReady, Status: s})
		}
	}
}

func withStartTime(t time.Time) podOption {
	return func(p *corev1.Pod) {
		start := metav1.NewTime(t)
		p.Status.StartTime = &start
	}
}

func newPod(name string, opts ...podOption) *corev1.Pod {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "default",
		},
	}
	for _, opt := range opts {
		opt(pod)
	}
	return pod
}

func newRC(name string, replicas int32) *corev1.ReplicationController {
	return &corev1.ReplicationController{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Status:     corev1.ReplicationControllerStatus{Replicas: replicas, ReadyReplicas: replicas},
	}
}

func newEvent(name, kind, involved, reason string) *corev1.Event {
	return &corev1.Event{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		InvolvedObject: corev1.ObjectReference{
			Kind:      kind,
			Name:      involved,
			Namespace: "default",
		},
		Reason:  reason,
		Message: reason + " happened",
	}
}

func expiredStatus() *metav1.Status {
	return &metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    410,
		Reason:  metav1.StatusReasonExpired,
		Message: "too old resource version",
	}
}

package watcher

import (
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

const (
	// ReplicationControllerLabel names the RC a pod was created by
	ReplicationControllerLabel = "replication_controller"
	// ProjectIDLabel carries the deploy platform's project id
	ProjectIDLabel = "project_id"
)

// KnownPodPhases are the phases StatusCounts always reports
var KnownPodPhases = []corev1.PodPhase{
	corev1.PodPending,
	corev1.PodRunning,
	corev1.PodSucceeded,
	corev1.PodFailed,
	corev1.PodUnknown,
}

// PodView is the typed view of a pod notice, built once per notice
type PodView struct {
	Pod       *corev1.Pod
	Name      string
	Namespace string
	Phase     corev1.PodPhase
	Ready     bool
	StartedAt time.Time
}

func NewPodView(pod *corev1.Pod) PodView {
	view := PodView{
		Pod:       pod,
		Name:      pod.Name,
		Namespace: pod.Namespace,
		Phase:     pod.Status.Phase,
		Ready:     IsPodReady(pod),
	}
	if pod.Status.StartTime != nil {
		view.StartedAt = pod.Status.StartTime.Time
	}
	return view
}

// PodViewFrom builds a view from a notice object
func PodViewFrom(obj runtime.Object) (PodView, error) {
	pod, ok := obj.(*corev1.Pod)
	if !ok {
		return PodView{}, fmt.Errorf("expected *v1.Pod, got %T", obj)
	}
	return NewPodView(pod), nil
}

func (p PodView) Labels() map[string]string {
	return p.Pod.Labels
}

// ReplicationController returns the value of the replication_controller label
func (p PodView) ReplicationController() (string, bool) {
	rc, ok := p.Pod.Labels[ReplicationControllerLabel]
	return rc, ok && rc != ""
}

// ProjectID returns the value of the project_id label
func (p PodView) ProjectID() (string, bool) {
	id, ok := p.Pod.Labels[ProjectIDLabel]
	return id, ok && id != ""
}

// IsPodReady is true when the pod has at least one Ready condition and every
// Ready condition is True. Phase is not considered.
func IsPodReady(pod *corev1.Pod) bool {
	found := false
	for _, c := range pod.Status.Conditions {
		if c.Type != corev1.PodReady {
			continue
		}
		if c.Status != corev1.ConditionTrue {
			return false
		}
		found = true
	}
	return found
}

// ReplicationControllerView is the typed view of an RC notice
type ReplicationControllerView struct {
	ReplicationController *corev1.ReplicationController
	Name                  string
	Namespace             string
	ReplicaCount          int32
	ReadyReplicas         int32
}

func NewReplicationControllerView(rc *corev1.ReplicationController) ReplicationControllerView {
	return ReplicationControllerView{
		ReplicationController: rc,
		Name:                  rc.Name,
		Namespace:             rc.Namespace,
		ReplicaCount:          rc.Status.Replicas,
		ReadyReplicas:         rc.Status.ReadyReplicas,
	}
}

// ReplicationControllerViewFrom builds a view from a notice object
func ReplicationControllerViewFrom(obj runtime.Object) (ReplicationControllerView, error) {
	rc, ok := obj.(*corev1.ReplicationController)
	if !ok {
		return ReplicationControllerView{}, fmt.Errorf("expected *v1.ReplicationController, got %T", obj)
	}
	return NewReplicationControllerView(rc), nil
}

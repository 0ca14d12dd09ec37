package topic

import "fmt"

// Kind identifies which family of in-process topics a Key belongs to
type Kind string

const (
	// KindPodUpdate topics carry raw pod and replication controller notices for one RC
	KindPodUpdate Kind = "pod-update"
	// KindPodError topics carry failed pod events for one project
	KindPodError Kind = "pod-error"
)

const podUpdatesPrefix = "pod-updates-"

// Key is an in-process routing key. RC keys are namespaced by cluster so two
// clusters running an RC with the same name never share a topic.
type Key struct {
	Kind      Kind
	ClusterID string
	Name      string
}

// PodUpdatesTopic returns the topic name used for pod error updates of a project
func PodUpdatesTopic(id string) string {
	return podUpdatesPrefix + id
}

// ReplicationController returns the pod-update key for an RC in a cluster
func ReplicationController(clusterID, rcName string) Key {
	return Key{Kind: KindPodUpdate, ClusterID: clusterID, Name: rcName}
}

// PodErrors returns the pod-error key for a project
func PodErrors(projectID string) Key {
	return Key{Kind: KindPodError, Name: projectID}
}

func (k Key) String() string {
	switch k.Kind {
	case KindPodError:
		return PodUpdatesTopic(k.Name)
	case KindPodUpdate:
		if k.ClusterID == "" {
			return k.Name
		}
		return fmt.Sprintf("%s/%s", k.ClusterID, k.Name)
	default:
		return fmt.Sprintf("%s:%s/%s", k.Kind, k.ClusterID, k.Name)
	}
}

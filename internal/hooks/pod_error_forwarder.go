package hooks

import (
	"context"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/rollout-watcher/internal/model"
	"github.com/apptrail-sh/rollout-watcher/internal/topic"
	"github.com/apptrail-sh/rollout-watcher/internal/watcher"
)

// PodErrorForwarder subscribes to the pod-error topics of a set of projects
// and turns every PodError into an outbound payload
type PodErrorForwarder struct {
	broker       *topic.Broker
	projects     []string
	out          chan<- model.PodErrorPayload
	agentVersion string
	sub          *topic.Subscription
}

// NewPodErrorForwarder subscribes immediately so nothing published after it
// returns is missed
func NewPodErrorForwarder(broker *topic.Broker, projects []string, out chan<- model.PodErrorPayload, agentVersion string) *PodErrorForwarder {
	keys := make([]topic.Key, 0, len(projects))
	for _, project := range projects {
		keys = append(keys, topic.PodErrors(project))
	}
	return &PodErrorForwarder{
		broker:       broker,
		projects:     projects,
		out:          out,
		agentVersion: agentVersion,
		sub:          broker.Subscribe(keys...),
	}
}

// Start forwards until ctx ends, then unsubscribes
func (f *PodErrorForwarder) Start(ctx context.Context) error {
	defer f.sub.Close()

	logger := log.FromContext(ctx).WithName("pod-error-forwarder")
	logger.Info("Forwarding pod errors", "projects", f.projects)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-f.sub.C():
			podErr, ok := msg.Payload.(watcher.PodError)
			if !ok {
				logger.V(1).Info("Ignoring unexpected payload", "topic", msg.Key.String())
				continue
			}
			payload := f.toPayload(msg.Key, podErr)
			select {
			case f.out <- payload:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (f *PodErrorForwarder) toPayload(key topic.Key, podErr watcher.PodError) model.PodErrorPayload {
	pod, event := podErr.Pod, podErr.Event

	lastSeen := event.LastTimestamp.Time
	if lastSeen.IsZero() {
		lastSeen = event.EventTime.Time
	}

	return model.NewPodErrorPayload(
		key.Name,
		key.String(),
		model.PodRef{
			Name:      pod.Name,
			Namespace: pod.Namespace,
			UID:       string(pod.UID),
			Phase:     string(pod.Status.Phase),
		},
		event.Reason,
		event.Message,
		event.Count,
		lastSeen,
		pod.Labels,
		podErr.ClusterID,
		f.agentVersion,
	)
}

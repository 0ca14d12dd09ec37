package model

import (
	"time"

	"github.com/google/uuid"
)

type DeployEventKind string

const (
	// ChannelK8s tags every event produced by the rollout watchers
	ChannelK8s = "k8s"

	DeployEventKindProgress DeployEventKind = "PROGRESS"
	DeployEventKindFinished DeployEventKind = "FINISHED"

	DeployFinishedMessage = "Deploy has finished!"
)

type SourceMetadata struct {
	ClusterID    string `json:"clusterId,omitempty"`
	AgentVersion string `json:"agentVersion"`
}

// Progress is the per-document replica state carried by a progress event
type Progress struct {
	Role           string `json:"role"`
	DeployGroup    string `json:"deployGroup"`
	ClusterID      string `json:"clusterId"`
	TargetReplicas int32  `json:"targetReplicas"`
	LiveReplicas   int32  `json:"liveReplicas"`
}

// DeployEvent is emitted by a deploy watcher on every update and once when
// the release is live
type DeployEvent struct {
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Channel    string          `json:"channel"`
	Kind       DeployEventKind `json:"kind"`
	Source     SourceMetadata  `json:"source"`
	Project    string          `json:"project"`
	Release    string          `json:"release"`
	Progress   *Progress       `json:"progress,omitempty"`
	Msg        string          `json:"msg,omitempty"`
}

func newDeployEvent(kind DeployEventKind, project, release string) DeployEvent {
	return DeployEvent{
		EventID:    uuid.New().String(),
		OccurredAt: time.Now().UTC(),
		Channel:    ChannelK8s,
		Kind:       kind,
		Project:    project,
		Release:    release,
	}
}

func NewProgressEvent(project, release string, progress Progress) DeployEvent {
	event := newDeployEvent(DeployEventKindProgress, project, release)
	event.Progress = &progress
	return event
}

func NewFinishedEvent(project, release string) DeployEvent {
	event := newDeployEvent(DeployEventKindFinished, project, release)
	event.Msg = DeployFinishedMessage
	return event
}

// OrderingKey keeps the events of one release in order on ordered transports
func (e DeployEvent) OrderingKey() string {
	return e.Project + "/" + e.Release
}

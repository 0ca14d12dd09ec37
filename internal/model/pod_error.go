package model

import (
	"time"

	"github.com/google/uuid"
)

// PodRef identifies the failing pod
type PodRef struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	UID       string `json:"uid"`
	Phase     string `json:"phase,omitempty"`
}

// PodErrorPayload reports one failure event for a pod of a project
type PodErrorPayload struct {
	EventID    string            `json:"eventId"`
	OccurredAt time.Time         `json:"occurredAt"`
	Source     SourceMetadata    `json:"source"`
	Channel    string            `json:"channel"`
	Project    string            `json:"project"`
	Topic      string            `json:"topic"`
	Pod        PodRef            `json:"pod"`
	Reason     string            `json:"reason"`
	Message    string            `json:"message,omitempty"`
	Count      int32             `json:"count,omitempty"`
	LastSeen   *time.Time        `json:"lastSeen,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

func NewPodErrorPayload(
	project, topic string,
	pod PodRef,
	reason, message string,
	count int32,
	lastSeen time.Time,
	labels map[string]string,
	clusterID, agentVersion string,
) PodErrorPayload {
	payload := PodErrorPayload{
		EventID:    uuid.New().String(),
		OccurredAt: time.Now().UTC(),
		Source: SourceMetadata{
			ClusterID:    clusterID,
			AgentVersion: agentVersion,
		},
		Channel: ChannelK8s,
		Project: project,
		Topic:   topic,
		Pod:     pod,
		Reason:  reason,
		Message: message,
		Count:   count,
		Labels:  labels,
	}
	if !lastSeen.IsZero() {
		seen := lastSeen.UTC()
		payload.LastSeen = &seen
	}
	return payload
}

package model

import (
	"time"

	"github.com/google/uuid"
)

// WatcherRef names one live supervised watcher
type WatcherRef struct {
	WatcherType string `json:"watcherType"`
	ClusterID   string `json:"clusterId"`
}

// HeartbeatPayload is sent to the control plane to show the process is
// alive and which watchers are running
type HeartbeatPayload struct {
	EventID     string         `json:"eventId"`
	OccurredAt  time.Time      `json:"occurredAt"`
	Source      SourceMetadata `json:"source"`
	MessageType string         `json:"messageType"`
	Watchers    []WatcherRef   `json:"watchers"`
	Releases    []string       `json:"releases,omitempty"`
}

func NewHeartbeatPayload(clusterID, agentVersion string, watchers []WatcherRef, releases []string) HeartbeatPayload {
	if watchers == nil {
		watchers = []WatcherRef{}
	}
	return HeartbeatPayload{
		EventID:    uuid.New().String(),
		OccurredAt: time.Now().UTC(),
		Source: SourceMetadata{
			ClusterID:    clusterID,
			AgentVersion: agentVersion,
		},
		MessageType: "HEARTBEAT",
		Watchers:    watchers,
		Releases:    releases,
	}
}

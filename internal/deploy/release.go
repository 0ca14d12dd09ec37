package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/apptrail-sh/rollout-watcher/internal/topic"
)

// ReleaseDoc is one (role, deploy group) rollout unit of a release
type ReleaseDoc struct {
	Role        string `json:"role"`
	DeployGroup string `json:"deployGroup"`
	ClusterID   string `json:"clusterId"`
	// ReplicationController defaults to "rc-<deployGroup>"
	ReplicationController string `json:"replicationController,omitempty"`
	ReplicaTarget         int32  `json:"replicaTarget"`
}

// RCName returns the replication controller this doc rolls out through
func (d ReleaseDoc) RCName() string {
	if d.ReplicationController != "" {
		return d.ReplicationController
	}
	return "rc-" + d.DeployGroup
}

// Key returns the topic this doc's updates arrive on
func (d ReleaseDoc) Key() topic.Key {
	return topic.ReplicationController(d.ClusterID, d.RCName())
}

// Release is one deploy attempt of a project
type Release struct {
	ID        string       `json:"id"`
	ProjectID string       `json:"projectId"`
	Docs      []ReleaseDoc `json:"docs"`
}

func (r Release) Validate() error {
	var errs []error
	if r.ID == "" {
		errs = append(errs, errors.New("release id is required"))
	}
	if r.ProjectID == "" {
		errs = append(errs, errors.New("project id is required"))
	}
	if len(r.Docs) == 0 {
		errs = append(errs, errors.New("at least one release doc is required"))
	}
	for i, doc := range r.Docs {
		if doc.DeployGroup == "" && doc.ReplicationController == "" {
			errs = append(errs, fmt.Errorf("docs[%d]: deploy group or replication controller is required", i))
		}
		if doc.ReplicaTarget < 0 {
			errs = append(errs, fmt.Errorf("docs[%d]: replica target must not be negative", i))
		}
	}
	return errors.Join(errs...)
}

// ReleaseStore persists the terminal state of a release
type ReleaseStore interface {
	MarkLive(ctx context.Context, releaseID string) error
}

// Status is the rollout state of a release while it is being watched
type Status int32

const (
	StatusCreated Status = iota
	StatusSpinningUp
	StatusLive
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusSpinningUp:
		return "spinning_up"
	case StatusLive:
		return "live"
	default:
		return fmt.Sprintf("Status(%d)", int32(s))
	}
}

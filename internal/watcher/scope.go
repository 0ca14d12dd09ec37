package watcher

import (
	"errors"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
)

// ErrNoScope is returned when a scoped watcher gets neither a name nor a label selector
var ErrNoScope = errors.New("watcher: a name or a label selector is required")

// Scope narrows a watch server-side
type Scope struct {
	Name          string
	LabelSelector string
}

func (s Scope) validate() error {
	if s.Name == "" && s.LabelSelector == "" {
		return ErrNoScope
	}
	return nil
}

func (s Scope) listOptions() metav1.ListOptions {
	opts := metav1.ListOptions{LabelSelector: s.LabelSelector}
	if s.Name != "" {
		opts.FieldSelector = fields.OneTermEqualSelector("metadata.name", s.Name).String()
	}
	return opts
}

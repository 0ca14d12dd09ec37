package filter

import (
	"fmt"
	"path/filepath"
	"strings"

	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/selection"
)

// ResourceFilterConfig holds the namespace and label rules applied to
// cluster-wide notices before they are republished
type ResourceFilterConfig struct {
	WatchNamespaces   []string // Glob patterns for namespaces to watch (e.g., "production-*")
	ExcludeNamespaces []string // Glob patterns for namespaces to exclude (e.g., "kube-system")

	RequireLabels []string // Label keys that must be present
	ExcludeLabels []string // "key=value" excludes that value, a bare "key" excludes any value
}

// ResourceFilter matches namespaces against glob patterns and labels against
// a selector compiled from the label rules
type ResourceFilter struct {
	watch    []string
	exclude  []string
	selector labels.Selector
}

// NewResourceFilter validates the patterns and label keys in config
func NewResourceFilter(config ResourceFilterConfig) (*ResourceFilter, error) {
	for _, pattern := range append(append([]string{}, config.WatchNamespaces...), config.ExcludeNamespaces...) {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid namespace pattern %q: %w", pattern, err)
		}
	}

	selector := labels.NewSelector()
	for _, key := range config.RequireLabels {
		req, err := labels.NewRequirement(key, selection.Exists, nil)
		if err != nil {
			return nil, fmt.Errorf("invalid required label %q: %w", key, err)
		}
		selector = selector.Add(*req)
	}
	for _, exclusion := range config.ExcludeLabels {
		req, err := exclusionRequirement(exclusion)
		if err != nil {
			return nil, fmt.Errorf("invalid excluded label %q: %w", exclusion, err)
		}
		selector = selector.Add(*req)
	}

	return &ResourceFilter{
		watch:    config.WatchNamespaces,
		exclude:  config.ExcludeNamespaces,
		selector: selector,
	}, nil
}

func exclusionRequirement(s string) (*labels.Requirement, error) {
	key, value, hasValue := strings.Cut(s, "=")
	if !hasValue {
		return labels.NewRequirement(key, selection.DoesNotExist, nil)
	}
	return labels.NewRequirement(key, selection.NotEquals, []string{value})
}

// Accept reports whether an object in namespace carrying objLabels passes
// both the namespace and the label rules. A nil filter accepts everything.
func (f *ResourceFilter) Accept(namespace string, objLabels map[string]string) bool {
	if f == nil {
		return true
	}
	return f.AcceptNamespace(namespace) && f.selector.Matches(labels.Set(objLabels))
}

// AcceptNamespace applies exclusions first; an empty watch list watches every namespace
func (f *ResourceFilter) AcceptNamespace(namespace string) bool {
	if matchAny(f.exclude, namespace) {
		return false
	}
	return len(f.watch) == 0 || matchAny(f.watch, namespace)
}

// Selector is the compiled label rule set, usable as a server-side label selector
func (f *ResourceFilter) Selector() labels.Selector {
	return f.selector
}

func matchAny(patterns []string, s string) bool {
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(pattern, s); ok {
			return true
		}
	}
	return false
}

// DefaultExcludedNamespaces returns the namespaces excluded when none are configured
func DefaultExcludedNamespaces() []string {
	return []string{
		"kube-system",
		"kube-public",
		"kube-node-lease",
	}
}

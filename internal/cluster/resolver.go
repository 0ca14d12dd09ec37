package cluster

import (
	"context"
	"errors"
	"time"
)

// CloudProvider represents the detected cloud provider
type CloudProvider string

const (
	ProviderUnknown CloudProvider = "unknown"
	ProviderGCP     CloudProvider = "gcp"
)

// Identity is what a cloud metadata service tells us about the cluster we run in
type Identity struct {
	ClusterID   string
	ClusterName string
	Provider    CloudProvider
	Region      string
	ProjectID   string
}

// ErrNoProviderDetected is returned when no cloud provider can be detected
var ErrNoProviderDetected = errors.New("no cloud provider detected")

// IdentityProvider resolves the in-cluster identity from one cloud's metadata service
type IdentityProvider interface {
	Name() CloudProvider
	Detect(ctx context.Context) bool
	Resolve(ctx context.Context) (*Identity, error)
}

// ResolverConfig holds configuration for the resolver
type ResolverConfig struct {
	// Timeout for metadata requests
	Timeout   time.Duration
	EnableGCP bool
}

// DefaultResolverConfig returns the default resolver configuration
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		Timeout:   3 * time.Second,
		EnableGCP: true,
	}
}

// Resolver picks the first provider that detects its environment.
// It is used to name the local cluster when no cluster id is configured.
type Resolver struct {
	config    ResolverConfig
	providers []IdentityProvider
}

func NewResolver(cfg ResolverConfig) *Resolver {
	var providers []IdentityProvider
	if cfg.EnableGCP {
		providers = append(providers, NewGCPProvider(cfg.Timeout))
	}
	return &Resolver{
		config:    cfg,
		providers: providers,
	}
}

// Resolve detects the cloud provider and resolves the cluster identity
func (r *Resolver) Resolve(ctx context.Context) (*Identity, error) {
	for _, provider := range r.providers {
		if provider.Detect(ctx) {
			return provider.Resolve(ctx)
		}
	}
	return nil, ErrNoProviderDetected
}

// DetectProvider returns the detected cloud provider without resolving the identity
func (r *Resolver) DetectProvider(ctx context.Context) CloudProvider {
	for _, provider := range r.providers {
		if provider.Detect(ctx) {
			return provider.Name()
		}
	}
	return ProviderUnknown
}

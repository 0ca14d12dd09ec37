package cluster

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"resty.dev/v3"
)

const (
	gcpMetadataBase   = "http://metadata.google.internal/computeMetadata/v1"
	gcpMetadataFlavor = "Google"
)

// GCPProvider resolves the GKE cluster identity from the GCE metadata server
type GCPProvider struct {
	client *resty.Client
}

// NewGCPProvider creates a provider talking to the real metadata server
func NewGCPProvider(timeout time.Duration) *GCPProvider {
	return NewGCPProviderWithURL(timeout, gcpMetadataBase)
}

// NewGCPProviderWithURL creates a provider for a custom metadata URL (used by tests)
func NewGCPProviderWithURL(timeout time.Duration, metadataURL string) *GCPProvider {
	client := resty.New().
		SetTimeout(timeout).
		SetBaseURL(metadataURL).
		SetHeader("Metadata-Flavor", gcpMetadataFlavor)
	return &GCPProvider{client: client}
}

func (p *GCPProvider) Name() CloudProvider {
	return ProviderGCP
}

// Detect checks the metadata server answers and identifies itself as Google
func (p *GCPProvider) Detect(ctx context.Context) bool {
	resp, err := p.client.R().SetContext(ctx).Get("/")
	if err != nil {
		return false
	}
	return resp.StatusCode() == http.StatusOK &&
		resp.Header().Get("Metadata-Flavor") == gcpMetadataFlavor
}

// Resolve builds the cluster id gcp/<project>/<region>/<cluster-name>
func (p *GCPProvider) Resolve(ctx context.Context) (*Identity, error) {
	clusterName, err := p.getMetadata(ctx, "/instance/attributes/cluster-name")
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster-name: %w", err)
	}

	projectID, err := p.getMetadata(ctx, "/project/project-id")
	if err != nil {
		return nil, fmt.Errorf("failed to get project-id: %w", err)
	}

	// projects/<project-number>/zones/<zone>
	zone, err := p.getMetadata(ctx, "/instance/zone")
	if err != nil {
		return nil, fmt.Errorf("failed to get zone: %w", err)
	}
	region := extractRegionFromZone(path.Base(zone))

	return &Identity{
		ClusterID:   fmt.Sprintf("gcp/%s/%s/%s", projectID, region, clusterName),
		ClusterName: clusterName,
		Provider:    ProviderGCP,
		Region:      region,
		ProjectID:   projectID,
	}, nil
}

func (p *GCPProvider) getMetadata(ctx context.Context, key string) (string, error) {
	resp, err := p.client.R().SetContext(ctx).Get(key)
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("metadata request failed with status %d", resp.StatusCode())
	}
	return strings.TrimSpace(resp.String()), nil
}

// extractRegionFromZone drops the zone suffix: us-central1-a -> us-central1
func extractRegionFromZone(zone string) string {
	lastDash := strings.LastIndex(zone, "-")
	if lastDash == -1 {
		return zone
	}
	return zone[:lastDash]
}

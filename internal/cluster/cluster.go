package cluster

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"
	"sigs.k8s.io/yaml"
)

// Cluster holds the identity and connection parameters of one Kubernetes cluster.
// Parameters are fixed at construction; changing them means restarting the
// watchers for the cluster.
type Cluster struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Server      string `json:"server,omitempty"`
	BearerToken string `json:"bearerToken,omitempty"`
	CAFile      string `json:"caFile,omitempty"`
	Insecure    bool   `json:"insecureSkipTLSVerify,omitempty"`
	Kubeconfig  string `json:"kubeconfig,omitempty"`
	Context     string `json:"context,omitempty"`
	// Namespace scopes every watch opened for this cluster. Empty means all namespaces.
	Namespace string `json:"namespace,omitempty"`

	mu     sync.Mutex
	client kubernetes.Interface
}

// File is the on-disk layout of the clusters file
type File struct {
	Clusters []*Cluster `json:"clusters"`
}

// New returns a cluster bound to an already constructed client
func New(id string, client kubernetes.Interface) *Cluster {
	return &Cluster{ID: id, client: client}
}

// LoadFile reads a YAML clusters file
func LoadFile(path string) ([]*Cluster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read clusters file: %w", err)
	}
	return Parse(data)
}

// Parse decodes clusters from YAML and validates them
func Parse(data []byte) ([]*Cluster, error) {
	var file File
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse clusters file: %w", err)
	}

	seen := make(map[string]bool, len(file.Clusters))
	for i, c := range file.Clusters {
		if c == nil || c.ID == "" {
			return nil, fmt.Errorf("cluster #%d has no id", i)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("duplicate cluster id %q", c.ID)
		}
		seen[c.ID] = true
	}
	return file.Clusters, nil
}

// String returns the display name of the cluster
func (c *Cluster) String() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// RestConfig builds the client configuration for the cluster: an explicit
// kubeconfig wins, then server/token, then the ambient (in-cluster or
// $KUBECONFIG) configuration.
func (c *Cluster) RestConfig() (*rest.Config, error) {
	switch {
	case c.Kubeconfig != "":
		loader := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			&clientcmd.ClientConfigLoadingRules{ExplicitPath: c.Kubeconfig},
			&clientcmd.ConfigOverrides{CurrentContext: c.Context},
		)
		return loader.ClientConfig()
	case c.Server != "":
		return &rest.Config{
			Host:        c.Server,
			BearerToken: c.BearerToken,
			TLSClientConfig: rest.TLSClientConfig{
				CAFile:   c.CAFile,
				Insecure: c.Insecure,
			},
		}, nil
	default:
		return ctrlconfig.GetConfig()
	}
}

// Client returns the cluster's clientset, creating it on first use
func (c *Cluster) Client() (kubernetes.Interface, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}
	if c.ID == "" {
		return nil, errors.New("cluster has no id")
	}

	cfg, err := c.RestConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build rest config for cluster %s: %w", c.ID, err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset for cluster %s: %w", c.ID, err)
	}
	c.client = client
	return client, nil
}

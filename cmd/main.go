/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	"sigs.k8s.io/controller-runtime/pkg/metrics/filters"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/apptrail-sh/rollout-watcher/internal/buildinfo"
	"github.com/apptrail-sh/rollout-watcher/internal/cluster"
	"github.com/apptrail-sh/rollout-watcher/internal/deploy"
	"github.com/apptrail-sh/rollout-watcher/internal/filter"
	"github.com/apptrail-sh/rollout-watcher/internal/heartbeat"
	"github.com/apptrail-sh/rollout-watcher/internal/hooks"
	"github.com/apptrail-sh/rollout-watcher/internal/hooks/controlplane"
	"github.com/apptrail-sh/rollout-watcher/internal/hooks/pubsub"
	"github.com/apptrail-sh/rollout-watcher/internal/model"
	"github.com/apptrail-sh/rollout-watcher/internal/supervisor"
	"github.com/apptrail-sh/rollout-watcher/internal/topic"
	"github.com/apptrail-sh/rollout-watcher/internal/watcher"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

// config holds all command-line configuration
type config struct {
	metricsAddr          string
	enableLeaderElection bool
	probeAddr            string
	secureMetrics        bool
	enableHTTP2          bool
	clustersFile         string
	clusterID            string
	controlPlaneURL      string
	pubsubTopic          string
	watchNamespaces      string
	excludeNamespaces    string
	requireLabels        string
	excludeLabels        string
	forwardPodErrors     string
	heartbeatInterval    time.Duration
}

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

func main() {
	cfg := parseFlags()

	ctx := ctrl.SetupSignalHandler()
	agentVersion := buildinfo.Version()
	broker := topic.NewBroker()

	clusters := loadClusters(ctx, &cfg)

	events := make(chan model.DeployEvent, 100)
	podErrors := make(chan model.PodErrorPayload, 1000)

	cp, publishers, podErrorPublishers := setupPublishers(ctx, cfg)

	var store deploy.ReleaseStore = loggingStore{log: ctrl.Log.WithName("release-store")}
	if cp != nil {
		store = cp
	}
	deployManager := deploy.NewManager(ctx, deploy.Options{
		Broker: broker,
		Store:  store,
		Events: events,
		Source: model.SourceMetadata{ClusterID: cfg.clusterID, AgentVersion: agentVersion},
		Logger: ctrl.Log,
	})

	mgr := setupManager(cfg, deploy.NewHandler(deployManager, ctrl.Log))

	sup := supervisor.New(ctrl.Log)
	if err := registerWatchers(sup, broker, cfg); err != nil {
		setupLog.Error(err, "invalid resource filter")
		os.Exit(1)
	}

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	addRunnable(mgr, "cluster watchers", supervisor.NewRunner(sup, clusterLoader(cfg, clusters), reload, ctrl.Log))
	addRunnable(mgr, "deploy watchers", deployManager)
	addRunnable(mgr, "event publisher queue", hooks.NewEventPublisherQueue(events, publishers))

	if projects := splitAndTrim(cfg.forwardPodErrors); len(projects) > 0 {
		addRunnable(mgr, "pod error forwarder", hooks.NewPodErrorForwarder(broker, projects, podErrors, agentVersion))
		addRunnable(mgr, "pod error publisher queue",
			hooks.NewBatchPublisherQueue(podErrors, podErrorPublishers, hooks.DefaultBatchConfig()))
		setupLog.Info("Forwarding pod errors", "projects", projects)
	}

	if cp != nil {
		sender := heartbeat.NewSender(heartbeat.Config{
			Interval:     cfg.heartbeatInterval,
			ClusterID:    cfg.clusterID,
			AgentVersion: agentVersion,
		}, sup, deployManager, []hooks.HeartbeatPublisher{cp})
		addRunnable(mgr, "heartbeat sender", sender)
	}

	setupHealthChecks(mgr)

	setupLog.Info("starting manager", "version", agentVersion, "clusters", len(clusters))
	if err := mgr.Start(ctx); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}

func parseFlags() config {
	var cfg config

	flag.StringVar(&cfg.metricsAddr, "metrics-bind-address", ":8080", "The address the metrics endpoint binds to. "+
		"Use :8443 for HTTPS or :8080 for HTTP, or leave as 0 to disable the metrics service. "+
		"Releases are accepted on POST /releases at the same address.")
	flag.StringVar(&cfg.probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.BoolVar(&cfg.enableLeaderElection, "leader-elect", false,
		"Enable leader election for the watcher manager. "+
			"Enabling this will ensure there is only one active watcher process.")
	flag.BoolVar(&cfg.secureMetrics, "metrics-secure", false,
		"If set, the metrics endpoint is served securely via HTTPS. Use --metrics-secure=false to use HTTP instead.")
	flag.BoolVar(&cfg.enableHTTP2, "enable-http2", false,
		"If set, HTTP/2 will be enabled for the metrics server")
	flag.StringVar(&cfg.clustersFile, "clusters-file", os.Getenv("CLUSTERS_FILE"),
		"YAML file listing the clusters to watch. When empty only the local cluster is watched.")
	flag.StringVar(&cfg.clusterID, "cluster-id", os.Getenv("CLUSTER_ID"),
		"Identifier of the local cluster (e.g., staging.stg01). Resolved from GCP metadata when empty.")
	flag.StringVar(&cfg.controlPlaneURL, "controlplane-url", "",
		"Base URL of the control plane API (e.g., http://controlplane:3000/ingest/v1)")
	flag.StringVar(&cfg.pubsubTopic, "pubsub-topic", os.Getenv("PUBSUB_TOPIC"),
		"Google Cloud Pub/Sub topic path (projects/<project>/topics/<topic>)")
	flag.StringVar(&cfg.watchNamespaces, "watch-namespaces", "",
		"Comma-separated list of namespace patterns to watch (e.g., 'production-*,staging-*')")
	flag.StringVar(&cfg.excludeNamespaces, "exclude-namespaces", strings.Join(filter.DefaultExcludedNamespaces(), ","),
		"Comma-separated list of namespace patterns to exclude")
	flag.StringVar(&cfg.requireLabels, "require-labels", "",
		"Comma-separated list of label keys that must be present (e.g., 'replication_controller')")
	flag.StringVar(&cfg.excludeLabels, "exclude-labels", "",
		"Comma-separated list of label key=value pairs that cause exclusion (e.g., 'internal.apptrail.sh/ignore=true')")
	flag.StringVar(&cfg.forwardPodErrors, "forward-pod-errors", "",
		"Comma-separated list of project ids whose pod errors are forwarded to the publishers")
	flag.DurationVar(&cfg.heartbeatInterval, "heartbeat-interval", heartbeat.DefaultConfig().Interval,
		"How often a heartbeat is sent to the control plane")

	opts := zap.Options{Development: true}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	if err := (heartbeat.Config{Interval: cfg.heartbeatInterval}).Validate(); err != nil {
		setupLog.Error(err, "invalid --heartbeat-interval")
		os.Exit(1)
	}

	return cfg
}

// loadClusters returns the clusters file entries, or the local cluster
func loadClusters(ctx context.Context, cfg *config) []*cluster.Cluster {
	if cfg.clustersFile != "" {
		clusters, err := cluster.LoadFile(cfg.clustersFile)
		if err != nil {
			setupLog.Error(err, "unable to load clusters", "file", cfg.clustersFile)
			os.Exit(1)
		}
		setupLog.Info("Loaded clusters", "file", cfg.clustersFile, "count", len(clusters))
		return clusters
	}

	if cfg.clusterID == "" {
		identity, err := cluster.NewResolver(cluster.DefaultResolverConfig()).Resolve(ctx)
		if err != nil {
			setupLog.Error(err, "cluster-id is required when it cannot be resolved from the cloud provider")
			os.Exit(1)
		}
		cfg.clusterID = identity.ClusterID
		setupLog.Info("Resolved cluster identity",
			"clusterID", identity.ClusterID,
			"provider", identity.Provider,
			"region", identity.Region)
	}
	return []*cluster.Cluster{{ID: cfg.clusterID, Name: cfg.clusterID}}
}

// clusterLoader re-reads the clusters file on reload. Without one the
// initial clusters are kept.
func clusterLoader(cfg config, initial []*cluster.Cluster) supervisor.ClusterLoader {
	if cfg.clustersFile == "" {
		return func() ([]*cluster.Cluster, error) { return initial, nil }
	}
	first := true
	return func() ([]*cluster.Cluster, error) {
		if first {
			first = false
			return initial, nil
		}
		return cluster.LoadFile(cfg.clustersFile)
	}
}

func setupManager(cfg config, releases http.Handler) ctrl.Manager {
	// deploy finalizers and the event drain run after the stop signal
	shutdownTimeout := hooks.DefaultDrainTimeout + 5*time.Second

	var tlsOpts []func(*tls.Config)

	if !cfg.enableHTTP2 {
		disableHTTP2 := func(c *tls.Config) {
			setupLog.Info("disabling http/2")
			c.NextProtos = []string{"http/1.1"}
		}
		tlsOpts = append(tlsOpts, disableHTTP2)
	}

	metricsServerOptions := metricsserver.Options{
		BindAddress:   cfg.metricsAddr,
		SecureServing: cfg.secureMetrics,
		TLSOpts:       tlsOpts,
		ExtraHandlers: map[string]http.Handler{
			"/releases": releases,
		},
	}

	if cfg.secureMetrics {
		metricsServerOptions.FilterProvider = filters.WithAuthenticationAndAuthorization
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                  scheme,
		Metrics:                 metricsServerOptions,
		HealthProbeBindAddress:  cfg.probeAddr,
		LeaderElection:          cfg.enableLeaderElection,
		LeaderElectionID:        "rollout-watcher.apptrail.sh",
		GracefulShutdownTimeout: &shutdownTimeout,
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	return mgr
}

func setupPublishers(ctx context.Context, cfg config) (*controlplane.HTTPPublisher, []hooks.EventPublisher, []hooks.PodErrorPublisher) {
	var cp *controlplane.HTTPPublisher
	var publishers []hooks.EventPublisher
	var podErrorPublishers []hooks.PodErrorPublisher

	if cfg.controlPlaneURL != "" {
		cp = controlplane.NewHTTPPublisher(cfg.controlPlaneURL)
		publishers = append(publishers, cp)
		podErrorPublishers = append(podErrorPublishers, cp)
		setupLog.Info("Control Plane publisher enabled", "endpoint", cfg.controlPlaneURL)
	}

	if cfg.pubsubTopic != "" {
		pubsubPublisher, err := pubsub.NewPubSubPublisher(ctx, cfg.pubsubTopic, cfg.clusterID)
		if err != nil {
			setupLog.Error(err, "unable to create Pub/Sub publisher",
				"hint", "Ensure valid credentials via Workload Identity, GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth")
			os.Exit(1)
		}
		publishers = append(publishers, pubsubPublisher)
		podErrorPublishers = append(podErrorPublishers, pubsubPublisher)
		setupLog.Info("Google Pub/Sub publisher enabled", "topic", cfg.pubsubTopic)
	}

	if len(publishers) == 0 {
		setupLog.Info("No event publishers configured, deploy events will only be logged")
	}

	return cp, publishers, podErrorPublishers
}

// registerWatchers makes every cluster-wide watcher type startable per cluster
func registerWatchers(sup *supervisor.Supervisor, broker *topic.Broker, cfg config) error {
	resourceFilter, err := filter.NewResourceFilter(filter.ResourceFilterConfig{
		WatchNamespaces:   splitAndTrim(cfg.watchNamespaces),
		ExcludeNamespaces: splitAndTrim(cfg.excludeNamespaces),
		RequireLabels:     splitAndTrim(cfg.requireLabels),
		ExcludeLabels:     splitAndTrim(cfg.excludeLabels),
	})
	if err != nil {
		return err
	}

	sup.Register(watcher.ClusterPodWatcherType, func(ctx context.Context, c *cluster.Cluster) (*watcher.ClusterWatcher, error) {
		return watcher.StartClusterPodWatcher(ctx, c, broker, resourceFilter)
	})
	sup.Register(watcher.ClusterReplicationControllerWatcherType, func(ctx context.Context, c *cluster.Cluster) (*watcher.ClusterWatcher, error) {
		return watcher.StartClusterReplicationControllerWatcher(ctx, c, broker, resourceFilter)
	})
	sup.Register(watcher.ClusterPodErrorWatcherType, func(ctx context.Context, c *cluster.Cluster) (*watcher.ClusterWatcher, error) {
		return watcher.StartClusterPodErrorWatcher(ctx, c, broker)
	})
	return nil
}

func addRunnable(mgr ctrl.Manager, name string, r manager.Runnable) {
	if err := mgr.Add(r); err != nil {
		setupLog.Error(err, "unable to add runnable", "runnable", name)
		os.Exit(1)
	}
}

func setupHealthChecks(mgr ctrl.Manager) {
	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}
}

// loggingStore is the release store used when no control plane is configured
type loggingStore struct {
	log logr.Logger
}

func (s loggingStore) MarkLive(_ context.Context, releaseID string) error {
	s.log.Info("Release is live", "release", releaseID)
	return nil
}

// splitAndTrim splits a comma-separated string and trims whitespace from each element
func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

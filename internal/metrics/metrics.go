package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

const namespace = "rollout_watcher"

var (
	// Notices counts notices accepted by a watcher, by notice type
	Notices = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notices_total",
		Help:      "Watch notices delivered to a watcher's handler",
	}, []string{"watcher", "type"})

	// ErrorNotices counts ERROR notices that were logged and dropped
	ErrorNotices = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "error_notices_total",
		Help:      "ERROR watch notices received and dropped",
	}, []string{"watcher"})

	// TopicPublishes counts broker publishes by topic kind
	TopicPublishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "topic_publishes_total",
		Help:      "Messages published on in-process topics",
	}, []string{"kind"})

	// LiveWatchers is 1 while a cluster watcher's read loop is running
	LiveWatchers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_watchers",
		Help:      "Cluster watchers currently running",
	}, []string{"watcher", "cluster"})

	// DeploysFinished counts deploy watchers that ran their finalizer
	DeploysFinished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deploys_finished_total",
		Help:      "Deploy watchers that marked their release live",
	})
)

func init() {
	crmetrics.Registry.MustRegister(
		Notices,
		ErrorNotices,
		TopicPublishes,
		LiveWatchers,
		DeploysFinished,
	)
}

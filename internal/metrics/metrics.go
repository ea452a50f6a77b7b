package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ReconcileSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "resource_dispatcher",
		Name:      "reconcile_seconds",
		Help:      "Duration of namespace reconcile passes.",
		Buckets:   prometheus.DefBuckets,
	})
	ObjectWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resource_dispatcher",
		Name:      "object_writes_total",
		Help:      "Cluster writes issued for managed objects.",
	}, []string{"operation", "kind", "result"})
	TasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resource_dispatcher",
		Name:      "tasks_total",
		Help:      "Reconcile tasks enqueued, by reason.",
	}, []string{"reason"})
	FailedNamespaces = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "resource_dispatcher",
		Name:      "failed_namespaces",
		Help:      "Namespaces whose retry budget is exhausted.",
	})
	Templates = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "resource_dispatcher",
		Name:      "templates",
		Help:      "Templates currently held, by relation.",
	}, []string{"relation"})
	RelationErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "resource_dispatcher",
		Name:      "relation_errors_total",
		Help:      "Rejected relation payloads.",
	}, []string{"relation", "error"})
	WatchRestartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "resource_dispatcher",
		Name:      "watch_restarts_total",
		Help:      "Namespace watch reconnects.",
	})
)

func init() {
	prometheus.MustRegister(ReconcileSeconds, ObjectWritesTotal, TasksTotal, FailedNamespaces, Templates, RelationErrorsTotal, WatchRestartsTotal)
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	IsMaster = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "heron_is_master",
			Help: "Whether this node is the scheduling master (1 = master, 0 = follower)",
		},
	)

	NodesAlive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "heron_nodes_alive",
			Help: "Number of nodes with a live heartbeat",
		},
	)

	Denylisted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "heron_node_denylisted",
			Help: "Whether this node is on the denylist (1 = denylisted)",
		},
	)

	// Queue metrics
	TasksPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heron_tasks_published_total",
			Help: "Total number of tasks published by topic and origin",
		},
		[]string{"topic", "origin"},
	)

	TasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heron_tasks_processed_total",
			Help: "Total number of tasks processed by topic and outcome",
		},
		[]string{"topic", "status"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "heron_task_duration_seconds",
			Help:    "Time taken to process one task in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "heron_queue_depth",
			Help: "Entries currently held in the topic streams",
		},
		[]string{"topic"},
	)

	TasksReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "heron_tasks_reclaimed_total",
			Help: "Total number of pending tasks reclaimed from idle consumers",
		},
	)

	// Loop metrics
	LeasesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "heron_leases",
			Help: "Live status records by status",
		},
		[]string{"status"},
	)

	EntitiesReseeded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "heron_entities_reseeded_total",
			Help: "Total number of stalled entity loops re-seeded by the watchdog",
		},
	)

	WatchdogDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "heron_watchdog_duration_seconds",
			Help:    "Time taken by one watchdog pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ScanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "heron_scan_duration_seconds",
			Help:    "Time taken by one producer scan in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scan"},
	)

	// Lock metrics
	LockAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heron_lock_acquisitions_total",
			Help: "Total number of lock acquisition attempts by result",
		},
		[]string{"result"},
	)

	// Upstream metrics
	UpstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heron_upstream_requests_total",
			Help: "Total number of upstream fetches by task type and result",
		},
		[]string{"type", "result"},
	)

	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "heron_upstream_request_duration_seconds",
			Help:    "Upstream fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heron_api_requests_total",
			Help: "Total number of monitor API requests",
		},
		[]string{"route", "status"},
	)
)

func init() {
	prometheus.MustRegister(IsMaster)
	prometheus.MustRegister(NodesAlive)
	prometheus.MustRegister(Denylisted)
	prometheus.MustRegister(TasksPublished)
	prometheus.MustRegister(TasksProcessed)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(TasksReclaimed)
	prometheus.MustRegister(LeasesByStatus)
	prometheus.MustRegister(EntitiesReseeded)
	prometheus.MustRegister(WatchdogDuration)
	prometheus.MustRegister(ScanDuration)
	prometheus.MustRegister(LockAcquisitions)
	prometheus.MustRegister(UpstreamRequests)
	prometheus.MustRegister(UpstreamDuration)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBool sets a gauge to 1 or 0
func SetBool(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
	} else {
		g.Set(0)
	}
}

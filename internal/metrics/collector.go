package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dfscache/dfscache/pkg/types"
)

// Collector aggregates cache layer metrics into a dedicated prometheus
// registry. A nil Collector is valid and drops every observation, so
// components can be wired without metrics in tests.
type Collector struct {
	registry *prometheus.Registry

	requestsAdmitted *prometheus.CounterVec
	requestsDone     *prometheus.CounterVec
	tasksDone        *prometheus.CounterVec
	bytesDownloaded  prometheus.Counter
	queueDepth       *prometheus.GaugeVec
	poolConnections  *prometheus.GaugeVec
	requestDuration  *prometheus.HistogramVec
}

// NewCollector creates a collector with the given constant labels.
func NewCollector(constLabels map[string]string) *Collector {
	labels := prometheus.Labels{}
	for k, v := range constLabels {
		labels[k] = v
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "dfscache",
			Name:        "requests_admitted_total",
			Help:        "Client requests admitted, by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		requestsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "dfscache",
			Name:        "requests_finalized_total",
			Help:        "Client requests finalized, by aggregate state.",
			ConstLabels: labels,
		}, []string{"state"}),
		tasksDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "dfscache",
			Name:        "tasks_completed_total",
			Help:        "Per-file tasks completed, by kind and terminal phase.",
			ConstLabels: labels,
		}, []string{"kind", "phase"}),
		bytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "dfscache",
			Name:        "bytes_downloaded_total",
			Help:        "Bytes materialized into the local cache.",
			ConstLabels: labels,
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "dfscache",
			Name:        "queue_depth",
			Help:        "Tasks waiting on a priority queue.",
			ConstLabels: labels,
		}, []string{"priority"}),
		poolConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "dfscache",
			Name:        "pool_connections",
			Help:        "Connections held per remote filesystem pool.",
			ConstLabels: labels,
		}, []string{"fs"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "dfscache",
			Name:        "request_duration_seconds",
			Help:        "Admission-to-finalization latency, by kind.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"kind"}),
	}

	c.registry.MustRegister(c.requestsAdmitted, c.requestsDone, c.tasksDone,
		c.bytesDownloaded, c.queueDepth, c.poolConnections, c.requestDuration)
	return c
}

// Handler serves the collector's registry over HTTP.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RequestAdmitted records one admitted request.
func (c *Collector) RequestAdmitted(kind types.RequestKind) {
	if c == nil {
		return
	}
	c.requestsAdmitted.WithLabelValues(kind.String()).Inc()
}

// RequestFinalized records one finalized request and its latency.
func (c *Collector) RequestFinalized(kind types.RequestKind, state types.RequestState, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.requestsDone.WithLabelValues(state.String()).Inc()
	c.requestDuration.WithLabelValues(kind.String()).Observe(elapsed.Seconds())
}

// TaskCompleted records one terminal task.
func (c *Collector) TaskCompleted(kind types.RequestKind, phase types.FilePhase) {
	if c == nil {
		return
	}
	c.tasksDone.WithLabelValues(kind.String(), phase.String()).Inc()
}

// BytesDownloaded accumulates materialized bytes.
func (c *Collector) BytesDownloaded(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.bytesDownloaded.Add(float64(n))
}

// SetQueueDepth publishes the current depth of one priority queue.
func (c *Collector) SetQueueDepth(priority types.Priority, depth int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(priority.String()).Set(float64(depth))
}

// SetPoolConnections publishes the connection count of one pool.
func (c *Collector) SetPoolConnections(fs string, n int) {
	if c == nil {
		return
	}
	c.poolConnections.WithLabelValues(fs).Set(float64(n))
}

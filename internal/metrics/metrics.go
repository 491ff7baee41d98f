// Package metrics collects engine counters in a private prometheus registry.
//
// The tool is a batch CLI, so nothing is served; the registry is dumped to a
// node-exporter textfile when a batch ends.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mlflow_exim"

// Collector holds the engine counters.
type Collector struct {
	registry *prometheus.Registry

	objects       *prometheus.CounterVec
	requests      *prometheus.CounterVec
	retries       *prometheus.CounterVec
	artifactBytes *prometheus.CounterVec
	artifactFiles *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	activeWorkers prometheus.Gauge
}

// New creates a Collector with its own registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Collector{
		registry: reg,
		objects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objects_total",
			Help:      "Objects processed, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Requests sent to the tracking server, by method and status code.",
		}, []string{"method", "code"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried operations, by operation.",
		}, []string{"op"}),
		artifactBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_bytes_total",
			Help:      "Artifact bytes transferred, by direction.",
		}, []string{"direction"}),
		artifactFiles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_files_total",
			Help:      "Artifact files transferred or skipped, by direction and result.",
		}, []string{"direction", "result"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Per-object task duration, by kind.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"kind"}),
		activeWorkers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Workers currently executing a task.",
		}),
	}
}

// ObserveObject counts a finished object.
func (c *Collector) ObserveObject(kind, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.objects.WithLabelValues(kind, outcome).Inc()
	c.taskDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveRequest counts an HTTP request. A zero code means the request never
// got a response.
func (c *Collector) ObserveRequest(method string, code int) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

// ObserveRetry counts a retry of op.
func (c *Collector) ObserveRetry(op string) {
	if c == nil {
		return
	}
	c.retries.WithLabelValues(op).Inc()
}

// ObserveArtifact counts one file transfer. direction is "download" or
// "upload"; result is "transferred" or "skipped".
func (c *Collector) ObserveArtifact(direction, result string, bytes int64) {
	if c == nil {
		return
	}
	c.artifactFiles.WithLabelValues(direction, result).Inc()
	if result == "transferred" {
		c.artifactBytes.WithLabelValues(direction).Add(float64(bytes))
	}
}

// WorkerStarted and WorkerDone track the active worker gauge.
func (c *Collector) WorkerStarted() {
	if c != nil {
		c.activeWorkers.Inc()
	}
}

func (c *Collector) WorkerDone() {
	if c != nil {
		c.activeWorkers.Dec()
	}
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// WriteTextfile writes all metrics in the text exposition format to path.
func (c *Collector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.registry)
}

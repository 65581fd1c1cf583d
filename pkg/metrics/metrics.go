// Package metrics exposes the refiller's Prometheus metrics: pool
// watermarks, build outcomes and latencies, janitor reaps and vSphere/NSX
// operation timings. Adapted from the teacher's hand-rolled in-memory
// Collector into real github.com/prometheus/client_golang collectors —
// the teacher pack's domain dependency for this concern.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns every metric the refiller exports. All fields are
// client_golang collectors registered against a private Registry, so
// multiple Collectors (e.g. in tests) never collide on the default
// global registry.
type Collector struct {
	registry *prometheus.Registry

	readyCount   prometheus.Gauge
	pendingCount prometheus.Gauge

	buildsTotal    *prometheus.CounterVec
	buildDuration  prometheus.Histogram
	workerTimeouts prometheus.Counter

	janitorDeletions *prometheus.CounterVec

	vsphereOpDuration *prometheus.HistogramVec
	vsphereOpErrors   *prometheus.CounterVec

	nsxResolveDuration prometheus.Histogram
	nsxResolveErrors   prometheus.Counter
}

// NewCollector constructs and registers every metric.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		readyCount: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "refiller", Name: "ready_vms", Help: "Current number of ready-marked VMs in the pool.",
		}),
		pendingCount: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "refiller", Name: "pending_builds", Help: "Current number of enqueued but unfinished build jobs.",
		}),
		buildsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "refiller", Name: "builds_total", Help: "Completed builds by terminal status.",
		}, []string{"status"}),
		buildDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "refiller", Name: "build_duration_seconds", Help: "Wall-clock duration of a CloneWorker build, start to terminal result.",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		}),
		workerTimeouts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "refiller", Name: "worker_timeouts_total", Help: "Worker processes killed for exceeding the hard deadline.",
		}),
		janitorDeletions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "refiller", Name: "janitor_deletions_total", Help: "VMs deleted by the janitor, by reason.",
		}, []string{"reason"}),
		vsphereOpDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "refiller", Name: "vsphere_op_duration_seconds", Help: "vSphere gateway operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		vsphereOpErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "refiller", Name: "vsphere_op_errors_total", Help: "vSphere gateway operation failures, by kind.",
		}, []string{"op", "kind"}),
		nsxResolveDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "refiller", Name: "nsx_resolve_duration_seconds", Help: "Latency of resolving a MAC to an IP via the NSX ARP table.",
			Buckets: prometheus.DefBuckets,
		}),
		nsxResolveErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "refiller", Name: "nsx_resolve_errors_total", Help: "NSX ARP resolution failures.",
		}),
	}
	return c
}

// Handler serves /metrics for this Collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetPoolStats records the reconciler's view of ready/pending after a
// tick.
func (c *Collector) SetPoolStats(ready, pending int) {
	c.readyCount.Set(float64(ready))
	c.pendingCount.Set(float64(pending))
}

// RecordBuildResult records one worker's terminal outcome and its total
// duration.
func (c *Collector) RecordBuildResult(status string, duration time.Duration) {
	c.buildsTotal.WithLabelValues(status).Inc()
	c.buildDuration.Observe(duration.Seconds())
}

// RecordWorkerTimeout records a worker process killed for exceeding its
// hard deadline.
func (c *Collector) RecordWorkerTimeout() {
	c.workerTimeouts.Inc()
}

// RecordJanitorDeletion records one VM reaped by the janitor.
func (c *Collector) RecordJanitorDeletion(reason string) {
	c.janitorDeletions.WithLabelValues(reason).Inc()
}

// VSphereTimer times one gateway operation; call ObserveResult when it
// completes.
type VSphereTimer struct {
	start time.Time
	op    string
	c     *Collector
}

// StartVSphereOp begins timing a named gateway operation.
func (c *Collector) StartVSphereOp(op string) *VSphereTimer {
	return &VSphereTimer{start: time.Now(), op: op, c: c}
}

// ObserveResult records the timer's elapsed duration and, on failure, the
// error kind.
func (t *VSphereTimer) ObserveResult(errKind string) {
	t.c.vsphereOpDuration.WithLabelValues(t.op).Observe(time.Since(t.start).Seconds())
	if errKind != "" {
		t.c.vsphereOpErrors.WithLabelValues(t.op, errKind).Inc()
	}
}

// RecordNsxResolve records one MAC->IP resolution attempt's latency and
// outcome.
func (c *Collector) RecordNsxResolve(duration time.Duration, err error) {
	c.nsxResolveDuration.Observe(duration.Seconds())
	if err != nil {
		c.nsxResolveErrors.Inc()
	}
}

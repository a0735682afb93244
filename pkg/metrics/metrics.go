// Package metrics exposes pkgaudit's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pkgaudit"

// Mutation outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeBlocked   = "blocked"
	OutcomeFailed    = "failed"
)

// Registry holds all pkgaudit collectors on a private prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	operations       *prometheus.CounterVec
	mutationDuration prometheus.Histogram
	lockReclaims     prometheus.Counter
	lockHeld         prometheus.Gauge
	snapshotsCreated prometheus.Counter
	snapshotsEvicted prometheus.Counter
	uninstalls       *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpRateLimited  prometheus.Counter
	webhooks         *prometheus.CounterVec
}

// NewRegistry creates a registry with process and Go runtime collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Registry{
		reg: reg,
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Operations submitted to the queue by type and outcome.",
		}, []string{"type", "outcome"}),
		mutationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mutation_duration_seconds",
			Help:      "Time a mutation body held the lock.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		lockReclaims: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_stale_reclaims_total",
			Help:      "Stale or corrupt lock records force-cleared by acquire.",
		}),
		lockHeld: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lock_held",
			Help:      "1 while this process holds the mutation lock.",
		}),
		snapshotsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_created_total",
			Help:      "Snapshots written.",
		}),
		snapshotsEvicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_evicted_total",
			Help:      "Snapshots deleted by retention.",
		}),
		uninstalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uninstalls_total",
			Help:      "Uninstall attempts by manager and result.",
		}, []string{"manager", "success"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		httpRateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rate_limited_total",
			Help:      "HTTP requests rejected by the rate limiter.",
		}),
		webhooks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries by result (delivered, failed, dropped).",
		}, []string{"result"}),
	}
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// RecordOperation counts one queue submission.
func (r *Registry) RecordOperation(opType, outcome string) {
	if r == nil {
		return
	}
	r.operations.WithLabelValues(opType, outcome).Inc()
}

// ObserveMutation records how long a mutation body ran under the lock.
func (r *Registry) ObserveMutation(d time.Duration) {
	if r == nil {
		return
	}
	r.mutationDuration.Observe(d.Seconds())
}

// RecordLockReclaim counts one stale-lock takeover.
func (r *Registry) RecordLockReclaim() {
	if r == nil {
		return
	}
	r.lockReclaims.Inc()
}

// SetLockHeld flips the lock-held gauge.
func (r *Registry) SetLockHeld(held bool) {
	if r == nil {
		return
	}
	if held {
		r.lockHeld.Set(1)
		return
	}
	r.lockHeld.Set(0)
}

// RecordSnapshotCreated counts one snapshot write.
func (r *Registry) RecordSnapshotCreated() {
	if r == nil {
		return
	}
	r.snapshotsCreated.Inc()
}

// RecordSnapshotsEvicted counts snapshots removed by retention.
func (r *Registry) RecordSnapshotsEvicted(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.snapshotsEvicted.Add(float64(n))
}

// RecordUninstall counts one backend uninstall call.
func (r *Registry) RecordUninstall(manager string, success bool) {
	if r == nil {
		return
	}
	s := "false"
	if success {
		s = "true"
	}
	r.uninstalls.WithLabelValues(manager, s).Inc()
}

// RecordHTTPRequest counts one served request.
func (r *Registry) RecordHTTPRequest(route, code string) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(route, code).Inc()
}

// RecordRateLimited counts one request refused by the limiter.
func (r *Registry) RecordRateLimited() {
	if r == nil {
		return
	}
	r.httpRateLimited.Inc()
}

// RecordWebhook counts one webhook delivery outcome.
func (r *Registry) RecordWebhook(result string) {
	if r == nil {
		return
	}
	r.webhooks.WithLabelValues(result).Inc()
}

// Package metrics exposes the prometheus counters and gauges sampled by
// each node role: bundles sent/received, job lifecycle counts, the
// executor's pending-queue depth, and storage size.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles this process's metric instruments behind its own
// prometheus.Registry (rather than the global default one, so multiple
// node instances in the same test binary don't collide on registration).
// A nil *Registry is a documented valid no-op: every method on it is safe
// to call and simply does nothing, so callers need not special-case
// metrics being disabled.
type Registry struct {
	reg *prometheus.Registry

	BundlesSent     *prometheus.CounterVec
	BundlesReceived *prometheus.CounterVec

	JobsAdmitted  prometheus.Counter
	JobsSucceeded prometheus.Counter
	JobsFailed    prometheus.Counter
	PendingJobs   prometheus.Gauge

	StorageBytes   prometheus.Gauge
	StorageEntries prometheus.Gauge
}

// New constructs a Registry with all instruments registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		BundlesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rec_bundles_sent_total",
			Help: "Total number of bundles sent, by bundle type.",
		}, []string{"bundle_type"}),
		BundlesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rec_bundles_received_total",
			Help: "Total number of bundles received, by bundle type.",
		}, []string{"bundle_type"}),
		JobsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rec_jobs_admitted_total",
			Help: "Total number of jobs admitted to the executor's pending queue.",
		}),
		JobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rec_jobs_succeeded_total",
			Help: "Total number of jobs that ran to a normal exit code of 0.",
		}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rec_jobs_failed_total",
			Help: "Total number of jobs that failed (non-zero exit, trap, or setup error).",
		}),
		PendingJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rec_executor_pending_jobs",
			Help: "Current depth of the executor's pending job queue.",
		}),
		StorageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rec_storage_bytes",
			Help: "Total size in bytes of blob files on disk.",
		}),
		StorageEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rec_storage_entries",
			Help: "Total number of named-data index entries.",
		}),
	}

	reg.MustRegister(
		r.BundlesSent, r.BundlesReceived,
		r.JobsAdmitted, r.JobsSucceeded, r.JobsFailed, r.PendingJobs,
		r.StorageBytes, r.StorageEntries,
	)
	return r
}

// Handler returns the HTTP handler serving this registry's metrics in the
// Prometheus exposition format, or nil if r is nil.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return nil
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// IncBundleSent increments BundlesSent for bundleType. Safe to call on a
// nil Registry.
func (r *Registry) IncBundleSent(bundleType string) {
	if r == nil {
		return
	}
	r.BundlesSent.WithLabelValues(bundleType).Inc()
}

// IncBundleReceived increments BundlesReceived for bundleType. Safe to
// call on a nil Registry.
func (r *Registry) IncBundleReceived(bundleType string) {
	if r == nil {
		return
	}
	r.BundlesReceived.WithLabelValues(bundleType).Inc()
}

// SetStorageStats updates the storage gauges. Safe to call on a nil
// Registry.
func (r *Registry) SetStorageStats(entries int, bytes int64) {
	if r == nil {
		return
	}
	r.StorageEntries.Set(float64(entries))
	r.StorageBytes.Set(float64(bytes))
}

// SetPendingJobs updates the executor queue-depth gauge. Safe to call on
// a nil Registry.
func (r *Registry) SetPendingJobs(n int) {
	if r == nil {
		return
	}
	r.PendingJobs.Set(float64(n))
}

// IncJobsAdmitted increments JobsAdmitted. Safe to call on a nil Registry.
func (r *Registry) IncJobsAdmitted() {
	if r == nil {
		return
	}
	r.JobsAdmitted.Inc()
}

// IncJobsSucceeded increments JobsSucceeded. Safe to call on a nil Registry.
func (r *Registry) IncJobsSucceeded() {
	if r == nil {
		return
	}
	r.JobsSucceeded.Inc()
}

// IncJobsFailed increments JobsFailed. Safe to call on a nil Registry.
func (r *Registry) IncJobsFailed() {
	if r == nil {
		return
	}
	r.JobsFailed.Inc()
}

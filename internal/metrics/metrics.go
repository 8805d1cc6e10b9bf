// ============================================================================
// Orchestrator Metrics - Prometheus collectors
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose orchestrator metrics for Prometheus.
//
// Metrics:
//
//   Counters:
//     - orchestrator_jobs_created_total / orchestrator_jobs_deleted_total
//     - orchestrator_leases_granted_total{mode}
//     - orchestrator_heartbeats_total
//     - orchestrator_concurrency_conflicts_total{operation}
//     - orchestrator_stale_agents_evicted_total
//     - orchestrator_hook_failures_total{hook}
//     - orchestrator_reconcile_ticks_skipped_total
//
//   Histogram:
//     - orchestrator_reconcile_duration_seconds
//
//   Gauge:
//     - orchestrator_placements{state}
//
// A nil *Collector is valid and records nothing, so library packages can
// run without metrics in tests.
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the orchestrator's Prometheus metrics.
type Collector struct {
	jobsCreated       prometheus.Counter
	jobsDeleted       prometheus.Counter
	leasesGranted     *prometheus.CounterVec
	heartbeats        prometheus.Counter
	conflicts         *prometheus.CounterVec
	staleEvicted      prometheus.Counter
	hookFailures      *prometheus.CounterVec
	ticksSkipped      prometheus.Counter
	reconcileDuration prometheus.Histogram
	placementsByState *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// NewCollector creates the metrics and registers them with reg. A nil reg
// uses a fresh private registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_jobs_created_total",
			Help: "Total number of jobs created",
		}),
		jobsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_jobs_deleted_total",
			Help: "Total number of jobs deleted",
		}),
		leasesGranted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_leases_granted_total",
			Help: "Total number of leases granted to agents",
		}, []string{"mode"}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_heartbeats_total",
			Help: "Total number of accepted heartbeats",
		}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_concurrency_conflicts_total",
			Help: "Total number of writes rejected by a stale generation",
		}, []string{"operation"}),
		staleEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_stale_agents_evicted_total",
			Help: "Total number of stale agent entries evicted from jobs",
		}),
		hookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_hook_failures_total",
			Help: "Total number of failed registration hook calls",
		}, []string{"hook"}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_reconcile_ticks_skipped_total",
			Help: "Total number of reconcile ticks skipped because one was running",
		}),
		reconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_reconcile_duration_seconds",
			Help:    "Duration of writer group reconcile ticks in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		placementsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_placements",
			Help: "Current number of writer group placements by activation state",
		}, []string{"state"}),
	}

	reg.MustRegister(
		c.jobsCreated,
		c.jobsDeleted,
		c.leasesGranted,
		c.heartbeats,
		c.conflicts,
		c.staleEvicted,
		c.hookFailures,
		c.ticksSkipped,
		c.reconcileDuration,
		c.placementsByState,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}
	return c
}

// RecordJobCreated counts a created job.
func (c *Collector) RecordJobCreated() {
	if c == nil {
		return
	}
	c.jobsCreated.Inc()
}

// RecordJobDeleted counts a deleted job.
func (c *Collector) RecordJobDeleted() {
	if c == nil {
		return
	}
	c.jobsDeleted.Inc()
}

// RecordLeaseGranted counts a lease handed to an agent.
func (c *Collector) RecordLeaseGranted(mode string) {
	if c == nil {
		return
	}
	c.leasesGranted.WithLabelValues(mode).Inc()
}

// RecordHeartbeat counts an accepted heartbeat.
func (c *Collector) RecordHeartbeat() {
	if c == nil {
		return
	}
	c.heartbeats.Inc()
}

// RecordConflict counts a write rejected with a concurrency conflict.
func (c *Collector) RecordConflict(operation string) {
	if c == nil {
		return
	}
	c.conflicts.WithLabelValues(operation).Inc()
}

// RecordStaleEvicted counts evicted stale agent entries.
func (c *Collector) RecordStaleEvicted(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.staleEvicted.Add(float64(n))
}

// RecordHookFailure counts a failed hook call.
func (c *Collector) RecordHookFailure(hook string) {
	if c == nil {
		return
	}
	c.hookFailures.WithLabelValues(hook).Inc()
}

// RecordTickSkipped counts a reconcile tick that did not run.
func (c *Collector) RecordTickSkipped() {
	if c == nil {
		return
	}
	c.ticksSkipped.Inc()
}

// ObserveReconcile records the duration of one reconcile tick.
func (c *Collector) ObserveReconcile(seconds float64) {
	if c == nil {
		return
	}
	c.reconcileDuration.Observe(seconds)
}

// SetPlacements replaces the placement gauge with counts keyed by state.
func (c *Collector) SetPlacements(counts map[string]int) {
	if c == nil {
		return
	}
	c.placementsByState.Reset()
	for state, n := range counts {
		c.placementsByState.WithLabelValues(state).Set(float64(n))
	}
}

// Handler serves the metrics registered with the collector's registry, or
// the default gatherer when the registry cannot gather.
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

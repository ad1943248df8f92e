// Package prommetrics implements goentitle.Metrics using Prometheus.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Metrics implements goentitle.Metrics using Prometheus.
type Metrics struct {
	transitionsTotal   *prometheus.CounterVec
	duplicatesTotal    *prometheus.CounterVec
	anomaliesTotal     *prometheus.CounterVec
	tierChangesTotal   *prometheus.CounterVec
	sweepRunsTotal     *prometheus.CounterVec
	sweepProcessed     *prometheus.CounterVec
	sweepDuration      *prometheus.HistogramVec
	notificationsTotal *prometheus.CounterVec
	cacheHitsTotal     prometheus.Counter
	cacheMissesTotal   prometheus.Counter
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_transitions_total",
			Help:      "Total number of applied subscription transitions.",
		}, []string{"platform", "from", "to", "event"}),

		duplicatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_events_total",
			Help:      "Total number of events skipped by the idempotency ledger.",
		}, []string{"platform", "event"}),

		anomaliesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transition_anomalies_total",
			Help:      "Total number of events with no transition from the current status.",
		}, []string{"platform", "status", "event"}),

		tierChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_changes_total",
			Help:      "Total number of effective tier changes.",
		}, []string{"platform", "from_tier", "to_tier"}),

		sweepRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Total number of reconciliation sweep runs.",
		}, []string{"task", "status"}),

		sweepProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "processed_total",
			Help:      "Total number of records processed by reconciliation sweeps.",
		}, []string{"task"}),

		sweepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "duration_seconds",
			Help:      "Duration of reconciliation sweep runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),

		notificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total number of user notifications by delivery status.",
		}, []string{"kind", "status"}),

		cacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_cache_hits_total",
			Help:      "Total number of entitlement cache hits.",
		}),

		cacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_cache_misses_total",
			Help:      "Total number of entitlement cache misses.",
		}),
	}
}

func (m *Metrics) RecordTransition(platform goentitle.Platform, from, to goentitle.Status, event goentitle.EventKind) {
	m.transitionsTotal.WithLabelValues(string(platform), string(from), string(to), string(event)).Inc()
}

func (m *Metrics) RecordDuplicate(platform goentitle.Platform, event goentitle.EventKind) {
	m.duplicatesTotal.WithLabelValues(string(platform), string(event)).Inc()
}

func (m *Metrics) RecordAnomaly(platform goentitle.Platform, status goentitle.Status, event goentitle.EventKind) {
	m.anomaliesTotal.WithLabelValues(string(platform), string(status), string(event)).Inc()
}

func (m *Metrics) RecordTierChange(platform goentitle.Platform, fromTier, toTier string) {
	m.tierChangesTotal.WithLabelValues(string(platform), fromTier, toTier).Inc()
}

func (m *Metrics) RecordSweep(task string, processed int, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.sweepRunsTotal.WithLabelValues(task, status).Inc()
	m.sweepProcessed.WithLabelValues(task).Add(float64(processed))
	m.sweepDuration.WithLabelValues(task).Observe(duration.Seconds())
}

func (m *Metrics) RecordNotification(kind goentitle.NotificationKind, status string) {
	m.notificationsTotal.WithLabelValues(string(kind), status).Inc()
}

func (m *Metrics) RecordCacheHit() {
	m.cacheHitsTotal.Inc()
}

func (m *Metrics) RecordCacheMiss() {
	m.cacheMissesTotal.Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

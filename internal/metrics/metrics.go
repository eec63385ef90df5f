// Package metrics exposes prometheus collectors for the history subsystem.
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chathistory"

// Metrics holds every collector. Create one per registry with New.
type Metrics struct {
	CacheRequests  *prometheus.CounterVec
	CacheEvictions *prometheus.CounterVec
	CacheEntries   prometheus.Gauge

	Saves         *prometheus.CounterVec
	PendingWrites prometheus.Gauge
	SaveDuration  prometheus.Histogram
	LoadFallbacks *prometheus.CounterVec

	MigrationFiles    *prometheus.CounterVec
	MigratedMessages  prometheus.Counter
	MigrationDuration prometheus.Histogram

	CleanupActions *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "requests_total",
			Help: "History cache lookups by result (hit, miss).",
		}, []string{"result"}),
		CacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
			Help: "History cache evictions by reason (ttl, capacity, invalidate).",
		}, []string{"reason"}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "entries",
			Help: "Conversations currently cached.",
		}),
		Saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "saves_total",
			Help: "Conversation writes by mode (sync, debounced) and outcome (ok, error).",
		}, []string{"mode", "outcome"}),
		PendingWrites: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "store", Name: "pending_writes",
			Help: "Debounced writes waiting for their timer.",
		}),
		SaveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "store", Name: "save_duration_seconds",
			Help:    "Time spent writing one conversation to the backend.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		LoadFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "load_fallbacks_total",
			Help: "Loads answered with a fresh conversation, by reason (not_found, decode, unavailable).",
		}, []string{"reason"}),
		MigrationFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "migration", Name: "files_total",
			Help: "Files seen by the migration engine by outcome (migrated, skipped, failed).",
		}, []string{"outcome"}),
		MigratedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "migration", Name: "messages_total",
			Help: "Messages written by successful migrations.",
		}),
		MigrationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "migration", Name: "file_duration_seconds",
			Help:    "Time spent migrating one file.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		CleanupActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cleanup", Name: "actions_total",
			Help: "Retention actions applied by kind (archive, delete, restore).",
		}, []string{"action"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.CacheRequests, m.CacheEvictions, m.CacheEntries,
			m.Saves, m.PendingWrites, m.SaveDuration, m.LoadFallbacks,
			m.MigrationFiles, m.MigratedMessages, m.MigrationDuration,
			m.CleanupActions,
		)
	}
	return m
}

// CacheHit records a cache hit.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues("hit").Inc()
}

// CacheMiss records a cache miss.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues("miss").Inc()
}

// CacheEvicted records n evictions for reason.
func (m *Metrics) CacheEvicted(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheEvictions.WithLabelValues(reason).Add(float64(n))
}

// CacheSize sets the number of cached entries.
func (m *Metrics) CacheSize(n int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(n))
}

// SaveDone records one backend write.
func (m *Metrics) SaveDone(mode string, err error, seconds float64) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Saves.WithLabelValues(mode, outcome).Inc()
	m.SaveDuration.Observe(seconds)
}

// Pending sets the number of queued debounced writes.
func (m *Metrics) Pending(n int) {
	if m == nil {
		return
	}
	m.PendingWrites.Set(float64(n))
}

// LoadFallback records a load that returned a fresh conversation.
func (m *Metrics) LoadFallback(reason string) {
	if m == nil {
		return
	}
	m.LoadFallbacks.WithLabelValues(reason).Inc()
}

// MigrationDone records one file's migration outcome.
func (m *Metrics) MigrationDone(outcome string, messages int, seconds float64) {
	if m == nil {
		return
	}
	m.MigrationFiles.WithLabelValues(outcome).Inc()
	if outcome == "migrated" {
		m.MigratedMessages.Add(float64(messages))
	}
	m.MigrationDuration.Observe(seconds)
}

// CleanupAction records n retention actions of kind action.
func (m *Metrics) CleanupAction(action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CleanupActions.WithLabelValues(action).Add(float64(n))
}

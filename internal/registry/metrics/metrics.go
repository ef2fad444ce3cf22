package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the registry module.
type Metrics struct {
	// Registration outcomes by result
	RegistrationOutcome *prometheus.CounterVec

	// Registration latency including document fetch and place resolution
	RegisterLatency prometheus.Histogram

	// Validation consumption outcomes by result
	ValidationOutcome *prometheus.CounterVec

	// Per-library refresh outcomes
	RefreshOutcome *prometheus.CounterVec

	// Wall-clock duration of a full refresh sweep
	RefreshSweepLatency prometheus.Histogram
}

// New creates a new Metrics instance with all registry metrics registered.
func New() *Metrics {
	return &Metrics{
		RegistrationOutcome: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "libdiscovery_registry_registrations_total",
			Help: "Total registration attempts by outcome",
		}, []string{"outcome"}), // outcome: "created", "updated", "fetch_error", "parse_error", "no_coverage_declared", "ambiguous_place"

		RegisterLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "libdiscovery_registry_register_duration_seconds",
			Help:    "Duration of registration including document fetch and place resolution",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		ValidationOutcome: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "libdiscovery_registry_validations_total",
			Help: "Total validation consumption attempts by outcome",
		}, []string{"outcome"}), // outcome: "ok", "expired", "not_found", "already_consumed"

		RefreshOutcome: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "libdiscovery_registry_refresh_outcomes_total",
			Help: "Per-library refresh outcomes",
		}, []string{"outcome"}), // outcome: "ok", "transient_failure", "invalid_document", "cancelled"

		RefreshSweepLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "libdiscovery_registry_refresh_sweep_duration_seconds",
			Help:    "Duration of a full registry refresh sweep",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
	}
}

// IncrementRegistration records a registration attempt outcome.
func (m *Metrics) IncrementRegistration(outcome string) {
	if m != nil {
		m.RegistrationOutcome.WithLabelValues(outcome).Inc()
	}
}

// ObserveRegisterLatency records the duration of a registration.
func (m *Metrics) ObserveRegisterLatency(d time.Duration) {
	if m != nil {
		m.RegisterLatency.Observe(d.Seconds())
	}
}

// IncrementValidation records a validation consumption outcome.
func (m *Metrics) IncrementValidation(outcome string) {
	if m != nil {
		m.ValidationOutcome.WithLabelValues(outcome).Inc()
	}
}

// IncrementRefresh records a per-library refresh outcome.
func (m *Metrics) IncrementRefresh(outcome string) {
	if m != nil {
		m.RefreshOutcome.WithLabelValues(outcome).Inc()
	}
}

// ObserveRefreshSweep records the duration of a full refresh sweep.
func (m *Metrics) ObserveRefreshSweep(d time.Duration) {
	if m != nil {
		m.RefreshSweepLatency.Observe(d.Seconds())
	}
}

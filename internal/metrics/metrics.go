package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scrape outcome labels.
const (
	OutcomeCreated   = "created"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Metrics provides observability for scrapes and cycles. A nil *Metrics is a no-op.
type Metrics struct {
	// Scrape outcomes by status and producing source
	ScrapeOutcome *prometheus.CounterVec

	ScrapeLatency prometheus.Histogram

	// Fallbacks by the source that was skipped
	SourceFallback *prometheus.CounterVec

	InFlight prometheus.Gauge

	CycleLatency prometheus.Histogram
}

// New registers all scanner metrics with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ScrapeOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workflowscanner_scrape_outcomes_total",
			Help: "Total scrape outcomes by status and source",
		}, []string{"status", "source"}),

		ScrapeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "workflowscanner_scrape_duration_seconds",
			Help:    "Duration of one scrape from acquisition to persist",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		SourceFallback: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workflowscanner_source_fallbacks_total",
			Help: "Times a source was skipped because it reported unavailability",
		}, []string{"source"}),

		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "workflowscanner_scrapes_in_flight",
			Help: "Scrapes currently executing",
		}),

		CycleLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "workflowscanner_cycle_duration_seconds",
			Help:    "Duration of a full visa type by country scrape cycle",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

// IncrementOutcome records how a scrape ended.
func (m *Metrics) IncrementOutcome(status, source string) {
	if m != nil {
		m.ScrapeOutcome.WithLabelValues(status, source).Inc()
	}
}

// ObserveScrapeLatency records one scrape's duration.
func (m *Metrics) ObserveScrapeLatency(d time.Duration) {
	if m != nil {
		m.ScrapeLatency.Observe(d.Seconds())
	}
}

// IncrementFallback records that source was skipped.
func (m *Metrics) IncrementFallback(source string) {
	if m != nil {
		m.SourceFallback.WithLabelValues(source).Inc()
	}
}

// TrackInFlight bumps the gauge and returns the matching decrement.
func (m *Metrics) TrackInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.InFlight.Inc()
	return m.InFlight.Dec
}

// ObserveCycleLatency records a full cycle's duration.
func (m *Metrics) ObserveCycleLatency(d time.Duration) {
	if m != nil {
		m.CycleLatency.Observe(d.Seconds())
	}
}

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IncrementOutcome(OutcomeCreated, "Embassy")
	m.IncrementOutcome(OutcomeCreated, "Embassy")
	m.IncrementOutcome(OutcomeDuplicate, "USCIS")
	m.IncrementFallback("Embassy")
	m.ObserveScrapeLatency(150 * time.Millisecond)
	m.ObserveCycleLatency(3 * time.Second)

	done := m.TrackInFlight()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InFlight))
	done()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InFlight))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ScrapeOutcome.WithLabelValues(OutcomeCreated, "Embassy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScrapeOutcome.WithLabelValues(OutcomeDuplicate, "USCIS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceFallback.WithLabelValues("Embassy")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ScrapeLatency))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.IncrementOutcome(OutcomeFailed, "")
	m.IncrementFallback("Embassy")
	m.ObserveScrapeLatency(time.Second)
	m.ObserveCycleLatency(time.Second)
	m.TrackInFlight()()
}

// Package metrics holds the Prometheus collectors for the generation pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the pipeline collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	CacheLookups      *prometheus.CounterVec
	CachePersists     *prometheus.CounterVec
	StreamFragments   prometheus.Counter
	StreamSkipped     prometheus.Counter
	Generations       *prometheus.CounterVec
	GenerationSeconds *prometheus.HistogramVec
	BandExtractions   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dwellwise_recommendation_cache_lookups_total",
				Help: "Recommendation cache lookups by result",
			},
			[]string{"result"}, // hit, stale, miss
		),
		CachePersists: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dwellwise_recommendation_cache_persists_total",
				Help: "Durable tier writes by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		StreamFragments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dwellwise_stream_fragments_total",
			Help: "Text fragments decoded from provider streams",
		}),
		StreamSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dwellwise_stream_frames_skipped_total",
			Help: "Malformed stream frames dropped by the decoder",
		}),
		Generations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dwellwise_generations_total",
				Help: "Completed generation runs by artifact kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		GenerationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dwellwise_generation_duration_seconds",
				Help:    "Wall time of generation runs",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 9), // 250ms to 64s
			},
			[]string{"kind"},
		),
		BandExtractions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dwellwise_budget_band_extractions_total",
				Help: "Budget band extraction attempts by result",
			},
			[]string{"result"}, // found, absent
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.CacheLookups,
			m.CachePersists,
			m.StreamFragments,
			m.StreamSkipped,
			m.Generations,
			m.GenerationSeconds,
			m.BandExtractions,
		)
	}
	return m
}

// CacheLookup records a cache read result.
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// CachePersist records a durable tier write.
func (m *Metrics) CachePersist(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.CachePersists.WithLabelValues(op, outcome).Inc()
}

// Fragment records one decoded fragment.
func (m *Metrics) Fragment() {
	if m == nil {
		return
	}
	m.StreamFragments.Inc()
}

// Skipped records dropped frames.
func (m *Metrics) Skipped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.StreamSkipped.Add(float64(n))
}

// Generation records the outcome and duration of one run.
func (m *Metrics) Generation(kind, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Generations.WithLabelValues(kind, outcome).Inc()
	m.GenerationSeconds.WithLabelValues(kind).Observe(seconds)
}

// Bands records a band extraction attempt.
func (m *Metrics) Bands(found bool) {
	if m == nil {
		return
	}
	result := "absent"
	if found {
		result = "found"
	}
	m.BandExtractions.WithLabelValues(result).Inc()
}

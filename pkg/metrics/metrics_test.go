package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.CacheLookup("hit")
	m.CachePersist("insert", nil)
	m.Fragment()
	m.Skipped(2)
	m.Generation("budget_strategy", "complete", 1)
	m.Bands(true)
}

func TestRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CacheLookup("hit")
	m.CacheLookup("hit")
	m.CacheLookup("miss")
	m.CachePersist("insert", errors.New("disk full"))
	m.Fragment()
	m.Skipped(3)
	m.Skipped(0)
	m.Bands(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CachePersists.WithLabelValues("insert", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamFragments))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.StreamSkipped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BandExtractions.WithLabelValues("absent")))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Positive(t, n)
}

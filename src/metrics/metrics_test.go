package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCacheLookupCountsHitsAndMisses(t *testing.T) {
	m := New()

	m.RecordCacheLookup("memory", true)
	m.RecordCacheLookup("memory", false)
	m.RecordCacheLookup("memory", true)
	m.RecordCacheLookup("disk", false)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.cacheCounter.WithLabelValues("memory", "true")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.cacheCounter.WithLabelValues("memory", "false")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.cacheCounter.WithLabelValues("disk", "false")))
}

func TestRecordResolveDurationSplitsByRemote(t *testing.T) {
	m := New()

	m.RecordResolveDuration(false, 5*time.Millisecond)
	m.RecordResolveDuration(true, 50*time.Millisecond)

	localCount := testutil.CollectAndCount(m.resolveDuration.WithLabelValues("false").(prometheus.Histogram))
	remoteCount := testutil.CollectAndCount(m.resolveDuration.WithLabelValues("true").(prometheus.Histogram))
	assert.Equal(t, 1, localCount)
	assert.Equal(t, 1, remoteCount)
}

func TestRegistryExposesRegisteredCollectors(t *testing.T) {
	m := New()
	m.RecordCacheLookup("memory", true)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["cradle_cache_lookups_total"])
	assert.True(t, names["cradle_resolve_duration_seconds"])
}

func TestNewReturnsIndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.RecordCacheLookup("memory", true)

	assert.Equal(t, float64(1), testutil.ToFloat64(a.cacheCounter.WithLabelValues("memory", "true")))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.cacheCounter.WithLabelValues("memory", "true")))
}

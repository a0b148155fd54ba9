package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ExtractionRun("ok", time.Second)
		m.ElementFailed("x", "parse")
		m.Merged("created")
		m.Dropped()
		m.QueueDepth(3)
		m.EmbeddingCall(4, nil)
		m.CacheHit(2)
		m.DiscoveryRun("ok", 1)
		m.ConstructResult("template")
	})
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ElementFailed("emotional_state", "parse")
	m.ElementFailed("emotional_state", "parse")
	m.EmbeddingCall(3, errors.New("boom"))
	m.CacheHit(5)
	m.Dropped()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ElementFailures.WithLabelValues("emotional_state", "parse")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EmbeddingRequests.WithLabelValues("error")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.EmbeddingCacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatcherDropped))
}

func TestNewRegistersIndependently(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}

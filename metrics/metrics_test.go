package metrics

import (
	"testing"
	"time"

	metrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
)

func TestRecordRequestAndResponse(t *testing.T) {
	m := NewMetrics(metrics.NewRegistry())

	m.RecordRequest("mock")
	m.RecordRequest("mock")
	m.RecordNoBid("mock")
	m.RecordResponse("mock", 25*time.Millisecond)

	assert.Equal(t, int64(2), m.RequestMeter.Count())
	assert.Equal(t, int64(1), m.NoBidMeter.Count())
	assert.Equal(t, int64(1), m.RequestTimer.Count())
	assert.Equal(t, int64(2), m.exchangeMeter("exchange.mock.requests").Count())
}

func TestFilterRejectMetersAreLazy(t *testing.T) {
	registry := metrics.NewRegistry()
	m := NewMetrics(registry)

	m.RecordFilterReject("exchange")
	m.RecordFilterReject("exchange")
	m.RecordFilterReject("hourOfWeek")

	assert.Equal(t, int64(2), registry.Get("filters.exchange.rejects").(metrics.Meter).Count())
	assert.Equal(t, int64(1), registry.Get("filters.hourOfWeek.rejects").(metrics.Meter).Count())
}

func TestAgentMetricsReused(t *testing.T) {
	m := NewMetrics(metrics.NewRegistry())

	first := m.AgentMetrics("agent1")
	second := m.AgentMetrics("agent1")
	assert.Same(t, first, second)

	first.BidsReceivedMeter.Mark(1)
	assert.Equal(t, int64(1), second.BidsReceivedMeter.Count())
}

func TestSlowModeGauge(t *testing.T) {
	m := NewMetrics(metrics.NewRegistry())

	m.SetSlowMode(true)
	assert.Equal(t, int64(1), m.SlowModeGauge.Value())
	m.SetSlowMode(false)
	assert.Equal(t, int64(0), m.SlowModeGauge.Value())
}

func TestPrometheusRegistryCollects(t *testing.T) {
	m := NewMetrics(metrics.NewRegistry())
	m.RecordRequest("mock")

	families, err := PrometheusRegistry(m).Gather()
	assert.NoError(t, err)

	found := false
	for _, family := range families {
		if family.GetName() == "requests_total" {
			found = true
		}
	}
	assert.True(t, found, "requests_total should be exported")
}

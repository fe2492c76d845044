package metrics

import (
	"fmt"
	"sync"
	"time"

	metrics "github.com/rcrowley/go-metrics"
)

// Engine records everything the router counts: request admission, per-stage
// filter rejections, per-agent traffic, post-auction events and banker state.
// Implementations must be threadsafe; one Engine is shared across all workers.
type Engine interface {
	RecordRequest(exchange string)
	RecordNoBid(exchange string)
	RecordResponse(exchange string, tookTime time.Duration)
	RecordError(code int)

	RecordFilterReject(stage string)

	AgentMetrics(agent string) *AgentMetrics

	RecordPostAuctionEvent(kind string)
	RecordDuplicateEvent(kind string)
	RecordOrphanEvent(kind string)

	RecordGrant(amountMicros int64)
	RecordGrantDenied()
	SetSlowMode(on bool)

	RecordNewConnection()
	RecordClosedConnection()
}

// AgentMetrics holds the per-agent slice of the engine.
type AgentMetrics struct {
	RequestMeter      metrics.Meter
	BidsReceivedMeter metrics.Meter
	WinsMeter         metrics.Meter
	LateBidMeter      metrics.Meter
	ErrorMeter        metrics.Meter
	InFlightGauge     metrics.Gauge
	BidTimer          metrics.Timer
	PriceHistogram    metrics.Histogram
}

// Metrics is the go-metrics backed Engine.
type Metrics struct {
	metricsRegistry metrics.Registry

	RequestMeter  metrics.Meter
	NoBidMeter    metrics.Meter
	RequestTimer  metrics.Timer
	ErrorMeter    metrics.Meter
	ActiveConns   metrics.Counter
	SlowModeGauge metrics.Gauge
	GrantMeter    metrics.Meter
	DeniedMeter   metrics.Meter

	exchangeMeters     map[string]metrics.Meter
	exchangeMetersLock sync.RWMutex

	filterMeters     map[string]metrics.Meter
	filterMetersLock sync.RWMutex

	agentMetrics     map[string]*AgentMetrics
	agentMetricsLock sync.RWMutex

	eventMeters     map[string]metrics.Meter
	eventMetersLock sync.RWMutex
}

// NewMetrics registers the engine's fixed meters on the given registry.
// Per-agent and per-stage meters are registered lazily on first use.
func NewMetrics(registry metrics.Registry) *Metrics {
	return &Metrics{
		metricsRegistry: registry,

		RequestMeter:  metrics.GetOrRegisterMeter("requests", registry),
		NoBidMeter:    metrics.GetOrRegisterMeter("no_bid_requests", registry),
		RequestTimer:  metrics.GetOrRegisterTimer("request_time", registry),
		ErrorMeter:    metrics.GetOrRegisterMeter("error_requests", registry),
		ActiveConns:   metrics.GetOrRegisterCounter("active_connections", registry),
		SlowModeGauge: metrics.GetOrRegisterGauge("banker.slow_mode", registry),
		GrantMeter:    metrics.GetOrRegisterMeter("banker.grants", registry),
		DeniedMeter:   metrics.GetOrRegisterMeter("banker.denied", registry),

		exchangeMeters: make(map[string]metrics.Meter),
		filterMeters:   make(map[string]metrics.Meter),
		agentMetrics:   make(map[string]*AgentMetrics),
		eventMeters:    make(map[string]metrics.Meter),
	}
}

func (m *Metrics) Registry() metrics.Registry {
	return m.metricsRegistry
}

func (m *Metrics) RecordRequest(exchange string) {
	m.RequestMeter.Mark(1)
	m.exchangeMeter(fmt.Sprintf("exchange.%s.requests", exchange)).Mark(1)
}

func (m *Metrics) RecordNoBid(exchange string) {
	m.NoBidMeter.Mark(1)
	m.exchangeMeter(fmt.Sprintf("exchange.%s.no_bids", exchange)).Mark(1)
}

func (m *Metrics) RecordResponse(exchange string, tookTime time.Duration) {
	m.RequestTimer.Update(tookTime)
}

func (m *Metrics) RecordError(code int) {
	m.ErrorMeter.Mark(1)
	m.exchangeMeter(fmt.Sprintf("errors.%d", code)).Mark(1)
}

func (m *Metrics) RecordFilterReject(stage string) {
	m.filterMetersLock.RLock()
	meter, ok := m.filterMeters[stage]
	m.filterMetersLock.RUnlock()
	if !ok {
		m.filterMetersLock.Lock()
		meter, ok = m.filterMeters[stage]
		if !ok {
			meter = metrics.GetOrRegisterMeter(fmt.Sprintf("filters.%s.rejects", stage), m.metricsRegistry)
			m.filterMeters[stage] = meter
		}
		m.filterMetersLock.Unlock()
	}
	meter.Mark(1)
}

// AgentMetrics returns the metric set for one agent, creating it on first use.
func (m *Metrics) AgentMetrics(agent string) *AgentMetrics {
	m.agentMetricsLock.RLock()
	am, ok := m.agentMetrics[agent]
	m.agentMetricsLock.RUnlock()
	if ok {
		return am
	}

	m.agentMetricsLock.Lock()
	defer m.agentMetricsLock.Unlock()
	am, ok = m.agentMetrics[agent]
	if !ok {
		am = &AgentMetrics{
			RequestMeter:      metrics.GetOrRegisterMeter(fmt.Sprintf("agent.%s.requests", agent), m.metricsRegistry),
			BidsReceivedMeter: metrics.GetOrRegisterMeter(fmt.Sprintf("agent.%s.bids_received", agent), m.metricsRegistry),
			WinsMeter:         metrics.GetOrRegisterMeter(fmt.Sprintf("agent.%s.wins", agent), m.metricsRegistry),
			LateBidMeter:      metrics.GetOrRegisterMeter(fmt.Sprintf("agent.%s.late_bids", agent), m.metricsRegistry),
			ErrorMeter:        metrics.GetOrRegisterMeter(fmt.Sprintf("agent.%s.errors", agent), m.metricsRegistry),
			InFlightGauge:     metrics.GetOrRegisterGauge(fmt.Sprintf("agent.%s.in_flight", agent), m.metricsRegistry),
			BidTimer:          metrics.GetOrRegisterTimer(fmt.Sprintf("agent.%s.bid_time", agent), m.metricsRegistry),
			PriceHistogram:    metrics.GetOrRegisterHistogram(fmt.Sprintf("agent.%s.prices", agent), m.metricsRegistry, metrics.NewExpDecaySample(1028, 0.015)),
		}
		m.agentMetrics[agent] = am
	}
	return am
}

func (m *Metrics) RecordPostAuctionEvent(kind string) {
	m.eventMeter(fmt.Sprintf("postauction.%s", kind)).Mark(1)
}

func (m *Metrics) RecordDuplicateEvent(kind string) {
	m.eventMeter(fmt.Sprintf("postauction.duplicate.%s", kind)).Mark(1)
}

func (m *Metrics) RecordOrphanEvent(kind string) {
	m.eventMeter(fmt.Sprintf("postauction.orphan.%s", kind)).Mark(1)
}

func (m *Metrics) RecordGrant(amountMicros int64) {
	m.GrantMeter.Mark(amountMicros)
}

func (m *Metrics) RecordGrantDenied() {
	m.DeniedMeter.Mark(1)
}

func (m *Metrics) SetSlowMode(on bool) {
	if on {
		m.SlowModeGauge.Update(1)
	} else {
		m.SlowModeGauge.Update(0)
	}
}

func (m *Metrics) RecordNewConnection() {
	m.ActiveConns.Inc(1)
}

func (m *Metrics) RecordClosedConnection() {
	m.ActiveConns.Dec(1)
}

func (m *Metrics) exchangeMeter(name string) metrics.Meter {
	m.exchangeMetersLock.RLock()
	meter, ok := m.exchangeMeters[name]
	m.exchangeMetersLock.RUnlock()
	if !ok {
		m.exchangeMetersLock.Lock()
		meter, ok = m.exchangeMeters[name]
		if !ok {
			meter = metrics.GetOrRegisterMeter(name, m.metricsRegistry)
			m.exchangeMeters[name] = meter
		}
		m.exchangeMetersLock.Unlock()
	}
	return meter
}

func (m *Metrics) eventMeter(name string) metrics.Meter {
	m.eventMetersLock.RLock()
	meter, ok := m.eventMeters[name]
	m.eventMetersLock.RUnlock()
	if !ok {
		m.eventMetersLock.Lock()
		meter, ok = m.eventMeters[name]
		if !ok {
			meter = metrics.GetOrRegisterMeter(name, m.metricsRegistry)
			m.eventMeters[name] = meter
		}
		m.eventMetersLock.Unlock()
	}
	return meter
}

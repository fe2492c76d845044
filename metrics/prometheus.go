package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	metrics "github.com/rcrowley/go-metrics"
)

// PrometheusRegistry wraps the engine's go-metrics registry in a prometheus
// collector so the same numbers can be scraped without double accounting.
func PrometheusRegistry(m *Metrics) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(&registryCollector{source: m.metricsRegistry})
	return registry
}

type registryCollector struct {
	source metrics.Registry
}

func (c *registryCollector) Describe(ch chan<- *prometheus.Desc) {
	// Metric names are created lazily, so the set is announced as unchecked.
}

func (c *registryCollector) Collect(ch chan<- prometheus.Metric) {
	c.source.Each(func(name string, i interface{}) {
		promName := sanitizeName(name)
		switch metric := i.(type) {
		case metrics.Meter:
			ch <- constMetric(promName+"_total", prometheus.CounterValue, float64(metric.Snapshot().Count()))
		case metrics.Counter:
			ch <- constMetric(promName, prometheus.GaugeValue, float64(metric.Snapshot().Count()))
		case metrics.Gauge:
			ch <- constMetric(promName, prometheus.GaugeValue, float64(metric.Snapshot().Value()))
		case metrics.Timer:
			snapshot := metric.Snapshot()
			ch <- constMetric(promName+"_count", prometheus.CounterValue, float64(snapshot.Count()))
			ch <- constMetric(promName+"_p95_ns", prometheus.GaugeValue, snapshot.Percentile(0.95))
		case metrics.Histogram:
			snapshot := metric.Snapshot()
			ch <- constMetric(promName+"_count", prometheus.CounterValue, float64(snapshot.Count()))
			ch <- constMetric(promName+"_p95", prometheus.GaugeValue, snapshot.Percentile(0.95))
		}
	})
}

func constMetric(name string, valueType prometheus.ValueType, value float64) prometheus.Metric {
	desc := prometheus.NewDesc(name, name, nil, nil)
	metric, err := prometheus.NewConstMetric(desc, valueType, value)
	if err != nil {
		return prometheus.NewInvalidMetric(desc, err)
	}
	return metric
}

var nameSanitizer = strings.NewReplacer(".", "_", "-", "_")

func sanitizeName(name string) string {
	return nameSanitizer.Replace(name)
}

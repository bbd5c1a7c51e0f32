/*
Copyright © 2025 AiArt Labs.

Released under MIT license.
*/

package monitor

import "github.com/prometheus/client_golang/prometheus"

// MetricsCollector represents a collector of resource monitor metrics.
type MetricsCollector struct {
	CPUPercent    prometheus.Gauge
	MemoryPercent prometheus.Gauge
	WeightedLoad  prometheus.Gauge
	Throttling    prometheus.Gauge
}

// NewMetricsCollector creates a new instance of MetricsCollector.
func NewMetricsCollector(namespace string) *MetricsCollector {
	return &MetricsCollector{
		CPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resource_cpu_percent",
			Help:      "Smoothed CPU utilization in percents.",
		}),
		MemoryPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resource_memory_percent",
			Help:      "Smoothed memory utilization in percents.",
		}),
		WeightedLoad: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resource_weighted_load",
			Help:      "Weighted load (0.7*cpu + 0.3*mem) in percents.",
		}),
		Throttling: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resource_throttling",
			Help:      "1 when the weighted load exceeds the throttle threshold, 0 otherwise.",
		}),
	}
}

// ObserveSnapshot updates gauges from the passed snapshot.
func (mc *MetricsCollector) ObserveSnapshot(s ResourceSnapshot) {
	mc.CPUPercent.Set(s.CPUPercent)
	mc.MemoryPercent.Set(s.MemoryPercent)
	mc.WeightedLoad.Set(s.WeightedLoad)
	if s.Throttle {
		mc.Throttling.Set(1)
	} else {
		mc.Throttling.Set(0)
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (mc *MetricsCollector) MustRegister() {
	prometheus.MustRegister(mc.CPUPercent, mc.MemoryPercent, mc.WeightedLoad, mc.Throttling)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (mc *MetricsCollector) Unregister() {
	prometheus.Unregister(mc.CPUPercent)
	prometheus.Unregister(mc.MemoryPercent)
	prometheus.Unregister(mc.WeightedLoad)
	prometheus.Unregister(mc.Throttling)
}

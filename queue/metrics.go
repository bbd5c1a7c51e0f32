/*
Copyright © 2025 AiArt Labs.

Released under MIT license.
*/

package queue

import "github.com/prometheus/client_golang/prometheus"

// Prometheus labels of the queue metrics.
const (
	metricsLabelPriority = "priority"
	metricsLabelStatus   = "status"
)

// MetricsCollector represents a collector of queue metrics.
type MetricsCollector struct {
	EnqueuedTotal *prometheus.CounterVec
	FinishedTotal *prometheus.CounterVec
	BusyWorkers   prometheus.Gauge
}

// NewMetricsCollector creates a new instance of MetricsCollector.
func NewMetricsCollector(namespace string) *MetricsCollector {
	return &MetricsCollector{
		EnqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_enqueued_total",
			Help:      "Total number of enqueued requests.",
		}, []string{metricsLabelPriority}),
		FinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_finished_total",
			Help:      "Total number of requests that reached a terminal state.",
		}, []string{metricsLabelStatus}),
		BusyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_busy_workers",
			Help:      "Number of workers currently executing a request.",
		}),
	}
}

// IncEnqueued increments the counter of enqueued requests.
func (mc *MetricsCollector) IncEnqueued(priority Priority) {
	mc.EnqueuedTotal.With(prometheus.Labels{metricsLabelPriority: priority.String()}).Inc()
}

// IncFinished increments the counter of terminal transitions.
func (mc *MetricsCollector) IncFinished(status Status) {
	mc.FinishedTotal.With(prometheus.Labels{metricsLabelStatus: string(status)}).Inc()
}

// SetBusyWorkers updates the busy workers gauge.
func (mc *MetricsCollector) SetBusyWorkers(n int) {
	mc.BusyWorkers.Set(float64(n))
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (mc *MetricsCollector) MustRegister() {
	prometheus.MustRegister(mc.EnqueuedTotal, mc.FinishedTotal, mc.BusyWorkers)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (mc *MetricsCollector) Unregister() {
	prometheus.Unregister(mc.EnqueuedTotal)
	prometheus.Unregister(mc.FinishedTotal)
	prometheus.Unregister(mc.BusyWorkers)
}

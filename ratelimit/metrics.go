/*
Copyright © 2025 AiArt Labs.

Released under MIT license.
*/

package ratelimit

import "github.com/prometheus/client_golang/prometheus"

// Prometheus labels of the rate limiter metrics.
const (
	metricsLabelTier   = "tier"
	metricsLabelReason = "reason"
)

// MetricsCollector represents a collector of rate limiter metrics.
type MetricsCollector struct {
	AllowedTotal  *prometheus.CounterVec
	RejectedTotal *prometheus.CounterVec
}

// NewMetricsCollector creates a new instance of MetricsCollector.
func NewMetricsCollector(namespace string) *MetricsCollector {
	return &MetricsCollector{
		AllowedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_allowed_total",
			Help:      "Total number of admitted rate limit checks.",
		}, []string{metricsLabelTier, metricsLabelReason}),
		RejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_rejected_total",
			Help:      "Total number of rejected rate limit checks.",
		}, []string{metricsLabelTier}),
	}
}

// IncAllowed increments the counter of admitted checks.
func (mc *MetricsCollector) IncAllowed(tier Tier, reason string) {
	mc.AllowedTotal.With(prometheus.Labels{metricsLabelTier: string(tier), metricsLabelReason: reason}).Inc()
}

// IncRejected increments the counter of rejected checks.
func (mc *MetricsCollector) IncRejected(tier Tier) {
	mc.RejectedTotal.With(prometheus.Labels{metricsLabelTier: string(tier)}).Inc()
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (mc *MetricsCollector) MustRegister() {
	prometheus.MustRegister(mc.AllowedTotal, mc.RejectedTotal)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (mc *MetricsCollector) Unregister() {
	prometheus.Unregister(mc.AllowedTotal)
	prometheus.Unregister(mc.RejectedTotal)
}

/*
Copyright © 2025 AiArt Labs.

Released under MIT license.
*/

// Package monitor samples and smooths system load and exposes the throttle
// signal used by the admission path to decide between immediate execution
// and queueing.
package monitor

import (
	"math"
	"sync"
	"time"

	"github.com/acronis/go-appkit/log"
)

// Default thresholds and windows.
const (
	DefaultCPUThreshold    = 80.0
	DefaultMemoryThreshold = 80.0
	DefaultHibernationIdle = 15 * time.Minute
)

// Weights of the CPU and memory readings in the weighted load.
const (
	cpuLoadWeight = 0.7
	memLoadWeight = 0.3
)

// smoothingWindowSize is the number of recent raw readings kept per metric.
// The snapshot is computed from the window average, not from the raw
// instantaneous reading, to damp single-sample spikes.
const smoothingWindowSize = 5

// cpuFloorPercent is the minimum CPU value reported when sampling fails,
// to avoid presenting a misleading fully-idle state.
const cpuFloorPercent = 1.0

// fallbackMemoryPercent is used when sampling fails before any good reading was taken.
const fallbackMemoryPercent = 50.0

// trendEpsilon is the minimum weighted-load change over the window
// that is reported as a trend instead of noise.
const trendEpsilon = 1.0

// Trend describes how the weighted load changed over the last few samples.
type Trend string

// Possible load trends.
const (
	TrendStable     Trend = "stable"
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
)

// ResourceSnapshot is an immutable view of the system load at sampling time.
type ResourceSnapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	WeightedLoad  float64   `json:"weighted_load"`
	Trend         Trend     `json:"trend"`
	Throttle      bool      `json:"throttle"`
}

// ResourceMonitor samples system load on demand, without background threads.
// A new snapshot is produced on every Sample call; the last 5 raw readings
// per metric are retained for smoothing and the last snapshot serves as a
// fallback when sampling fails.
type ResourceMonitor struct {
	sampler Sampler
	logger  log.FieldLogger
	metrics *MetricsCollector

	cpuThreshold    float64
	memoryThreshold float64
	hibernationIdle time.Duration

	mu           sync.Mutex
	cpuReadings  []float64
	memReadings  []float64
	loadHistory  []float64
	lastCPU      float64
	lastSnapshot ResourceSnapshot
	hasSnapshot  bool
	lastActivity time.Time

	timeNow func() time.Time
}

// Opts represents options for the ResourceMonitor.
type Opts struct {
	// CPUThreshold is the weighted-load percentage above which ShouldThrottle reports true.
	CPUThreshold float64

	// MemoryThreshold is reported on the metrics surface; it does not affect throttling.
	MemoryThreshold float64

	// HibernationIdle is the idle window after which IsHibernating reports true.
	HibernationIdle time.Duration

	// MetricsCollector, if not nil, is updated on every Sample call.
	MetricsCollector *MetricsCollector

	// TimeNowFunc overrides the time source. Intended for tests.
	TimeNowFunc func() time.Time
}

// NewResourceMonitor creates a new ResourceMonitor with default thresholds.
func NewResourceMonitor(sampler Sampler, logger log.FieldLogger) *ResourceMonitor {
	return NewResourceMonitorWithOpts(sampler, logger, Opts{})
}

// NewResourceMonitorWithOpts is a version of NewResourceMonitor
// with an ability to specify additional options.
func NewResourceMonitorWithOpts(sampler Sampler, logger log.FieldLogger, opts Opts) *ResourceMonitor {
	if opts.CPUThreshold <= 0 {
		opts.CPUThreshold = DefaultCPUThreshold
	}
	if opts.MemoryThreshold <= 0 {
		opts.MemoryThreshold = DefaultMemoryThreshold
	}
	if opts.HibernationIdle <= 0 {
		opts.HibernationIdle = DefaultHibernationIdle
	}
	timeNow := opts.TimeNowFunc
	if timeNow == nil {
		timeNow = time.Now
	}
	return &ResourceMonitor{
		sampler:         sampler,
		logger:          logger,
		metrics:         opts.MetricsCollector,
		cpuThreshold:    opts.CPUThreshold,
		memoryThreshold: opts.MemoryThreshold,
		hibernationIdle: opts.HibernationIdle,
		lastActivity:    timeNow(),
		timeNow:         timeNow,
	}
}

// Sample reads the current CPU and memory utilization and produces a new snapshot.
// It never fails: when sampling errors occur, the last known-good snapshot is
// returned instead, with CPU floored at 1%.
func (m *ResourceMonitor) Sample() ResourceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.timeNow()

	cpuPct, cpuErr := m.sampler.CPUPercent()
	memPct, memErr := m.sampler.MemoryPercent()
	if cpuErr != nil || memErr != nil {
		if cpuErr != nil {
			m.logger.Warn("cpu sampling failed, using last known snapshot", log.Error(cpuErr))
		}
		if memErr != nil {
			m.logger.Warn("memory sampling failed, using last known snapshot", log.Error(memErr))
		}
		return m.fallbackSnapshotLocked(now)
	}

	// A zero CPU reading usually means the sampling interval was too short;
	// the last non-zero value is closer to the truth.
	if cpuPct <= 0 {
		cpuPct = m.lastCPU
	} else {
		m.lastCPU = cpuPct
	}

	m.cpuReadings = pushReading(m.cpuReadings, cpuPct)
	m.memReadings = pushReading(m.memReadings, memPct)

	smoothedCPU := mean(m.cpuReadings)
	smoothedMem := mean(m.memReadings)
	weighted := smoothedCPU*cpuLoadWeight + smoothedMem*memLoadWeight
	m.loadHistory = pushReading(m.loadHistory, weighted)

	snapshot := ResourceSnapshot{
		Timestamp:     now,
		CPUPercent:    round2(smoothedCPU),
		MemoryPercent: round2(smoothedMem),
		WeightedLoad:  round2(weighted),
		Trend:         m.trendLocked(),
		Throttle:      weighted > m.cpuThreshold,
	}
	m.lastSnapshot = snapshot
	m.hasSnapshot = true

	if m.metrics != nil {
		m.metrics.ObserveSnapshot(snapshot)
	}
	return snapshot
}

// ShouldThrottle reports whether the weighted load currently exceeds the threshold.
func (m *ResourceMonitor) ShouldThrottle() bool {
	return m.Sample().Throttle
}

// LastSnapshot returns the most recent snapshot without triggering a new
// sampling round. The second return value is false until Sample has
// succeeded at least once.
func (m *ResourceMonitor) LastSnapshot() (ResourceSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSnapshot, m.hasSnapshot
}

// RecordActivity marks the current time as the last observed admission request.
// It is called by the admission path on every evaluated request.
func (m *ResourceMonitor) RecordActivity() {
	m.mu.Lock()
	m.lastActivity = m.timeNow()
	m.mu.Unlock()
}

// IsHibernating reports whether no admission request has been observed for
// longer than the configured idle window. The signal is advisory only.
func (m *ResourceMonitor) IsHibernating() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeNow().Sub(m.lastActivity) > m.hibernationIdle
}

// Thresholds returns the configured CPU and memory thresholds.
func (m *ResourceMonitor) Thresholds() (cpuThreshold, memoryThreshold float64) {
	return m.cpuThreshold, m.memoryThreshold
}

func (m *ResourceMonitor) fallbackSnapshotLocked(now time.Time) ResourceSnapshot {
	if m.hasSnapshot {
		return m.lastSnapshot
	}
	cpuPct := m.lastCPU
	if cpuPct < cpuFloorPercent {
		cpuPct = cpuFloorPercent
	}
	weighted := cpuPct*cpuLoadWeight + fallbackMemoryPercent*memLoadWeight
	return ResourceSnapshot{
		Timestamp:     now,
		CPUPercent:    round2(cpuPct),
		MemoryPercent: fallbackMemoryPercent,
		WeightedLoad:  round2(weighted),
		Trend:         TrendStable,
		Throttle:      weighted > m.cpuThreshold,
	}
}

func (m *ResourceMonitor) trendLocked() Trend {
	if len(m.loadHistory) < 2 {
		return TrendStable
	}
	diff := m.loadHistory[len(m.loadHistory)-1] - m.loadHistory[0]
	switch {
	case diff > trendEpsilon:
		return TrendIncreasing
	case diff < -trendEpsilon:
		return TrendDecreasing
	}
	return TrendStable
}

func pushReading(readings []float64, v float64) []float64 {
	readings = append(readings, v)
	if len(readings) > smoothingWindowSize {
		readings = readings[1:]
	}
	return readings
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

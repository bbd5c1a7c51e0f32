/*
Copyright © 2025 AiArt Labs.

Released under MIT license.
*/

package monitor

import (
	"fmt"
	"testing"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/stretchr/testify/require"
)

type fakeSampler struct {
	cpu    float64
	mem    float64
	cpuErr error
	memErr error
}

func (s *fakeSampler) CPUPercent() (float64, error) {
	return s.cpu, s.cpuErr
}

func (s *fakeSampler) MemoryPercent() (float64, error) {
	return s.mem, s.memErr
}

func TestResourceMonitorSample(t *testing.T) {
	t.Run("throttles above the weighted threshold", func(t *testing.T) {
		sampler := &fakeSampler{cpu: 95, mem: 50}
		m := NewResourceMonitor(sampler, log.NewDisabledLogger())

		snapshot := m.Sample()
		require.Equal(t, 95.0, snapshot.CPUPercent)
		require.Equal(t, 50.0, snapshot.MemoryPercent)
		require.Equal(t, 81.5, snapshot.WeightedLoad) // 95*0.7 + 50*0.3
		require.True(t, snapshot.Throttle)
		require.True(t, m.ShouldThrottle())
	})

	t.Run("does not throttle at the threshold", func(t *testing.T) {
		sampler := &fakeSampler{cpu: 50, mem: 50}
		m := NewResourceMonitor(sampler, log.NewDisabledLogger())

		snapshot := m.Sample()
		require.Equal(t, 50.0, snapshot.WeightedLoad)
		require.False(t, snapshot.Throttle)
		require.False(t, m.ShouldThrottle())
	})

	t.Run("smooths spikes over the window", func(t *testing.T) {
		sampler := &fakeSampler{cpu: 10, mem: 50}
		m := NewResourceMonitor(sampler, log.NewDisabledLogger())
		for i := 0; i < 4; i++ {
			m.Sample()
		}

		// A single 100% spike after four 10% readings must not flip the throttle.
		sampler.cpu = 100
		snapshot := m.Sample()
		require.Equal(t, 28.0, snapshot.CPUPercent) // (10*4+100)/5
		require.False(t, snapshot.Throttle)
	})

	t.Run("keeps only the last five readings", func(t *testing.T) {
		sampler := &fakeSampler{cpu: 10, mem: 50}
		m := NewResourceMonitor(sampler, log.NewDisabledLogger())
		for i := 0; i < 10; i++ {
			m.Sample()
		}
		sampler.cpu = 60
		var snapshot ResourceSnapshot
		for i := 0; i < 5; i++ {
			snapshot = m.Sample()
		}
		require.Equal(t, 60.0, snapshot.CPUPercent) // old 10% readings fully evicted
	})

	t.Run("returns last known-good snapshot on sampling failure", func(t *testing.T) {
		sampler := &fakeSampler{cpu: 42, mem: 30}
		m := NewResourceMonitor(sampler, log.NewDisabledLogger())
		good := m.Sample()

		sampler.cpuErr = fmt.Errorf("no cpu data")
		snapshot := m.Sample()
		require.Equal(t, good, snapshot)
	})

	t.Run("floors cpu at 1 percent when sampling never succeeded", func(t *testing.T) {
		sampler := &fakeSampler{cpuErr: fmt.Errorf("no cpu data"), memErr: fmt.Errorf("no mem data")}
		m := NewResourceMonitor(sampler, log.NewDisabledLogger())

		snapshot := m.Sample()
		require.Equal(t, 1.0, snapshot.CPUPercent)
		require.Equal(t, 50.0, snapshot.MemoryPercent)
		require.False(t, snapshot.Throttle)
	})
}

func TestResourceMonitorTrend(t *testing.T) {
	sampler := &fakeSampler{cpu: 10, mem: 10}
	m := NewResourceMonitor(sampler, log.NewDisabledLogger())

	require.Equal(t, TrendStable, m.Sample().Trend)

	sampler.cpu = 30
	m.Sample()
	sampler.cpu = 60
	require.Equal(t, TrendIncreasing, m.Sample().Trend)

	sampler.cpu = 10
	for i := 0; i < smoothingWindowSize; i++ {
		m.Sample()
	}
	require.Equal(t, TrendDecreasing, m.Sample().Trend)
}

func TestResourceMonitorHibernation(t *testing.T) {
	now := time.Unix(1700000000, 0)
	sampler := &fakeSampler{cpu: 10, mem: 10}
	m := NewResourceMonitorWithOpts(sampler, log.NewDisabledLogger(), Opts{
		HibernationIdle: 15 * time.Minute,
		TimeNowFunc:     func() time.Time { return now },
	})

	require.False(t, m.IsHibernating())

	now = now.Add(16 * time.Minute)
	require.True(t, m.IsHibernating())

	m.RecordActivity()
	now = now.Add(10 * time.Minute)
	require.False(t, m.IsHibernating())

	now = now.Add(6 * time.Minute)
	require.True(t, m.IsHibernating())
}

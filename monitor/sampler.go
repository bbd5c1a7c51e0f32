/*
Copyright © 2025 AiArt Labs.

Released under MIT license.
*/

package monitor

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Sampler reads instantaneous CPU and memory utilization in percents (0-100).
type Sampler interface {
	CPUPercent() (float64, error)
	MemoryPercent() (float64, error)
}

// SystemSampler reads utilization of the host the process is running on.
type SystemSampler struct{}

// NewSystemSampler creates a new SystemSampler.
// The first CPU reading primes the internal state of the underlying library,
// so the returned values are meaningful from the second call on.
func NewSystemSampler() *SystemSampler {
	_, _ = cpu.Percent(0, false)
	return &SystemSampler{}
}

// CPUPercent returns the total CPU utilization since the previous call without blocking.
func (s *SystemSampler) CPUPercent() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, fmt.Errorf("read cpu utilization: %w", err)
	}
	if len(percents) == 0 {
		return 0, fmt.Errorf("read cpu utilization: no data")
	}
	return percents[0], nil
}

// MemoryPercent returns the used virtual memory percentage.
func (s *SystemSampler) MemoryPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("read memory utilization: %w", err)
	}
	return vm.UsedPercent, nil
}

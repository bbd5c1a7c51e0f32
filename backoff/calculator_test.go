/*
Copyright © 2025 AiArt Labs.

Released under MIT license.
*/

package backoff

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCalculatorDelay(t *testing.T) {
	t.Run("grows exponentially without jitter", func(t *testing.T) {
		c := NewCalculatorWithOpts(time.Second, 300*time.Second, CalculatorOpts{DisableJitter: true})
		require.Equal(t, 1*time.Second, c.Delay(0, 0))
		require.Equal(t, 2*time.Second, c.Delay(1, 0))
		require.Equal(t, 4*time.Second, c.Delay(2, 0))
		require.Equal(t, 8*time.Second, c.Delay(3, 0))
	})

	t.Run("non-decreasing in attempt for fixed load", func(t *testing.T) {
		c := NewCalculatorWithOpts(time.Second, 300*time.Second, CalculatorOpts{DisableJitter: true})
		for _, load := range []float64{0, 25, 50, 75, 100} {
			prev := time.Duration(-1)
			for attempt := 0; attempt < 64; attempt++ {
				d := c.Delay(attempt, load)
				require.GreaterOrEqual(t, d, prev, "attempt=%d load=%v", attempt, load)
				prev = d
			}
		}
	})

	t.Run("never exceeds max delay", func(t *testing.T) {
		c := NewCalculator(time.Second, 300*time.Second)
		for attempt := 0; attempt < 128; attempt++ {
			for _, load := range []float64{0, 50, 100, 1000} {
				require.LessOrEqual(t, c.Delay(attempt, load), 300*time.Second)
			}
		}
	})

	t.Run("load stretches the delay", func(t *testing.T) {
		c := NewCalculatorWithOpts(time.Second, 300*time.Second, CalculatorOpts{DisableJitter: true})
		require.Equal(t, 1*time.Second, c.Delay(0, 0))
		require.Equal(t, 2*time.Second, c.Delay(0, 50))
		require.Equal(t, 3*time.Second, c.Delay(0, 100))
	})

	t.Run("jitter stays within bounds", func(t *testing.T) {
		c := NewCalculatorWithOpts(10*time.Second, 300*time.Second, CalculatorOpts{RandSource: rand.NewSource(1)})
		for i := 0; i < 1000; i++ {
			d := c.Delay(0, 0)
			require.GreaterOrEqual(t, d, 5*time.Second)
			require.LessOrEqual(t, d, 15*time.Second)
		}
	})

	t.Run("negative attempt is treated as zero", func(t *testing.T) {
		c := NewCalculatorWithOpts(time.Second, 300*time.Second, CalculatorOpts{DisableJitter: true})
		require.Equal(t, c.Delay(0, 0), c.Delay(-5, 0))
	})
}

func TestLoadMultiplier(t *testing.T) {
	require.Equal(t, 1.0, LoadMultiplier(0))
	require.Equal(t, 2.0, LoadMultiplier(50))
	require.Equal(t, 3.0, LoadMultiplier(100))
	require.Equal(t, 1.0, LoadMultiplier(-10))
	require.Equal(t, 3.0, LoadMultiplier(150))
}

func TestRetrySuggestion(t *testing.T) {
	c := NewCalculatorWithOpts(time.Second, 300*time.Second, CalculatorOpts{DisableJitter: true})

	s := c.RetrySuggestion(0, 0)
	require.Equal(t, 1, s.DelaySeconds)
	require.Equal(t, "1 seconds", s.DelayHuman)
	require.Contains(t, s.Message, "Please wait")
	require.False(t, s.RetryAt.IsZero())

	s = c.RetrySuggestion(8, 100)
	require.Equal(t, 300, s.DelaySeconds)
	require.Equal(t, "5 minutes", s.DelayHuman)
	require.Contains(t, s.Message, "very busy")
}

func TestNewBackOff(t *testing.T) {
	c := NewCalculatorWithOpts(time.Second, 300*time.Second, CalculatorOpts{DisableJitter: true})

	b := c.NewBackOff(0)
	require.Equal(t, 1*time.Second, b.NextBackOff())
	require.Equal(t, 2*time.Second, b.NextBackOff())
	require.Equal(t, 4*time.Second, b.NextBackOff())

	b.Reset()
	require.Equal(t, 1*time.Second, b.NextBackOff())

	b = c.NewBackOff(100)
	require.Equal(t, 3*time.Second, b.NextBackOff())
}

/*
Copyright © 2025 AiArt Labs.

Released under MIT license.
*/

package admission

import (
	"bytes"
	"testing"
	"time"

	"github.com/acronis/go-appkit/config"
	"github.com/acronis/go-appkit/log"
	"github.com/stretchr/testify/require"

	"github.com/aiartlab/go-loadguard/monitor"
	"github.com/aiartlab/go-loadguard/queue"
	"github.com/aiartlab/go-loadguard/ratelimit"
)

func TestConfig(t *testing.T) {
	t.Run("load from yaml", func(t *testing.T) {
		cfgData := `
loadguard:
  monitor:
    cpuThreshold: 75
    memoryThreshold: 85
    hibernationIdle: 10m
  rateLimit:
    graceRequests: 3
    maxKeys: 500
    retention: 12h
    tiers:
      anonymous:
        rules: ["2/minute", "100/day"]
      donor:
        rules: ["20/minute"]
  queue:
    workers: 2
    maxQueueWait: 5m
    defaultServiceTime: 10s
  backoff:
    baseDelay: 2s
    maxDelay: 60s
`
		cfg := NewConfig()
		err := config.NewDefaultLoader("").LoadFromReader(bytes.NewReader([]byte(cfgData)), config.DataTypeYAML, cfg)
		require.NoError(t, err)

		require.Equal(t, 75.0, cfg.Monitor.CPUThreshold)
		require.Equal(t, 85.0, cfg.Monitor.MemoryThreshold)
		require.Equal(t, 10*time.Minute, time.Duration(cfg.Monitor.HibernationIdle))

		require.Equal(t, 3, cfg.RateLimit.GraceRequests)
		require.Equal(t, 500, cfg.RateLimit.MaxKeys)
		require.Equal(t, 12*time.Hour, time.Duration(cfg.RateLimit.Retention))

		tierRules := cfg.TierRules()
		require.Equal(t, ratelimit.RuleSet{
			{Count: 2, Period: ratelimit.PeriodMinute},
			{Count: 100, Period: ratelimit.PeriodDay},
		}, tierRules[ratelimit.TierAnonymous])
		require.Equal(t, ratelimit.RuleSet{
			{Count: 20, Period: ratelimit.PeriodMinute},
		}, tierRules[ratelimit.TierDonor])

		require.Equal(t, 2, cfg.Queue.Workers)
		require.Equal(t, 5*time.Minute, time.Duration(cfg.Queue.MaxQueueWait))
		require.Equal(t, 10*time.Second, time.Duration(cfg.Queue.DefaultServiceTime))

		require.Equal(t, 2*time.Second, time.Duration(cfg.Backoff.BaseDelay))
		require.Equal(t, time.Minute, time.Duration(cfg.Backoff.MaxDelay))
	})

	t.Run("defaults", func(t *testing.T) {
		cfg := NewConfig()
		err := config.NewDefaultLoader("").LoadFromReader(bytes.NewReader([]byte("{}")), config.DataTypeYAML, cfg)
		require.NoError(t, err)

		require.Equal(t, float64(monitor.DefaultCPUThreshold), cfg.Monitor.CPUThreshold)
		require.Equal(t, ratelimit.DefaultGraceRequests, cfg.RateLimit.GraceRequests)
		require.Equal(t, queue.DefaultWorkers, cfg.Queue.Workers)
		require.Equal(t, queue.DefaultMaxQueueWait, time.Duration(cfg.Queue.MaxQueueWait))
		require.Nil(t, cfg.TierRules())
	})

	t.Run("invalid threshold", func(t *testing.T) {
		cfgData := `
loadguard:
  monitor:
    cpuThreshold: 150
`
		cfg := NewConfig()
		err := config.NewDefaultLoader("").LoadFromReader(bytes.NewReader([]byte(cfgData)), config.DataTypeYAML, cfg)
		require.ErrorContains(t, err, "cpu threshold")
	})

	t.Run("invalid tier rule", func(t *testing.T) {
		cfgData := `
loadguard:
  rateLimit:
    tiers:
      anonymous:
        rules: ["0/minute"]
`
		cfg := NewConfig()
		err := config.NewDefaultLoader("").LoadFromReader(bytes.NewReader([]byte(cfgData)), config.DataTypeYAML, cfg)
		require.Error(t, err)
	})

	t.Run("component opts conversion", func(t *testing.T) {
		cfg := NewDefaultConfig()
		require.NoError(t, cfg.Validate())

		monOpts := cfg.MonitorOpts()
		require.Equal(t, float64(monitor.DefaultCPUThreshold), monOpts.CPUThreshold)
		require.Equal(t, monitor.DefaultHibernationIdle, monOpts.HibernationIdle)

		queueOpts := cfg.QueueOpts()
		require.Equal(t, queue.DefaultWorkers, queueOpts.Workers)
		require.Equal(t, queue.DefaultRetention, queueOpts.Retention)

		rlOpts := cfg.RateLimitOpts()
		require.Equal(t, ratelimit.DefaultGraceRequests, rlOpts.GraceRequests)
	})

	t.Run("grace period disabled via config", func(t *testing.T) {
		cfgData := `
loadguard:
  rateLimit:
    graceRequests: 0
`
		cfg := NewConfig()
		err := config.NewDefaultLoader("").LoadFromReader(bytes.NewReader([]byte(cfgData)), config.DataTypeYAML, cfg)
		require.NoError(t, err)

		rlOpts := cfg.RateLimitOpts()
		require.Negative(t, rlOpts.GraceRequests)

		limiter, err := ratelimit.NewAdaptiveRateLimiterWithOpts(nil, log.NewDisabledLogger(), rlOpts)
		require.NoError(t, err)
		res := limiter.Check("alice", "/api/generate", ratelimit.TierAnonymous)
		require.True(t, res.Allowed)
		require.NotEqual(t, ratelimit.ReasonGracePeriod, res.Reason)
	})
}

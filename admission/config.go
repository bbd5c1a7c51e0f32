/*
Copyright © 2025 AiArt Labs.

Released under MIT license.
*/

package admission

import (
	"fmt"
	"time"

	"github.com/acronis/go-appkit/config"
	"github.com/mitchellh/mapstructure"

	"github.com/aiartlab/go-loadguard/backoff"
	"github.com/aiartlab/go-loadguard/monitor"
	"github.com/aiartlab/go-loadguard/queue"
	"github.com/aiartlab/go-loadguard/ratelimit"
)

const cfgDefaultKeyPrefix = "loadguard"

const (
	cfgKeyMonitorCPUThreshold    = "monitor.cpuThreshold"
	cfgKeyMonitorMemoryThreshold = "monitor.memoryThreshold"
	cfgKeyMonitorHibernationIdle = "monitor.hibernationIdle"

	cfgKeyRateLimitGraceRequests = "rateLimit.graceRequests"
	cfgKeyRateLimitMaxKeys       = "rateLimit.maxKeys"
	cfgKeyRateLimitRetention     = "rateLimit.retention"

	cfgKeyQueueWorkers            = "queue.workers"
	cfgKeyQueueRetention          = "queue.retention"
	cfgKeyQueueMaxQueueWait       = "queue.maxQueueWait"
	cfgKeyQueueDefaultServiceTime = "queue.defaultServiceTime"
	cfgKeyQueueCleanupInterval    = "queue.cleanupInterval"

	cfgKeyBackoffBaseDelay = "backoff.baseDelay"
	cfgKeyBackoffMaxDelay  = "backoff.maxDelay"
)

// Config represents a set of configuration parameters for the admission
// Controller and all of its components. Configuration can be loaded in
// different formats (YAML, JSON) using config.Loader, viper, or with
// json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	Monitor   MonitorConfig   `mapstructure:"monitor" yaml:"monitor" json:"monitor"`
	RateLimit RateLimitConfig `mapstructure:"rateLimit" yaml:"rateLimit" json:"rateLimit"`
	Queue     QueueConfig     `mapstructure:"queue" yaml:"queue" json:"queue"`
	Backoff   BackoffConfig   `mapstructure:"backoff" yaml:"backoff" json:"backoff"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// MonitorConfig represents resource monitor configuration parameters.
type MonitorConfig struct {
	CPUThreshold    float64             `mapstructure:"cpuThreshold" yaml:"cpuThreshold" json:"cpuThreshold"`
	MemoryThreshold float64             `mapstructure:"memoryThreshold" yaml:"memoryThreshold" json:"memoryThreshold"`
	HibernationIdle config.TimeDuration `mapstructure:"hibernationIdle" yaml:"hibernationIdle" json:"hibernationIdle"`
}

// TierConfig represents the rate policy of a single tier.
type TierConfig struct {
	Rules ratelimit.RuleSet `mapstructure:"rules" yaml:"rules" json:"rules"`
}

// RateLimitConfig represents rate limiter configuration parameters.
type RateLimitConfig struct {
	GraceRequests int                   `mapstructure:"graceRequests" yaml:"graceRequests" json:"graceRequests"`
	MaxKeys       int                   `mapstructure:"maxKeys" yaml:"maxKeys" json:"maxKeys"`
	Retention     config.TimeDuration   `mapstructure:"retention" yaml:"retention" json:"retention"`
	Tiers         map[string]TierConfig `mapstructure:"tiers" yaml:"tiers" json:"tiers"`
}

// QueueConfig represents queue manager configuration parameters.
type QueueConfig struct {
	Workers            int                 `mapstructure:"workers" yaml:"workers" json:"workers"`
	Retention          config.TimeDuration `mapstructure:"retention" yaml:"retention" json:"retention"`
	MaxQueueWait       config.TimeDuration `mapstructure:"maxQueueWait" yaml:"maxQueueWait" json:"maxQueueWait"`
	DefaultServiceTime config.TimeDuration `mapstructure:"defaultServiceTime" yaml:"defaultServiceTime" json:"defaultServiceTime"`
	CleanupInterval    config.TimeDuration `mapstructure:"cleanupInterval" yaml:"cleanupInterval" json:"cleanupInterval"`
}

// BackoffConfig represents backoff calculator configuration parameters.
type BackoffConfig struct {
	BaseDelay config.TimeDuration `mapstructure:"baseDelay" yaml:"baseDelay" json:"baseDelay"`
	MaxDelay  config.TimeDuration `mapstructure:"maxDelay" yaml:"maxDelay" json:"maxDelay"`
}

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
// This prefix will be used by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{
		keyPrefix: opts.keyPrefix,
		Monitor: MonitorConfig{
			CPUThreshold:    monitor.DefaultCPUThreshold,
			MemoryThreshold: monitor.DefaultMemoryThreshold,
			HibernationIdle: config.TimeDuration(monitor.DefaultHibernationIdle),
		},
		RateLimit: RateLimitConfig{
			GraceRequests: ratelimit.DefaultGraceRequests,
			MaxKeys:       ratelimit.DefaultMaxKeys,
			Retention:     config.TimeDuration(ratelimit.DefaultRetention),
		},
		Queue: QueueConfig{
			Workers:            queue.DefaultWorkers,
			Retention:          config.TimeDuration(queue.DefaultRetention),
			MaxQueueWait:       config.TimeDuration(queue.DefaultMaxQueueWait),
			DefaultServiceTime: config.TimeDuration(queue.DefaultServiceTime),
			CleanupInterval:    config.TimeDuration(queue.DefaultCleanupInterval),
		},
		Backoff: BackoffConfig{
			BaseDelay: config.TimeDuration(backoff.DefaultBaseDelay),
			MaxDelay:  config.TimeDuration(backoff.DefaultMaxDelay),
		},
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyMonitorCPUThreshold, monitor.DefaultCPUThreshold)
	dp.SetDefault(cfgKeyMonitorMemoryThreshold, monitor.DefaultMemoryThreshold)
	dp.SetDefault(cfgKeyMonitorHibernationIdle, monitor.DefaultHibernationIdle)

	dp.SetDefault(cfgKeyRateLimitGraceRequests, ratelimit.DefaultGraceRequests)
	dp.SetDefault(cfgKeyRateLimitMaxKeys, ratelimit.DefaultMaxKeys)
	dp.SetDefault(cfgKeyRateLimitRetention, ratelimit.DefaultRetention)

	dp.SetDefault(cfgKeyQueueWorkers, queue.DefaultWorkers)
	dp.SetDefault(cfgKeyQueueRetention, queue.DefaultRetention)
	dp.SetDefault(cfgKeyQueueMaxQueueWait, queue.DefaultMaxQueueWait)
	dp.SetDefault(cfgKeyQueueDefaultServiceTime, queue.DefaultServiceTime)
	dp.SetDefault(cfgKeyQueueCleanupInterval, queue.DefaultCleanupInterval)

	dp.SetDefault(cfgKeyBackoffBaseDelay, backoff.DefaultBaseDelay)
	dp.SetDefault(cfgKeyBackoffMaxDelay, backoff.DefaultMaxDelay)
}

// Set sets configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	if err := dp.Unmarshal(c, func(decoderConfig *mapstructure.DecoderConfig) {
		decoderConfig.DecodeHook = MapstructureDecodeHook()
	}); err != nil {
		return err
	}
	return c.Validate()
}

// Validate validates configuration.
func (c *Config) Validate() error {
	if c.Monitor.CPUThreshold < 0 || c.Monitor.CPUThreshold > 100 {
		return fmt.Errorf("monitor cpu threshold should be in [0, 100], got %v", c.Monitor.CPUThreshold)
	}
	if c.Monitor.MemoryThreshold < 0 || c.Monitor.MemoryThreshold > 100 {
		return fmt.Errorf("monitor memory threshold should be in [0, 100], got %v", c.Monitor.MemoryThreshold)
	}
	if c.RateLimit.GraceRequests < 0 {
		return fmt.Errorf("grace requests should not be negative, got %d", c.RateLimit.GraceRequests)
	}
	for tierName, tierCfg := range c.RateLimit.Tiers {
		if err := tierCfg.Rules.Validate(); err != nil {
			return fmt.Errorf("validate rules for tier %q: %w", tierName, err)
		}
	}
	if c.Queue.Workers < 0 {
		return fmt.Errorf("queue workers should not be negative, got %d", c.Queue.Workers)
	}
	if c.Backoff.BaseDelay < 0 || c.Backoff.MaxDelay < 0 {
		return fmt.Errorf("backoff delays should not be negative")
	}
	if c.Backoff.MaxDelay != 0 && c.Backoff.BaseDelay > c.Backoff.MaxDelay {
		return fmt.Errorf("backoff base delay should not exceed max delay")
	}
	return nil
}

// TierRules converts the configured tier policies for the rate limiter.
// Returns nil when no tiers were configured so the limiter defaults apply.
func (c *Config) TierRules() map[ratelimit.Tier]ratelimit.RuleSet {
	if len(c.RateLimit.Tiers) == 0 {
		return nil
	}
	rules := make(map[ratelimit.Tier]ratelimit.RuleSet, len(c.RateLimit.Tiers))
	for tierName, tierCfg := range c.RateLimit.Tiers {
		rules[ratelimit.Tier(tierName)] = tierCfg.Rules
	}
	return rules
}

// MonitorOpts converts the configuration into resource monitor options.
func (c *Config) MonitorOpts() monitor.Opts {
	return monitor.Opts{
		CPUThreshold:    c.Monitor.CPUThreshold,
		MemoryThreshold: c.Monitor.MemoryThreshold,
		HibernationIdle: time.Duration(c.Monitor.HibernationIdle),
	}
}

// RateLimitOpts converts the configuration into rate limiter options.
// A configured graceRequests of 0 disables the grace period, while the
// options layer treats 0 as "use the default", so it maps to the negative
// sentinel here.
func (c *Config) RateLimitOpts() ratelimit.Opts {
	graceRequests := c.RateLimit.GraceRequests
	if graceRequests == 0 {
		graceRequests = -1
	}
	return ratelimit.Opts{
		TierRules:     c.TierRules(),
		GraceRequests: graceRequests,
		MaxKeys:       c.RateLimit.MaxKeys,
		Retention:     time.Duration(c.RateLimit.Retention),
		BackoffCalculator: backoff.NewCalculator(
			time.Duration(c.Backoff.BaseDelay), time.Duration(c.Backoff.MaxDelay)),
	}
}

// QueueOpts converts the configuration into queue manager options.
func (c *Config) QueueOpts() queue.Opts {
	return queue.Opts{
		Workers:            c.Queue.Workers,
		Retention:          time.Duration(c.Queue.Retention),
		MaxQueueWait:       time.Duration(c.Queue.MaxQueueWait),
		DefaultServiceTime: time.Duration(c.Queue.DefaultServiceTime),
		CleanupInterval:    time.Duration(c.Queue.CleanupInterval),
	}
}

// MapstructureDecodeHook returns a DecodeHookFunc for mapstructure to handle custom types.
func MapstructureDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}

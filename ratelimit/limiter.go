/*
Copyright © 2025 AiArt Labs.

Released under MIT license.
*/

// Package ratelimit implements per-identity token-bucket admission checks
// that adapt to caller tier and current server load.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/lrucache"

	"github.com/aiartlab/go-loadguard/backoff"
)

// Defaults for the AdaptiveRateLimiter.
const (
	DefaultGraceRequests = 5
	DefaultGraceWindow   = time.Hour
	DefaultMaxKeys       = 10000
	DefaultRetention     = 24 * time.Hour

	// DefaultThrottleCapacityScale is applied to effective bucket capacity
	// of all tiers while the server load is high.
	DefaultThrottleCapacityScale = 0.5
)

// Machine-readable reasons of a rate limiting decision.
const (
	ReasonGracePeriod       = "grace_period"
	ReasonWithinLimits      = "within_limits"
	ReasonRateLimitExceeded = "rate_limit_exceeded"
)

// LoadFunc reports the current weighted server load in percents (0-100)
// and whether the high-load throttle condition is in effect.
type LoadFunc func() (load float64, throttle bool)

// Result is the outcome of a rate limiting check.
type Result struct {
	Allowed        bool          `json:"allowed"`
	Reason         string        `json:"reason"`
	Tier           Tier          `json:"tier"`
	RetryAfter     time.Duration `json:"-"`
	GraceRemaining int           `json:"grace_remaining,omitempty"`
	Load           float64       `json:"load"`
	Message        string        `json:"message"`
}

// AdaptiveRateLimiter performs per-identity token-bucket admission checks.
// Buckets are created lazily on the first request from an identity and are
// never persisted beyond the process lifetime. It never fails for well-formed
// input: malformed identity/endpoint arguments are the caller's programming error.
type AdaptiveRateLimiter struct {
	tierRules map[Tier]RuleSet
	loadFn    LoadFunc
	backoff   *backoff.Calculator
	logger    log.FieldLogger
	metrics   *MetricsCollector

	graceRequests int
	graceWindow   time.Duration
	throttleScale float64
	retention     time.Duration

	states *lrucache.LRUCache[string, *identityState]

	overridesMu sync.RWMutex
	overrides   map[string]RuleSet // key: identity + "|" + endpoint

	timeNow func() time.Time
}

// identityState holds all limiter state of a single identity.
type identityState struct {
	mu        sync.Mutex
	firstSeen time.Time
	graceUsed int
	attempts  int // backoff state: rejections since the last admission
	endpoints map[string]*bucketSet
}

// Opts represents options for the AdaptiveRateLimiter.
type Opts struct {
	// TierRules overrides the default per-tier rate policies.
	TierRules map[Tier]RuleSet

	// GraceRequests is the number of requests from a never-before-seen identity
	// that bypass limiting entirely. Zero means the default, negative disables
	// the grace period.
	GraceRequests int

	// GraceWindow bounds the grace period in time after the identity was first seen.
	GraceWindow time.Duration

	// MaxKeys limits the number of identities tracked at the same time.
	MaxKeys int

	// Retention is how long an idle identity's state is kept.
	Retention time.Duration

	// ThrottleCapacityScale is the effective bucket capacity multiplier under high load.
	ThrottleCapacityScale float64

	// BackoffCalculator computes retry-after delays for rejections.
	// If nil, a calculator with default delays is used.
	BackoffCalculator *backoff.Calculator

	// MetricsCollector, if not nil, counts allowed and rejected checks.
	MetricsCollector *MetricsCollector

	// TimeNowFunc overrides the time source. Intended for tests.
	TimeNowFunc func() time.Time
}

// NewAdaptiveRateLimiter creates a new AdaptiveRateLimiter with default options.
// loadFn may be nil, in which case the limiter behaves as if the load is always zero.
func NewAdaptiveRateLimiter(loadFn LoadFunc, logger log.FieldLogger) (*AdaptiveRateLimiter, error) {
	return NewAdaptiveRateLimiterWithOpts(loadFn, logger, Opts{})
}

// NewAdaptiveRateLimiterWithOpts is a version of NewAdaptiveRateLimiter
// with an ability to specify additional options.
func NewAdaptiveRateLimiterWithOpts(loadFn LoadFunc, logger log.FieldLogger, opts Opts) (*AdaptiveRateLimiter, error) {
	if opts.TierRules == nil {
		opts.TierRules = DefaultTierRules()
	}
	for tier, rules := range opts.TierRules {
		if err := rules.Validate(); err != nil {
			return nil, fmt.Errorf("validate rules for tier %q: %w", tier, err)
		}
	}
	if opts.GraceRequests == 0 {
		opts.GraceRequests = DefaultGraceRequests
	}
	if opts.GraceWindow == 0 {
		opts.GraceWindow = DefaultGraceWindow
	}
	if opts.MaxKeys == 0 {
		opts.MaxKeys = DefaultMaxKeys
	}
	if opts.Retention == 0 {
		opts.Retention = DefaultRetention
	}
	if opts.ThrottleCapacityScale == 0 {
		opts.ThrottleCapacityScale = DefaultThrottleCapacityScale
	}
	if opts.BackoffCalculator == nil {
		opts.BackoffCalculator = backoff.NewCalculator(backoff.DefaultBaseDelay, backoff.DefaultMaxDelay)
	}
	if loadFn == nil {
		loadFn = func() (float64, bool) { return 0, false }
	}
	timeNow := opts.TimeNowFunc
	if timeNow == nil {
		timeNow = time.Now
	}

	states, err := lrucache.NewWithOpts[string, *identityState](opts.MaxKeys, nil,
		lrucache.Options{DefaultTTL: opts.Retention})
	if err != nil {
		return nil, fmt.Errorf("new identity states cache: %w", err)
	}

	return &AdaptiveRateLimiter{
		tierRules:     opts.TierRules,
		loadFn:        loadFn,
		backoff:       opts.BackoffCalculator,
		logger:        logger,
		metrics:       opts.MetricsCollector,
		graceRequests: opts.GraceRequests,
		graceWindow:   opts.GraceWindow,
		throttleScale: opts.ThrottleCapacityScale,
		retention:     opts.Retention,
		states:        states,
		overrides:     make(map[string]RuleSet),
		timeNow:       timeNow,
	}, nil
}

// MustNewAdaptiveRateLimiter is a version of NewAdaptiveRateLimiter that panics if an error occurs.
func MustNewAdaptiveRateLimiter(loadFn LoadFunc, logger log.FieldLogger) *AdaptiveRateLimiter {
	l, err := NewAdaptiveRateLimiter(loadFn, logger)
	if err != nil {
		panic(err)
	}
	return l
}

// Check decides whether a request from the identity may be admitted right now.
// It never blocks; token refill is computed lazily from the elapsed time.
func (l *AdaptiveRateLimiter) Check(identity, endpoint string, tier Tier) Result {
	now := l.timeNow()
	load, throttled := l.loadFn()

	state, _ := l.states.GetOrAdd(identity, func() *identityState {
		return &identityState{firstSeen: now, endpoints: make(map[string]*bucketSet)}
	})

	state.mu.Lock()
	defer state.mu.Unlock()

	// Grace period: do not punish first-time callers before their tier is resolved.
	if state.graceUsed < l.graceRequests && now.Sub(state.firstSeen) < l.graceWindow {
		state.graceUsed++
		state.attempts = 0
		remaining := l.graceRequests - state.graceUsed
		if l.metrics != nil {
			l.metrics.IncAllowed(tier, ReasonGracePeriod)
		}
		return Result{
			Allowed:        true,
			Reason:         ReasonGracePeriod,
			Tier:           tier,
			GraceRemaining: remaining,
			Load:           load,
			Message:        fmt.Sprintf("Welcome! You have %d free requests remaining.", remaining),
		}
	}

	rules := l.rulesFor(identity, endpoint, tier)
	buckets := state.endpoints[endpoint]
	if buckets == nil || buckets.fingerprint != rules.fingerprint() {
		buckets = newBucketSet(rules, now)
		state.endpoints[endpoint] = buckets
	}

	scale := 1.0
	if throttled {
		scale = l.throttleScale
	}

	if allowed, _ := buckets.take(now, scale); allowed {
		state.attempts = 0
		if l.metrics != nil {
			l.metrics.IncAllowed(tier, ReasonWithinLimits)
		}
		return Result{
			Allowed: true,
			Reason:  ReasonWithinLimits,
			Tier:    tier,
			Load:    load,
			Message: "Request admitted.",
		}
	}

	suggestion := l.backoff.RetrySuggestion(state.attempts, load)
	state.attempts++
	if l.metrics != nil {
		l.metrics.IncRejected(tier)
	}
	l.logger.Debug("rate limit exceeded",
		log.String("identity", identity),
		log.String("endpoint", endpoint),
		log.String("tier", string(tier)),
		log.Int("attempts", state.attempts),
		log.Duration("retry_after", suggestion.Delay),
	)
	return Result{
		Allowed:    false,
		Reason:     ReasonRateLimitExceeded,
		Tier:       tier,
		RetryAfter: suggestion.Delay,
		Load:       load,
		Message:    suggestion.Message,
	}
}

// SetOverride installs an explicit rate policy for the identity+endpoint pair,
// replacing the tier defaults for it.
func (l *AdaptiveRateLimiter) SetOverride(identity, endpoint string, rules RuleSet) error {
	if err := rules.Validate(); err != nil {
		return fmt.Errorf("validate override rules: %w", err)
	}
	l.overridesMu.Lock()
	l.overrides[overrideKey(identity, endpoint)] = rules
	l.overridesMu.Unlock()
	l.logger.Info("rate limit override installed",
		log.String("identity", identity), log.String("endpoint", endpoint), log.String("rules", rules.fingerprint()))
	return nil
}

// RemoveOverride removes a previously installed override.
func (l *AdaptiveRateLimiter) RemoveOverride(identity, endpoint string) {
	l.overridesMu.Lock()
	delete(l.overrides, overrideKey(identity, endpoint))
	l.overridesMu.Unlock()
}

func (l *AdaptiveRateLimiter) rulesFor(identity, endpoint string, tier Tier) RuleSet {
	l.overridesMu.RLock()
	override, ok := l.overrides[overrideKey(identity, endpoint)]
	l.overridesMu.RUnlock()
	if ok {
		return override
	}
	if rules, ok := l.tierRules[tier]; ok {
		return rules
	}
	return l.tierRules[TierAnonymous]
}

func overrideKey(identity, endpoint string) string {
	return identity + "|" + endpoint
}

/*
Copyright © 2025 AiArt Labs.

Released under MIT license.
*/

// Package backoff computes suggested retry delays for rejected or failed requests.
// Delays grow exponentially with the number of attempts and are additionally
// stretched when the server load is high, so that callers back off harder
// exactly when the service needs it most.
package backoff

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	backoffv4 "github.com/cenkalti/backoff/v4"
)

// Default delays for the calculator.
const (
	DefaultBaseDelay = 1 * time.Second
	DefaultMaxDelay  = 300 * time.Second
)

// Jitter bounds. Each computed delay is multiplied by a uniformly distributed
// factor from [JitterMin, JitterMax] to avoid synchronized retries of many
// clients ("thundering herd").
const (
	JitterMin = 0.5
	JitterMax = 1.5
)

// Calculator computes exponential backoff delays.
// It has no shared state except the jitter random source and is safe for concurrent use.
type Calculator struct {
	baseDelay time.Duration
	maxDelay  time.Duration

	disableJitter bool
	randMu        sync.Mutex
	rand          *rand.Rand
}

// CalculatorOpts represents options for the Calculator.
type CalculatorOpts struct {
	// DisableJitter makes the calculator fully deterministic.
	DisableJitter bool

	// RandSource is a source for the jitter randomization.
	// If nil, a source seeded with the current time is used.
	RandSource rand.Source
}

// NewCalculator creates a new Calculator with the given base and maximum delays.
// Non-positive arguments are replaced with DefaultBaseDelay and DefaultMaxDelay.
func NewCalculator(baseDelay, maxDelay time.Duration) *Calculator {
	return NewCalculatorWithOpts(baseDelay, maxDelay, CalculatorOpts{})
}

// NewCalculatorWithOpts is a version of NewCalculator with an ability to specify additional options.
func NewCalculatorWithOpts(baseDelay, maxDelay time.Duration, opts CalculatorOpts) *Calculator {
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	randSource := opts.RandSource
	if randSource == nil {
		randSource = rand.NewSource(time.Now().UnixNano())
	}
	return &Calculator{
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		disableJitter: opts.DisableJitter,
		rand:          rand.New(randSource),
	}
}

// Delay computes the suggested delay before the next retry.
// attempt is the number of already rejected attempts (0 for the first rejection),
// load is the current weighted server load in percents (0-100).
// The result never exceeds the configured maximum delay.
func (c *Calculator) Delay(attempt int, load float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(c.baseDelay) * math.Pow(2, float64(attempt)) * LoadMultiplier(load)
	if !c.disableJitter {
		delay *= c.jitterFactor()
	}
	if delay >= float64(c.maxDelay) {
		return c.maxDelay
	}
	return time.Duration(delay)
}

// MaxDelay returns the configured cap for computed delays.
func (c *Calculator) MaxDelay() time.Duration {
	return c.maxDelay
}

// NewBackOff returns a cenkalti/backoff ExponentialBackOff producing the same delay
// schedule as Delay for the given load. It is intended for in-process callers
// that drive their own retry loops (e.g. via backoff.Retry).
func (c *Calculator) NewBackOff(load float64) *backoffv4.ExponentialBackOff {
	b := backoffv4.NewExponentialBackOff()
	b.InitialInterval = time.Duration(float64(c.baseDelay) * LoadMultiplier(load))
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	if c.disableJitter {
		b.RandomizationFactor = 0
	}
	b.MaxInterval = c.maxDelay
	b.MaxElapsedTime = 0 // the caller decides when to give up
	b.Reset()
	return b
}

// RetrySuggestion describes a suggested retry in both machine- and human-readable form.
type RetrySuggestion struct {
	Delay        time.Duration `json:"-"`
	DelaySeconds int           `json:"delay_seconds"`
	DelayHuman   string        `json:"delay_human"`
	Message      string        `json:"message"`
	RetryAt      time.Time     `json:"retry_at"`
}

// RetrySuggestion computes a delay for the given attempt and load and wraps it
// into a user-facing suggestion.
func (c *Calculator) RetrySuggestion(attempt int, load float64) RetrySuggestion {
	delay := c.Delay(attempt, load)
	human := humanDuration(delay)

	var msg string
	switch {
	case load > 80:
		msg = fmt.Sprintf("Server is very busy. Please try again in %s.", human)
	case load > 50:
		msg = fmt.Sprintf("Server is under load. Please wait %s before retrying.", human)
	default:
		msg = fmt.Sprintf("Please wait %s before trying again.", human)
	}

	return RetrySuggestion{
		Delay:        delay,
		DelaySeconds: int(math.Ceil(delay.Seconds())),
		DelayHuman:   human,
		Message:      msg,
		RetryAt:      time.Now().UTC().Add(delay),
	}
}

// LoadMultiplier maps the weighted load (0-100) to a delay multiplier
// scaling linearly from 1.0 at load=0 to 3.0 at load=100.
// Out-of-range values are clamped.
func LoadMultiplier(load float64) float64 {
	if load < 0 {
		load = 0
	}
	if load > 100 {
		load = 100
	}
	return 1 + load/50
}

func (c *Calculator) jitterFactor() float64 {
	c.randMu.Lock()
	defer c.randMu.Unlock()
	return JitterMin + c.rand.Float64()*(JitterMax-JitterMin)
}

func humanDuration(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	switch {
	case secs < 60:
		return fmt.Sprintf("%d seconds", secs)
	case secs < 3600:
		return fmt.Sprintf("%d minutes", secs/60)
	default:
		return fmt.Sprintf("%d hours", secs/3600)
	}
}

/*
Copyright © 2025 AiArt Labs.

Released under MIT license.
*/

package ratelimit

import (
	"math"
	"time"
)

// tokenBucket accumulates tokens at a fixed rate up to a capacity;
// each admitted request consumes one token. Refill is continuous and lazy:
// tokens owed are added at check time, capped at capacity.
// Invariant: 0 <= tokens <= capacity at all times.
type tokenBucket struct {
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(rule Rule, now time.Time) *tokenBucket {
	capacity := float64(rule.Count)
	return &tokenBucket{
		capacity:   capacity,
		tokens:     capacity, // start full
		refillRate: rule.refillRate(),
		lastRefill: now,
	}
}

func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
	}
	b.lastRefill = now
}

// wait refills the bucket and returns how long the caller has to wait for a
// whole token, given the capacity scale of the current load condition.
// A zero result means a token is available right now.
func (b *tokenBucket) wait(now time.Time, capacityScale float64) time.Duration {
	b.refill(now)
	tokens := math.Min(b.tokens, b.capacity*capacityScale)
	if tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tokens) / b.refillRate * float64(time.Second))
}

// consume takes one token. The caller must have seen a zero wait first.
// The capacity scale is applied here as well so that a scaled-down bucket
// does not keep a hidden surplus above its effective capacity.
func (b *tokenBucket) consume(capacityScale float64) {
	tokens := math.Min(b.tokens, b.capacity*capacityScale)
	b.tokens = math.Max(0, tokens-1)
}

// bucketSet owns one bucket per rule of an AND-combined rule set
// for a single (identity, endpoint) pair.
type bucketSet struct {
	fingerprint string
	buckets     []*tokenBucket
}

func newBucketSet(rules RuleSet, now time.Time) *bucketSet {
	buckets := make([]*tokenBucket, 0, len(rules))
	for _, rule := range rules {
		buckets = append(buckets, newTokenBucket(rule, now))
	}
	return &bucketSet{fingerprint: rules.fingerprint(), buckets: buckets}
}

// take admits a request only if every bucket has a whole token available,
// and only then consumes one token from each. On refusal it reports the
// longest wait among the exhausted buckets and consumes nothing.
func (s *bucketSet) take(now time.Time, capacityScale float64) (allowed bool, wait time.Duration) {
	var maxWait time.Duration
	for _, b := range s.buckets {
		if w := b.wait(now, capacityScale); w > maxWait {
			maxWait = w
		}
	}
	if maxWait > 0 {
		return false, maxWait
	}
	for _, b := range s.buckets {
		b.consume(capacityScale)
	}
	return true, 0
}

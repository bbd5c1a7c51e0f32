/*
Copyright © 2025 AiArt Labs.

Released under MIT license.
*/

package ratelimit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Tier is a caller classification determining default rate-limit generosity.
type Tier string

// Supported caller tiers.
const (
	TierAnonymous  Tier = "anonymous"
	TierRegistered Tier = "registered"
	TierDonor      Tier = "donor"
)

// Period is a time window over which a rate-limit rule counts requests.
type Period string

// Supported rule periods.
const (
	PeriodSecond Period = "second"
	PeriodMinute Period = "minute"
	PeriodHour   Period = "hour"
	PeriodDay    Period = "day"
)

// Duration returns the period length. Unknown periods return 0.
func (p Period) Duration() time.Duration {
	switch p {
	case PeriodSecond:
		return time.Second
	case PeriodMinute:
		return time.Minute
	case PeriodHour:
		return time.Hour
	case PeriodDay:
		return 24 * time.Hour
	}
	return 0
}

// Rule limits the number of requests per period, e.g. 20/minute.
// Rules may be parsed from the "<count>/<period>" string form
// used in configuration files.
type Rule struct {
	Count  int
	Period Period
}

// String returns a string representation of the rule, e.g. "20/minute".
// Implements fmt.Stringer interface.
func (r Rule) String() string {
	return fmt.Sprintf("%d/%s", r.Count, r.Period)
}

// Validate validates the rule.
func (r Rule) Validate() error {
	if r.Count < 1 {
		return fmt.Errorf("rule count should be >= 1, got %d", r.Count)
	}
	if r.Period.Duration() == 0 {
		return fmt.Errorf("unknown rule period %q", r.Period)
	}
	return nil
}

// refillRate returns the token refill rate in tokens per second.
func (r Rule) refillRate() float64 {
	return float64(r.Count) / r.Period.Duration().Seconds()
}

// UnmarshalText implements the encoding.TextUnmarshaler interface
// which is used by mapstructure.TextUnmarshallerHookFunc.
func (r *Rule) UnmarshalText(text []byte) error {
	return r.unmarshal(string(text))
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	return r.unmarshal(text)
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (r *Rule) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	return r.unmarshal(text)
}

// MarshalText implements the encoding.TextMarshaler interface.
func (r Rule) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// MarshalJSON implements the json.Marshaler interface.
func (r Rule) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// MarshalYAML implements the yaml.Marshaler interface.
func (r Rule) MarshalYAML() (interface{}, error) {
	return r.String(), nil
}

func (r *Rule) unmarshal(s string) error {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 {
		return fmt.Errorf("invalid rate limit rule format (%s), should be <count>/<period>", s)
	}
	count, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return fmt.Errorf("invalid count in rate limit rule (%s): %w", s, err)
	}
	rule := Rule{Count: count, Period: Period(strings.TrimSpace(parts[1]))}
	if err := rule.Validate(); err != nil {
		return err
	}
	*r = rule
	return nil
}

// RuleSet is a rate policy: a set of rules combined by AND.
// A request is admitted only if every rule currently has available capacity.
type RuleSet []Rule

// Validate validates all rules in the set.
func (rs RuleSet) Validate() error {
	if len(rs) == 0 {
		return fmt.Errorf("rule set should contain at least one rule")
	}
	for i, r := range rs {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("validate rule #%d: %w", i+1, err)
		}
	}
	return nil
}

func (rs RuleSet) fingerprint() string {
	parts := make([]string, 0, len(rs))
	for _, r := range rs {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, ",")
}

// DefaultTierRules returns the default per-tier rate policies.
func DefaultTierRules() map[Tier]RuleSet {
	return map[Tier]RuleSet{
		TierAnonymous: {
			{Count: 3, Period: PeriodMinute},
			{Count: 60, Period: PeriodHour},
			{Count: 100, Period: PeriodDay},
		},
		TierRegistered: {
			{Count: 5, Period: PeriodMinute},
			{Count: 120, Period: PeriodHour},
			{Count: 300, Period: PeriodDay},
		},
		TierDonor: {
			{Count: 10, Period: PeriodMinute},
			{Count: 300, Period: PeriodHour},
			{Count: 1000, Period: PeriodDay},
		},
	}
}

package tracing

import (
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/valter-silva-au/obscore/pkg/models"
)

// ErrInvalidSamplingRule is returned when a sampling rule cannot be added.
var ErrInvalidSamplingRule = errors.New("invalid sampling rule")

type samplingRule struct {
	rule       models.SamplingRule
	services   []*regexp.Regexp
	operations []*regexp.Regexp
}

func compileSamplingRule(r models.SamplingRule) (samplingRule, error) {
	if r.RuleID == "" {
		return samplingRule{}, fmt.Errorf("%w: rule_id is required", ErrInvalidSamplingRule)
	}
	if r.SampleRate < 0 || r.SampleRate > 1 {
		return samplingRule{}, fmt.Errorf("%w: rule %q: sample_rate must be within [0,1], got %g", ErrInvalidSamplingRule, r.RuleID, r.SampleRate)
	}
	compiled := samplingRule{rule: r}
	for _, p := range r.ServicePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return samplingRule{}, fmt.Errorf("%w: rule %q: service pattern %q: %v", ErrInvalidSamplingRule, r.RuleID, p, err)
		}
		compiled.services = append(compiled.services, re)
	}
	for _, p := range r.OperationPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return samplingRule{}, fmt.Errorf("%w: rule %q: operation pattern %q: %v", ErrInvalidSamplingRule, r.RuleID, p, err)
		}
		compiled.operations = append(compiled.operations, re)
	}
	return compiled, nil
}

func anyMatch(patterns []*regexp.Regexp, s string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func (r samplingRule) matches(service, operation string, tags map[string]string) bool {
	if !r.rule.Enabled {
		return false
	}
	if !anyMatch(r.services, service) || !anyMatch(r.operations, operation) {
		return false
	}
	for k, v := range r.rule.TagFilters {
		if tags[k] != v {
			return false
		}
	}
	return true
}

// sortSamplingRules orders rules by descending priority, then rule id.
func sortSamplingRules(rules []samplingRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].rule.Priority != rules[j].rule.Priority {
			return rules[i].rule.Priority > rules[j].rule.Priority
		}
		return rules[i].rule.RuleID < rules[j].rule.RuleID
	})
}

// sampleRate returns the rate of the first matching rule, or fallback.
func sampleRate(rules []samplingRule, service, operation string, tags map[string]string, fallback float64) float64 {
	for _, r := range rules {
		if r.matches(service, operation, tags) {
			return r.rule.SampleRate
		}
	}
	return fallback
}

// traceRatio maps a trace id onto [0,1) with a stable hash.
func traceRatio(traceID string) float64 {
	return float64(xxhash.Sum64String(traceID)>>11) / (1 << 53)
}

// sampled reports whether a trace id is kept at rate.
func sampled(traceID string, rate float64) bool {
	return traceRatio(traceID) < rate
}

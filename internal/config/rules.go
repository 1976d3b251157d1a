package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/valter-silva-au/obscore/pkg/models"
	"gopkg.in/yaml.v3"
)

// RuleSet is the content of the declarative rules file.
type RuleSet struct {
	AlertRules         []models.AlertRule        `yaml:"alert_rules"`
	EscalationPolicies []models.EscalationPolicy `yaml:"escalation_policies"`
	SamplingRules      []models.SamplingRule     `yaml:"sampling_rules"`
	LogPatterns        []models.LogPattern       `yaml:"log_patterns"`
}

// enabledFlags mirrors RuleSet to detect an omitted "enabled" key, which
// defaults to true.
type enabledFlags struct {
	AlertRules    []struct{ Enabled *bool } `yaml:"alert_rules"`
	SamplingRules []struct{ Enabled *bool } `yaml:"sampling_rules"`
	LogPatterns   []struct{ Enabled *bool } `yaml:"log_patterns"`
}

// LoadRules reads and validates a rules file.
func (cm *viperConfigManager) LoadRules(path string) (*RuleSet, error) {
	return LoadRules(path)
}

// LoadRules reads and validates a rules file.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes rules YAML, applies defaults and validates the result.
func ParseRules(data []byte) (*RuleSet, error) {
	rs := &RuleSet{}
	if err := yaml.Unmarshal(data, rs); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}
	var flags enabledFlags
	if err := yaml.Unmarshal(data, &flags); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}
	for i, f := range flags.AlertRules {
		if f.Enabled == nil && i < len(rs.AlertRules) {
			rs.AlertRules[i].Enabled = true
		}
	}
	for i, f := range flags.SamplingRules {
		if f.Enabled == nil && i < len(rs.SamplingRules) {
			rs.SamplingRules[i].Enabled = true
		}
	}
	for i, f := range flags.LogPatterns {
		if f.Enabled == nil && i < len(rs.LogPatterns) {
			rs.LogPatterns[i].Enabled = true
		}
	}

	if err := ValidateRules(rs); err != nil {
		return nil, err
	}
	return rs, nil
}

// ValidateRules checks ids, severities, roles, rates, regexes and policy
// references.
func ValidateRules(rs *RuleSet) error {
	var errs []string

	policies := make(map[string]bool, len(rs.EscalationPolicies))
	for i, p := range rs.EscalationPolicies {
		if p.PolicyID == "" {
			errs = append(errs, fmt.Sprintf("escalation_policies[%d]: policy_id must not be empty", i))
			continue
		}
		if policies[p.PolicyID] {
			errs = append(errs, fmt.Sprintf("escalation_policies[%d]: duplicate policy_id %q", i, p.PolicyID))
		}
		policies[p.PolicyID] = true
		if len(p.Steps) == 0 {
			errs = append(errs, fmt.Sprintf("escalation policy %q has no steps", p.PolicyID))
		}
		for j, s := range p.Steps {
			if s.Level < models.EscalationL1 || s.Level > models.EscalationL4 {
				errs = append(errs, fmt.Sprintf("escalation policy %q step %d: level must be 1-4, got %d", p.PolicyID, j, s.Level))
			}
			if s.DelayMinutes < 0 {
				errs = append(errs, fmt.Sprintf("escalation policy %q step %d: delay_minutes must be non-negative", p.PolicyID, j))
			}
		}
		if p.RepeatIntervalMinutes < 0 || p.MaxEscalations < 0 {
			errs = append(errs, fmt.Sprintf("escalation policy %q: repeat_interval_minutes and max_escalations must be non-negative", p.PolicyID))
		}
	}

	ruleIDs := make(map[string]bool, len(rs.AlertRules))
	for i, r := range rs.AlertRules {
		if r.RuleID == "" {
			errs = append(errs, fmt.Sprintf("alert_rules[%d]: rule_id must not be empty", i))
			continue
		}
		if ruleIDs[r.RuleID] {
			errs = append(errs, fmt.Sprintf("alert_rules[%d]: duplicate rule_id %q", i, r.RuleID))
		}
		ruleIDs[r.RuleID] = true
		if r.Severity.Rank() == 0 {
			errs = append(errs, fmt.Sprintf("alert rule %q: unknown severity %q", r.RuleID, r.Severity))
		}
		for _, role := range r.ServiceRoleFilters {
			if _, err := models.ParseServiceRole(string(role)); err != nil {
				errs = append(errs, fmt.Sprintf("alert rule %q: %s", r.RuleID, err))
			}
		}
		if r.EscalationPolicy != "" && !policies[r.EscalationPolicy] {
			errs = append(errs, fmt.Sprintf("alert rule %q: unknown escalation policy %q", r.RuleID, r.EscalationPolicy))
		}
		if r.AutoResolveMinutes < 0 {
			errs = append(errs, fmt.Sprintf("alert rule %q: auto_resolve_minutes must be non-negative", r.RuleID))
		}
	}

	for i, s := range rs.SamplingRules {
		if s.SampleRate < 0 || s.SampleRate > 1 {
			errs = append(errs, fmt.Sprintf("sampling_rules[%d]: sample_rate must be within [0,1], got %g", i, s.SampleRate))
		}
		for _, p := range append(append([]string(nil), s.ServicePatterns...), s.OperationPatterns...) {
			if _, err := regexp.Compile(p); err != nil {
				errs = append(errs, fmt.Sprintf("sampling_rules[%d]: invalid pattern %q: %s", i, p, err))
			}
		}
	}

	for i, p := range rs.LogPatterns {
		if _, err := regexp.Compile(p.RegexPattern); err != nil {
			errs = append(errs, fmt.Sprintf("log_patterns[%d]: invalid regex %q: %s", i, p.RegexPattern, err))
		}
		for _, lvl := range p.LevelFilters {
			if _, err := models.ParseLogLevel(string(lvl)); err != nil {
				errs = append(errs, fmt.Sprintf("log_patterns[%d]: %s", i, err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("rules validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// DefaultRuleSet is registered when no rules file is configured: a catch-all
// rule per severity that notifies the log channel, plus a critical rule with
// a default escalation policy.
func DefaultRuleSet() *RuleSet {
	return &RuleSet{
		EscalationPolicies: []models.EscalationPolicy{
			{
				PolicyID: "default-critical",
				Name:     "Default critical escalation",
				Steps: []models.EscalationStep{
					{Level: models.EscalationL2, DelayMinutes: 15, Channels: []string{"log"}},
					{Level: models.EscalationL3, DelayMinutes: 30, Channels: []string{"log"}},
					{Level: models.EscalationL4, DelayMinutes: 60, Channels: []string{"log"}},
				},
				RepeatIntervalMinutes: 60,
				MaxEscalations:        5,
			},
		},
		AlertRules: []models.AlertRule{
			{
				RuleID:               "default-critical",
				Name:                 "Critical events",
				Condition:            "severity == critical",
				Severity:             models.SeverityCritical,
				TagFilters:           map[string]string{"severity": "critical"},
				NotificationChannels: []string{"log"},
				EscalationPolicy:     "default-critical",
				CooldownMinutes:      15,
				Enabled:              true,
			},
			{
				RuleID:               "default-high",
				Name:                 "High severity events",
				Condition:            "severity == high",
				Severity:             models.SeverityHigh,
				TagFilters:           map[string]string{"severity": "high"},
				NotificationChannels: []string{"log"},
				CooldownMinutes:      15,
				Enabled:              true,
			},
			{
				RuleID:               "default-medium",
				Name:                 "Warnings",
				Condition:            "severity == medium",
				Severity:             models.SeverityMedium,
				TagFilters:           map[string]string{"severity": "medium"},
				NotificationChannels: []string{"log"},
				CooldownMinutes:      30,
				Enabled:              true,
			},
		},
	}
}

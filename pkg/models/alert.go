package models

import (
	"fmt"
	"strings"
	"time"
)

// Severity is the urgency of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; higher is more urgent. Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityLow:
		return 2
	case SeverityMedium:
		return 3
	case SeverityHigh:
		return 4
	case SeverityCritical:
		return 5
	}
	return 0
}

// ParseSeverity validates a severity name.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// AlertStatus is a state in the alert lifecycle.
type AlertStatus string

const (
	AlertTriggered     AlertStatus = "triggered"
	AlertAcknowledged  AlertStatus = "acknowledged"
	AlertInvestigating AlertStatus = "investigating"
	AlertResolved      AlertStatus = "resolved"
	AlertSuppressed    AlertStatus = "suppressed"
	AlertExpired       AlertStatus = "expired"
)

// IsTerminal reports whether no further transitions are allowed.
func (s AlertStatus) IsTerminal() bool {
	return s == AlertResolved || s == AlertExpired
}

// IsActive reports whether the alert still needs attention.
func (s AlertStatus) IsActive() bool {
	return s == AlertTriggered || s == AlertAcknowledged || s == AlertInvestigating
}

// EscalationLevel is the escalation tier of an alert, L1 through L4.
type EscalationLevel int

const (
	EscalationL1 EscalationLevel = iota + 1
	EscalationL2
	EscalationL3
	EscalationL4
)

func (l EscalationLevel) String() string {
	return fmt.Sprintf("L%d", int(l))
}

// AlertPayload is the input to TriggerAlert. Well-known fields are typed;
// everything else goes into Attributes.
type AlertPayload struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	ServiceName string            `json:"service_name"`
	ServiceRole ServiceRole       `json:"service_role"`
	Severity    Severity          `json:"severity"`
	Source      string            `json:"source"`
	Tags        map[string]string `json:"tags,omitempty"`
	TraceID     string            `json:"trace_id,omitempty"`
	SpanID      string            `json:"span_id,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
	RequestID   string            `json:"request_id,omitempty"`
	Attributes  map[string]any    `json:"attributes,omitempty"`
}

// AlertRule is a named trigger condition matched through its filters.
type AlertRule struct {
	RuleID               string            `json:"rule_id" yaml:"rule_id"`
	Name                 string            `json:"name" yaml:"name"`
	Condition            string            `json:"condition" yaml:"condition"`
	Severity             Severity          `json:"severity" yaml:"severity"`
	ServiceFilters       []string          `json:"service_filters,omitempty" yaml:"service_filters,omitempty"`
	ServiceRoleFilters   []ServiceRole     `json:"service_role_filters,omitempty" yaml:"service_role_filters,omitempty"`
	TagFilters           map[string]string `json:"tag_filters,omitempty" yaml:"tag_filters,omitempty"`
	NotificationChannels []string          `json:"notification_channels" yaml:"notification_channels"`
	EscalationPolicy     string            `json:"escalation_policy,omitempty" yaml:"escalation_policy,omitempty"`
	CooldownMinutes      int               `json:"cooldown_minutes" yaml:"cooldown_minutes"` // 0 uses the manager default; negative disables cooldown
	AutoResolveMinutes   int               `json:"auto_resolve_minutes,omitempty" yaml:"auto_resolve_minutes,omitempty"`
	Enabled              bool              `json:"enabled" yaml:"enabled"`
}

// EscalationStep is one rung of an escalation policy.
type EscalationStep struct {
	Level        EscalationLevel `json:"level" yaml:"level"`
	DelayMinutes int             `json:"delay_minutes" yaml:"delay_minutes"`
	Channels     []string        `json:"channels" yaml:"channels"`
}

// EscalationPolicy is an ordered sequence of escalation steps.
type EscalationPolicy struct {
	PolicyID              string           `json:"policy_id" yaml:"policy_id"`
	Name                  string           `json:"name" yaml:"name"`
	Steps                 []EscalationStep `json:"steps" yaml:"steps"`
	RepeatIntervalMinutes int              `json:"repeat_interval_minutes" yaml:"repeat_interval_minutes"`
	MaxEscalations        int              `json:"max_escalations" yaml:"max_escalations"`
}

// NotificationRecord is one delivery attempt on one channel.
type NotificationRecord struct {
	Channel   string          `json:"channel"`
	Timestamp time.Time       `json:"timestamp"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Level     EscalationLevel `json:"level"`
	Kind      string          `json:"kind"` // "trigger" or "escalation"
}

// Alert is a fired rule and its lifecycle state.
type Alert struct {
	AlertID             string               `json:"alert_id"`
	RuleID              string               `json:"rule_id"`
	Title               string               `json:"title"`
	Description         string               `json:"description"`
	Severity            Severity             `json:"severity"`
	Status              AlertStatus          `json:"status"`
	Source              AlertPayload         `json:"source"`
	ServiceName         string               `json:"service_name"`
	ServiceRole         ServiceRole          `json:"service_role"`
	TriggeredAt         time.Time            `json:"triggered_at"`
	AcknowledgedAt      *time.Time           `json:"acknowledged_at,omitempty"`
	AcknowledgedBy      string               `json:"acknowledged_by,omitempty"`
	InvestigatingAt     *time.Time           `json:"investigating_at,omitempty"`
	InvestigatingBy     string               `json:"investigating_by,omitempty"`
	ResolvedAt          *time.Time           `json:"resolved_at,omitempty"`
	ResolvedBy          string               `json:"resolved_by,omitempty"`
	ExpiredAt           *time.Time           `json:"expired_at,omitempty"`
	EscalationLevel     EscalationLevel      `json:"escalation_level"`
	EscalationCount     int                  `json:"escalation_count"`
	EscalatedAt         *time.Time           `json:"escalated_at,omitempty"`
	NotificationHistory []NotificationRecord `json:"notification_history"`
	CorrelationID       string               `json:"correlation_id"`
	SuppressedUntil     *time.Time           `json:"suppressed_until,omitempty"`
	SuppressedFrom      AlertStatus          `json:"suppressed_from,omitempty"`
	LastTransitionAt    time.Time            `json:"last_transition_at"`
}

// Clone returns a deep copy safe to hand out of the manager.
func (a *Alert) Clone() Alert {
	c := *a
	c.NotificationHistory = append([]NotificationRecord(nil), a.NotificationHistory...)
	c.Source.Tags = copyStringMap(a.Source.Tags)
	c.Source.Attributes = copyAnyMap(a.Source.Attributes)
	return c
}

// AlertSummary is a point-in-time count of alerts.
type AlertSummary struct {
	Total                 int                 `json:"total"`
	Active                int                 `json:"active"`
	BySeverity            map[Severity]int    `json:"by_severity"`
	ByStatus              map[AlertStatus]int `json:"by_status"`
	ByRole                map[ServiceRole]int `json:"by_role"`
	TotalTriggered        int64               `json:"total_triggered"`
	TotalResolved         int64               `json:"total_resolved"`
	TotalEscalations      int64               `json:"total_escalations"`
	AverageResolutionMins float64             `json:"average_resolution_minutes"`
}

// AlertTrendBucket counts alerts triggered on one day, broken down by
// severity, current status and service role.
type AlertTrendBucket struct {
	Day        string              `json:"day"`
	Count      int                 `json:"count"`
	BySeverity map[Severity]int    `json:"by_severity"`
	ByStatus   map[AlertStatus]int `json:"by_status"`
	ByRole     map[ServiceRole]int `json:"by_role"`
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

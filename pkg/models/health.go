package models

import "time"

// HealthStatus is the outcome of a probe or the rolled-up state of a service.
type HealthStatus string

const (
	HealthHealthy     HealthStatus = "healthy"
	HealthWarning     HealthStatus = "warning"
	HealthCritical    HealthStatus = "critical"
	HealthUnknown     HealthStatus = "unknown"
	HealthMaintenance HealthStatus = "maintenance"
)

// Severity orders health statuses from best to worst for roll-ups.
// Maintenance ranks below healthy so it never masks a real problem.
func (s HealthStatus) Severity() int {
	switch s {
	case HealthMaintenance:
		return 0
	case HealthHealthy:
		return 1
	case HealthUnknown:
		return 2
	case HealthWarning:
		return 3
	case HealthCritical:
		return 4
	}
	return 2
}

// CheckType groups health checks by what they probe.
type CheckType string

const (
	CheckConnectivity CheckType = "connectivity"
	CheckPerformance  CheckType = "performance"
	CheckResource     CheckType = "resource"
	CheckDependency   CheckType = "dependency"
	CheckFunctional   CheckType = "functional"
	CheckSecurity     CheckType = "security"
)

// CheckPriority weights a check's contribution to the health score.
type CheckPriority string

const (
	PriorityCritical CheckPriority = "critical"
	PriorityHigh     CheckPriority = "high"
	PriorityMedium   CheckPriority = "medium"
	PriorityLow      CheckPriority = "low"
)

// Weight returns the numeric weight used by the health score.
func (p CheckPriority) Weight() float64 {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 2
}

// HealthResult is the immutable outcome of one check execution.
type HealthResult struct {
	CheckID     string             `json:"check_id"`
	CheckName   string             `json:"check_name"`
	ServiceName string             `json:"service_name"`
	ServiceRole ServiceRole        `json:"service_role"`
	Status      HealthStatus       `json:"status"`
	Message     string             `json:"message"`
	Timestamp   time.Time          `json:"timestamp"`
	DurationMs  float64            `json:"duration_ms"`
	Details     map[string]any     `json:"details,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// ServiceHealth is the latest roll-up for a single service.
type ServiceHealth struct {
	ServiceName      string         `json:"service_name"`
	ServiceRole      ServiceRole    `json:"service_role"`
	OverallStatus    HealthStatus   `json:"overall_status"`
	HealthScore      float64        `json:"health_score"`
	ActiveIssues     int            `json:"active_issues"`
	UptimePercentage float64        `json:"uptime_percentage"`
	LastChecked      time.Time      `json:"last_checked"`
	CheckResults     []HealthResult `json:"check_results"`
}

// RoleHealth summarises the services of one role.
type RoleHealth struct {
	Status        HealthStatus `json:"status"`
	ServiceCount  int          `json:"service_count"`
	AverageScore  float64      `json:"average_score"`
	CriticalCount int          `json:"critical_count"`
	WarningCount  int          `json:"warning_count"`
}

// PlatformHealth is the platform-wide roll-up of every ServiceHealth.
type PlatformHealth struct {
	Status       HealthStatus               `json:"status"`
	ServiceCount int                        `json:"service_count"`
	AverageScore float64                    `json:"average_score"`
	TotalIssues  int                        `json:"total_issues"`
	Roles        map[ServiceRole]RoleHealth `json:"roles"`
	Services     map[string]ServiceHealth   `json:"services"`
	GeneratedAt  time.Time                  `json:"generated_at"`
}

package models

import (
	"fmt"
	"strings"
	"time"
)

// ServiceRole classifies the platform tier a service belongs to.
type ServiceRole string

const (
	RoleSI                  ServiceRole = "si"
	RoleApp                 ServiceRole = "app"
	RoleHybrid              ServiceRole = "hybrid"
	RoleCorePlatform        ServiceRole = "core_platform"
	RoleExternalIntegration ServiceRole = "external_integration"
)

// AllServiceRoles lists every known role in display order.
var AllServiceRoles = []ServiceRole{RoleSI, RoleApp, RoleHybrid, RoleCorePlatform, RoleExternalIntegration}

// ParseServiceRole accepts a role name case-insensitively. Hyphens and
// underscores are interchangeable.
func ParseServiceRole(s string) (ServiceRole, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for _, r := range AllServiceRoles {
		if string(r) == norm {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown service role %q", s)
}

// MetricType describes how a metric value should be interpreted.
type MetricType string

const (
	MetricCounter      MetricType = "counter"
	MetricGauge        MetricType = "gauge"
	MetricHistogram    MetricType = "histogram"
	MetricTimer        MetricType = "timer"
	MetricDistribution MetricType = "distribution"
)

// AggregationMethod names a reduction applied to a set of metric values.
type AggregationMethod string

const (
	AggSum     AggregationMethod = "sum"
	AggAverage AggregationMethod = "avg"
	AggMin     AggregationMethod = "min"
	AggMax     AggregationMethod = "max"
	AggCount   AggregationMethod = "count"
)

// ParseAggregationMethod maps user input (including "average") to a method.
func ParseAggregationMethod(s string) (AggregationMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sum":
		return AggSum, nil
	case "avg", "average", "mean":
		return AggAverage, nil
	case "min":
		return AggMin, nil
	case "max":
		return AggMax, nil
	case "count":
		return AggCount, nil
	}
	return "", fmt.Errorf("unknown aggregation method %q", s)
}

// MetricPoint is a single immutable observation.
type MetricPoint struct {
	Name        string            `json:"name"`
	Value       float64           `json:"value"`
	Timestamp   time.Time         `json:"timestamp"`
	ServiceRole ServiceRole       `json:"service_role"`
	ServiceName string            `json:"service_name"`
	MetricType  MetricType        `json:"metric_type"`
	Tags        map[string]string `json:"tags,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// TimeRange is a closed interval [Start, End].
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls within the range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// AggregatedMetric is computed on demand from raw points.
type AggregatedMetric struct {
	Name                 string            `json:"name"`
	AggregatedValue      float64           `json:"aggregated_value"`
	AggregationMethod    AggregationMethod `json:"aggregation_method"`
	ServiceRole          ServiceRole       `json:"service_role,omitempty"`
	TimeRange            TimeRange         `json:"time_range"`
	SampleCount          int               `json:"sample_count"`
	ContributingServices []string          `json:"contributing_services"`
}

// MetricStatistics summarises one metric over a window for one service.
type MetricStatistics struct {
	Count  int       `json:"count"`
	Sum    float64   `json:"sum"`
	Avg    float64   `json:"avg"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Latest float64   `json:"latest"`
	Trend  Trend     `json:"trend"`
	Last   time.Time `json:"last_seen"`
}

// Trend is the direction of a series.
type Trend string

const (
	TrendIncreasing       Trend = "increasing"
	TrendDecreasing       Trend = "decreasing"
	TrendStable           Trend = "stable"
	TrendInsufficientData Trend = "insufficient_data"
)

// MetricTrend is the result of a daily trend analysis.
type MetricTrend struct {
	Name          string             `json:"name"`
	Trend         Trend              `json:"trend"`
	ChangePercent float64            `json:"change_percent"`
	DailyAverages map[string]float64 `json:"daily_averages"`
	Days          int                `json:"days"`
}

// MetricAnomaly is a point that deviates from its window mean.
type MetricAnomaly struct {
	Point     MetricPoint `json:"point"`
	Mean      float64     `json:"mean"`
	StdDev    float64     `json:"std_dev"`
	Deviation float64     `json:"deviation"`
}

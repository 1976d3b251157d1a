package models

import (
	"fmt"
	"strings"
	"time"
)

// LogLevel is the severity of a log entry.
type LogLevel string

const (
	LevelTrace    LogLevel = "trace"
	LevelDebug    LogLevel = "debug"
	LevelInfo     LogLevel = "info"
	LevelWarning  LogLevel = "warning"
	LevelError    LogLevel = "error"
	LevelCritical LogLevel = "critical"
)

// Rank orders levels from least to most severe.
func (l LogLevel) Rank() int {
	switch l {
	case LevelTrace:
		return 0
	case LevelDebug:
		return 1
	case LevelInfo:
		return 2
	case LevelWarning:
		return 3
	case LevelError:
		return 4
	case LevelCritical:
		return 5
	}
	return 2
}

// ParseLogLevel maps the common spellings of log levels.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info", "information", "notice":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarning, nil
	case "error", "err":
		return LevelError, nil
	case "critical", "crit", "fatal", "panic", "emergency", "alert":
		return LevelCritical, nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

// LogFormat is the declared encoding of a raw log line.
type LogFormat string

const (
	FormatJSON       LogFormat = "json"
	FormatStructured LogFormat = "structured"
	FormatPlain      LogFormat = "plain"
)

// LogEntry is one immutable ingested log record.
type LogEntry struct {
	LogID         string            `json:"log_id"`
	Timestamp     time.Time         `json:"timestamp"`
	Level         LogLevel          `json:"level"`
	Message       string            `json:"message"`
	ServiceName   string            `json:"service_name"`
	ServiceRole   ServiceRole       `json:"service_role"`
	LoggerName    string            `json:"logger_name,omitempty"`
	TraceID       string            `json:"trace_id,omitempty"`
	SpanID        string            `json:"span_id,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	RequestID     string            `json:"request_id,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	Fields        map[string]any    `json:"fields,omitempty"`
	StackTrace    string            `json:"stack_trace,omitempty"`
	ExceptionType string            `json:"exception_type,omitempty"`
	RawLog        string            `json:"raw_log,omitempty"`
}

// LogPattern is a data-driven regex rule applied to every entry's message.
type LogPattern struct {
	PatternID      string            `json:"pattern_id" yaml:"pattern_id"`
	Name           string            `json:"name" yaml:"name"`
	RegexPattern   string            `json:"regex_pattern" yaml:"regex_pattern"`
	FieldMappings  map[string]string `json:"field_mappings,omitempty" yaml:"field_mappings,omitempty"`
	ServiceFilters []string          `json:"service_filters,omitempty" yaml:"service_filters,omitempty"`
	LevelFilters   []LogLevel        `json:"level_filters,omitempty" yaml:"level_filters,omitempty"`
	Priority       int               `json:"priority" yaml:"priority"`
	Enabled        bool              `json:"enabled" yaml:"enabled"`
}

// LogMetric is a per-service volume sample derived from recent entries.
type LogMetric struct {
	ServiceName        string      `json:"service_name"`
	ServiceRole        ServiceRole `json:"service_role"`
	Timestamp          time.Time   `json:"timestamp"`
	LogsPerMinute      float64     `json:"logs_per_minute"`
	ErrorRatePerMinute float64     `json:"error_rate_per_minute"`
}

// LogStatistics summarises ingested logs over a window.
type LogStatistics struct {
	Hours          int                 `json:"hours"`
	TotalLogs      int                 `json:"total_logs"`
	ByLevel        map[LogLevel]int    `json:"by_level"`
	ByService      map[string]int      `json:"by_service"`
	ByRole         map[ServiceRole]int `json:"by_role"`
	ErrorRate      float64             `json:"error_rate"`
	ParseFailures  int64               `json:"parse_failures"`
	PatternMatches int64               `json:"pattern_matches"`
	TotalIngested  int64               `json:"total_ingested"`
}

// ServiceLogSummary summarises one service's logs over a window.
type ServiceLogSummary struct {
	ServiceName string           `json:"service_name"`
	Hours       int              `json:"hours"`
	TotalLogs   int              `json:"total_logs"`
	ByLevel     map[LogLevel]int `json:"by_level"`
	ErrorRate   float64          `json:"error_rate"`
	TopErrors   []string         `json:"top_errors"`
	LastLogAt   *time.Time       `json:"last_log_at,omitempty"`
}

// ErrorPattern is a normalised error message and its hourly counts.
type ErrorPattern struct {
	Pattern      string         `json:"pattern"`
	Count        int            `json:"count"`
	Services     []string       `json:"services"`
	HourlyCounts map[string]int `json:"hourly_counts"`
	Trend        Trend          `json:"trend"`
	Example      string         `json:"example"`
}

// ErrorPatternAnalysis groups similar error messages over a window.
type ErrorPatternAnalysis struct {
	Hours       int            `json:"hours"`
	TotalErrors int            `json:"total_errors"`
	Patterns    []ErrorPattern `json:"patterns"`
	GeneratedAt time.Time      `json:"generated_at"`
}

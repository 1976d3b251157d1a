package models

import "time"

// SpanKind is the role a span plays in an interaction.
type SpanKind string

const (
	SpanServer   SpanKind = "server"
	SpanClient   SpanKind = "client"
	SpanProducer SpanKind = "producer"
	SpanConsumer SpanKind = "consumer"
	SpanInternal SpanKind = "internal"
)

// SpanStatus is the final outcome of a span.
type SpanStatus string

const (
	SpanOK        SpanStatus = "ok"
	SpanError     SpanStatus = "error"
	SpanTimeout   SpanStatus = "timeout"
	SpanCancelled SpanStatus = "cancelled"
)

// SpanLog is a timestamped annotation recorded on a span.
type SpanLog struct {
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields"`
}

// Span is one traced operation.
type Span struct {
	TraceID       string            `json:"trace_id"`
	SpanID        string            `json:"span_id"`
	ParentSpanID  string            `json:"parent_span_id,omitempty"`
	OperationName string            `json:"operation_name"`
	ServiceName   string            `json:"service_name"`
	ServiceRole   ServiceRole       `json:"service_role"`
	Kind          SpanKind          `json:"kind"`
	StartTime     time.Time         `json:"start_time"`
	EndTime       *time.Time        `json:"end_time,omitempty"`
	DurationMs    float64           `json:"duration_ms"`
	Status        SpanStatus        `json:"status"`
	Tags          map[string]string `json:"tags,omitempty"`
	Logs          []SpanLog         `json:"logs,omitempty"`
	Baggage       map[string]string `json:"baggage,omitempty"`
}

// Clone returns a deep copy of the span.
func (s *Span) Clone() Span {
	c := *s
	c.Tags = copyStringMap(s.Tags)
	c.Baggage = copyStringMap(s.Baggage)
	c.Logs = append([]SpanLog(nil), s.Logs...)
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	return c
}

// Trace is the assembled set of spans sharing a trace id.
type Trace struct {
	TraceID      string            `json:"trace_id"`
	RootSpanID   string            `json:"root_span_id"`
	Spans        []Span            `json:"spans"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      time.Time         `json:"end_time"`
	DurationMs   float64           `json:"duration_ms"`
	ServiceCount int               `json:"service_count"`
	SpanCount    int               `json:"span_count"`
	ErrorCount   int               `json:"error_count"`
	Services     []string          `json:"services"`
	Operations   []string          `json:"operations"`
	Tags         map[string]string `json:"tags,omitempty"`
	AssembledAt  time.Time         `json:"assembled_at"`
}

// SamplingRule decides what fraction of matching root spans are kept.
type SamplingRule struct {
	RuleID            string            `json:"rule_id" yaml:"rule_id"`
	ServicePatterns   []string          `json:"service_patterns,omitempty" yaml:"service_patterns,omitempty"`
	OperationPatterns []string          `json:"operation_patterns,omitempty" yaml:"operation_patterns,omitempty"`
	TagFilters        map[string]string `json:"tag_filters,omitempty" yaml:"tag_filters,omitempty"`
	SampleRate        float64           `json:"sample_rate" yaml:"sample_rate"`
	Priority          int               `json:"priority" yaml:"priority"`
	Enabled           bool              `json:"enabled" yaml:"enabled"`
}

// ServiceDependency is a caller → callee edge observed in traces.
type ServiceDependency struct {
	Parent     string  `json:"parent"`
	Child      string  `json:"child"`
	CallCount  int     `json:"call_count"`
	ErrorCount int     `json:"error_count"`
	AvgMs      float64 `json:"avg_duration_ms"`
}

// OperationPerformance is latency and error statistics for "service.operation".
type OperationPerformance struct {
	Operation  string  `json:"operation"`
	CallCount  int     `json:"call_count"`
	ErrorCount int     `json:"error_count"`
	ErrorRate  float64 `json:"error_rate"`
	AvgMs      float64 `json:"avg_ms"`
	MinMs      float64 `json:"min_ms"`
	MaxMs      float64 `json:"max_ms"`
	P50Ms      float64 `json:"p50_ms"`
	P95Ms      float64 `json:"p95_ms"`
	P99Ms      float64 `json:"p99_ms"`
}

// ErrorMessageCount pairs an error message with its frequency.
type ErrorMessageCount struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// TraceErrorAnalysis reports trace- and span-level error rates.
type TraceErrorAnalysis struct {
	TotalTraces     int                 `json:"total_traces"`
	ErrorTraces     int                 `json:"error_traces"`
	TraceErrorRate  float64             `json:"trace_error_rate"`
	TotalSpans      int                 `json:"total_spans"`
	ErrorSpans      int                 `json:"error_spans"`
	SpanErrorRate   float64             `json:"span_error_rate"`
	ErrorsByService map[string]int      `json:"errors_by_service"`
	TopErrors       []ErrorMessageCount `json:"top_errors"`
}

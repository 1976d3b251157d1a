// Package mcp provides an MCP (Model Context Protocol) server that exposes
// platform health, alerts, metrics, logs and traces as tools for AI
// assistants.
package mcp

import (
	"context"
	"fmt"
	"sort"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/valter-silva-au/obscore/internal/logs"
	"github.com/valter-silva-au/obscore/internal/metrics"
	"github.com/valter-silva-au/obscore/pkg/models"
)

// HealthReader is the part of the health orchestrator the tools read.
type HealthReader interface {
	GetPlatformHealthOverview() models.PlatformHealth
}

// AlertOperator is the part of the alert manager the tools use.
type AlertOperator interface {
	GetActiveAlerts() []models.Alert
	AcknowledgeAlert(alertID, by string) (models.Alert, error)
}

// MetricsReader is the part of the metrics aggregator the tools read.
type MetricsReader interface {
	AggregateMetrics(q metrics.AggregateQuery) []models.AggregatedMetric
}

// LogSearcher is the part of the log aggregator the tools read.
type LogSearcher interface {
	SearchLogs(query string, f logs.LogFilter) []models.LogEntry
}

// TraceReader is the part of the trace collector the tools read.
type TraceReader interface {
	GetTrace(traceID string) (models.Trace, error)
}

// Deps are the engines behind the tools. Any may be nil; its tools then
// return an error result.
type Deps struct {
	Health  HealthReader
	Alerts  AlertOperator
	Metrics MetricsReader
	Logs    LogSearcher
	Traces  TraceReader
}

// Server wraps the engines and exposes them as MCP tools.
type Server struct {
	server *gomcp.Server
	deps   Deps
}

// NewServer creates a new MCP server over deps.
func NewServer(deps Deps, version string) *Server {
	if version == "" {
		version = "dev"
	}

	s := &Server{deps: deps}
	s.server = gomcp.NewServer(
		&gomcp.Implementation{Name: "obscore", Version: version},
		nil,
	)

	s.registerTools()

	return s
}

// Run starts the MCP server on stdio, blocking until the client disconnects
// or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

// MCPServer returns the underlying mcp.Server for testing purposes.
func (s *Server) MCPServer() *gomcp.Server {
	return s.server
}

// --- Tool input/output types ---

type platformHealthInput struct{}

type serviceHealthOutput struct {
	Name        string  `json:"name"`
	Role        string  `json:"role"`
	Status      string  `json:"status"`
	HealthScore float64 `json:"health_score"`
	Issues      int     `json:"issues"`
}

type platformHealthOutput struct {
	Status       string                `json:"status"`
	ServiceCount int                   `json:"service_count"`
	AverageScore float64               `json:"average_score"`
	TotalIssues  int                   `json:"total_issues"`
	Services     []serviceHealthOutput `json:"services"`
	GeneratedAt  string                `json:"generated_at"`
}

type listAlertsInput struct {
	Severity string `json:"severity,omitempty" jsonschema:"only alerts at or above this severity (info, low, medium, high, critical)"`
	Service  string `json:"service,omitempty" jsonschema:"only alerts for this service"`
}

type alertOutput struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Severity      string `json:"severity"`
	Status        string `json:"status"`
	Service       string `json:"service"`
	CorrelationID string `json:"correlation_id"`
	TriggeredAt   string `json:"triggered_at"`
}

type listAlertsOutput struct {
	Alerts []alertOutput `json:"alerts"`
	Count  int           `json:"count"`
}

type aggregateMetricInput struct {
	Name     string   `json:"name" jsonschema:"required,the metric name"`
	Methods  []string `json:"methods,omitempty" jsonschema:"aggregation methods (sum, avg, min, max, count); all when empty"`
	Role     string   `json:"role,omitempty" jsonschema:"restrict to a service role (si, app, hybrid, core_platform, external_integration)"`
	Services []string `json:"services,omitempty" jsonschema:"restrict to these services"`
	Since    string   `json:"since,omitempty" jsonschema:"time window (e.g. 1h, 24h, 7d). Defaults to 1h."`
}

type aggregateOutput struct {
	Method       string   `json:"method"`
	Value        float64  `json:"value"`
	SampleCount  int      `json:"sample_count"`
	Contributing []string `json:"contributing_services"`
}

type aggregateMetricOutput struct {
	Name    string            `json:"name"`
	Results []aggregateOutput `json:"results"`
}

type searchLogsInput struct {
	Query    string `json:"query" jsonschema:"required,case-insensitive text to find in messages, exceptions and fields"`
	Service  string `json:"service,omitempty" jsonschema:"only entries from this service"`
	MinLevel string `json:"min_level,omitempty" jsonschema:"only entries at or above this level (debug, info, warning, error, critical)"`
	Since    string `json:"since,omitempty" jsonschema:"time window (e.g. 1h, 7d). Defaults to 24h."`
	Limit    int    `json:"limit,omitempty" jsonschema:"maximum entries returned. Defaults to 50."`
}

type logOutput struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Service   string `json:"service"`
	Message   string `json:"message"`
	TraceID   string `json:"trace_id,omitempty"`
}

type searchLogsOutput struct {
	Entries []logOutput `json:"entries"`
	Count   int         `json:"count"`
}

type getTraceInput struct {
	TraceID string `json:"trace_id" jsonschema:"required,the 32-character hex trace id"`
}

type spanOutput struct {
	SpanID     string  `json:"span_id"`
	ParentID   string  `json:"parent_span_id,omitempty"`
	Operation  string  `json:"operation"`
	Service    string  `json:"service"`
	Status     string  `json:"status"`
	DurationMs float64 `json:"duration_ms"`
}

type traceOutput struct {
	TraceID    string       `json:"trace_id"`
	RootSpanID string       `json:"root_span_id"`
	DurationMs float64      `json:"duration_ms"`
	ErrorCount int          `json:"error_count"`
	Services   []string     `json:"services"`
	Spans      []spanOutput `json:"spans"`
}

type acknowledgeAlertInput struct {
	AlertID string `json:"alert_id" jsonschema:"required,the alert id"`
	By      string `json:"by,omitempty" jsonschema:"who is acknowledging. Defaults to mcp."`
}

type acknowledgeAlertOutput struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

// --- Tool registration ---

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_platform_health",
		Description: "Get the platform health overview: overall status, average score, and per-service status and score.",
	}, s.handlePlatformHealth)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "list_active_alerts",
		Description: "List alerts that are triggered, acknowledged or under investigation, most severe first.",
	}, s.handleListAlerts)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "aggregate_metric",
		Description: "Aggregate a metric over a time window with sum, avg, min, max or count, optionally filtered by role and services.",
	}, s.handleAggregateMetric)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "search_logs",
		Description: "Search ingested log entries by text, newest first.",
	}, s.handleSearchLogs)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_trace",
		Description: "Get an assembled trace with its spans.",
	}, s.handleGetTrace)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "acknowledge_alert",
		Description: "Acknowledge a triggered alert, stopping its escalation.",
	}, s.handleAcknowledgeAlert)
}

// --- Tool handlers ---

func (s *Server) handlePlatformHealth(_ context.Context, _ *gomcp.CallToolRequest, _ platformHealthInput) (*gomcp.CallToolResult, platformHealthOutput, error) {
	if s.deps.Health == nil {
		return errorResult("health orchestrator not available"), platformHealthOutput{Services: []serviceHealthOutput{}}, nil
	}

	ph := s.deps.Health.GetPlatformHealthOverview()
	out := platformHealthOutput{
		Status:       string(ph.Status),
		ServiceCount: ph.ServiceCount,
		AverageScore: ph.AverageScore,
		TotalIssues:  ph.TotalIssues,
		Services:     make([]serviceHealthOutput, 0, len(ph.Services)),
		GeneratedAt:  ph.GeneratedAt.Format(time.RFC3339),
	}
	for _, sh := range ph.Services {
		out.Services = append(out.Services, serviceHealthOutput{
			Name:        sh.ServiceName,
			Role:        string(sh.ServiceRole),
			Status:      string(sh.OverallStatus),
			HealthScore: sh.HealthScore,
			Issues:      sh.ActiveIssues,
		})
	}
	sort.Slice(out.Services, func(i, j int) bool { return out.Services[i].Name < out.Services[j].Name })

	return nil, out, nil
}

func (s *Server) handleListAlerts(_ context.Context, _ *gomcp.CallToolRequest, input listAlertsInput) (*gomcp.CallToolResult, listAlertsOutput, error) {
	empty := listAlertsOutput{Alerts: []alertOutput{}}
	if s.deps.Alerts == nil {
		return errorResult("alert manager not available"), empty, nil
	}

	minRank := 0
	if input.Severity != "" {
		sev, err := models.ParseSeverity(input.Severity)
		if err != nil {
			return errorResult(err.Error()), empty, nil
		}
		minRank = sev.Rank()
	}

	alerts := s.deps.Alerts.GetActiveAlerts()
	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].Severity.Rank() > alerts[j].Severity.Rank() })

	out := empty
	for _, a := range alerts {
		if a.Severity.Rank() < minRank || (input.Service != "" && a.ServiceName != input.Service) {
			continue
		}
		out.Alerts = append(out.Alerts, alertOutput{
			ID:            a.AlertID,
			Title:         a.Title,
			Severity:      string(a.Severity),
			Status:        string(a.Status),
			Service:       a.ServiceName,
			CorrelationID: a.CorrelationID,
			TriggeredAt:   a.TriggeredAt.Format(time.RFC3339),
		})
	}
	out.Count = len(out.Alerts)

	return nil, out, nil
}

func (s *Server) handleAggregateMetric(_ context.Context, _ *gomcp.CallToolRequest, input aggregateMetricInput) (*gomcp.CallToolResult, aggregateMetricOutput, error) {
	empty := aggregateMetricOutput{Name: input.Name, Results: []aggregateOutput{}}
	if s.deps.Metrics == nil {
		return errorResult("metrics aggregator not available"), empty, nil
	}
	if input.Name == "" {
		return errorResult("name is required"), empty, nil
	}

	q := metrics.AggregateQuery{Name: input.Name, ServiceNames: input.Services}
	for _, m := range input.Methods {
		method, err := models.ParseAggregationMethod(m)
		if err != nil {
			return errorResult(err.Error()), empty, nil
		}
		q.Methods = append(q.Methods, method)
	}
	if input.Role != "" {
		role, err := models.ParseServiceRole(input.Role)
		if err != nil {
			return errorResult(err.Error()), empty, nil
		}
		q.Role = role
	}
	since := input.Since
	if since == "" {
		since = "1h"
	}
	start, err := parseSince(since)
	if err != nil {
		return errorResult(fmt.Sprintf("parsing since duration: %s", err)), empty, nil
	}
	q.TimeRange = &models.TimeRange{Start: start, End: time.Now().UTC()}

	out := empty
	for _, r := range s.deps.Metrics.AggregateMetrics(q) {
		out.Results = append(out.Results, aggregateOutput{
			Method:       string(r.AggregationMethod),
			Value:        r.AggregatedValue,
			SampleCount:  r.SampleCount,
			Contributing: r.ContributingServices,
		})
	}

	return nil, out, nil
}

func (s *Server) handleSearchLogs(_ context.Context, _ *gomcp.CallToolRequest, input searchLogsInput) (*gomcp.CallToolResult, searchLogsOutput, error) {
	empty := searchLogsOutput{Entries: []logOutput{}}
	if s.deps.Logs == nil {
		return errorResult("log aggregator not available"), empty, nil
	}
	if input.Query == "" {
		return errorResult("query is required"), empty, nil
	}

	f := logs.LogFilter{ServiceName: input.Service, Limit: input.Limit}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if input.MinLevel != "" {
		level, err := models.ParseLogLevel(input.MinLevel)
		if err != nil {
			return errorResult(err.Error()), empty, nil
		}
		f.MinLevel = level
	}
	since := input.Since
	if since == "" {
		since = "24h"
	}
	start, err := parseSince(since)
	if err != nil {
		return errorResult(fmt.Sprintf("parsing since duration: %s", err)), empty, nil
	}
	f.Since = start

	out := empty
	for _, e := range s.deps.Logs.SearchLogs(input.Query, f) {
		out.Entries = append(out.Entries, logOutput{
			ID:        e.LogID,
			Timestamp: e.Timestamp.Format(time.RFC3339),
			Level:     string(e.Level),
			Service:   e.ServiceName,
			Message:   e.Message,
			TraceID:   e.TraceID,
		})
	}
	out.Count = len(out.Entries)

	return nil, out, nil
}

func (s *Server) handleGetTrace(_ context.Context, _ *gomcp.CallToolRequest, input getTraceInput) (*gomcp.CallToolResult, traceOutput, error) {
	if s.deps.Traces == nil {
		return errorResult("trace collector not available"), traceOutput{}, nil
	}
	if input.TraceID == "" {
		return errorResult("trace_id is required"), traceOutput{}, nil
	}

	t, err := s.deps.Traces.GetTrace(input.TraceID)
	if err != nil {
		return errorResult(fmt.Sprintf("getting trace %s: %s", input.TraceID, err)), traceOutput{}, nil
	}

	out := traceOutput{
		TraceID:    t.TraceID,
		RootSpanID: t.RootSpanID,
		DurationMs: t.DurationMs,
		ErrorCount: t.ErrorCount,
		Services:   t.Services,
		Spans:      make([]spanOutput, len(t.Spans)),
	}
	for i, sp := range t.Spans {
		out.Spans[i] = spanOutput{
			SpanID:     sp.SpanID,
			ParentID:   sp.ParentSpanID,
			Operation:  sp.OperationName,
			Service:    sp.ServiceName,
			Status:     string(sp.Status),
			DurationMs: sp.DurationMs,
		}
	}

	return nil, out, nil
}

func (s *Server) handleAcknowledgeAlert(_ context.Context, _ *gomcp.CallToolRequest, input acknowledgeAlertInput) (*gomcp.CallToolResult, acknowledgeAlertOutput, error) {
	if s.deps.Alerts == nil {
		return errorResult("alert manager not available"), acknowledgeAlertOutput{}, nil
	}
	if input.AlertID == "" {
		return errorResult("alert_id is required"), acknowledgeAlertOutput{}, nil
	}
	by := input.By
	if by == "" {
		by = "mcp"
	}

	a, err := s.deps.Alerts.AcknowledgeAlert(input.AlertID, by)
	if err != nil {
		return errorResult(fmt.Sprintf("acknowledging alert %s: %s", input.AlertID, err)), acknowledgeAlertOutput{}, nil
	}

	out := acknowledgeAlertOutput{
		Message: fmt.Sprintf("alert %s acknowledged by %s", a.AlertID, by),
		Status:  string(a.Status),
	}
	return nil, out, nil
}

// --- Helpers ---

func errorResult(msg string) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: msg}},
		IsError: true,
	}
}

// parseSince parses a human-friendly duration string like "7d", "30d", or "24h"
// into the corresponding time in the past.
func parseSince(s string) (time.Time, error) {
	now := time.Now().UTC()

	if len(s) < 2 {
		return time.Time{}, fmt.Errorf("invalid duration %q", s)
	}

	suffix := s[len(s)-1]
	numStr := s[:len(s)-1]
	var num int
	if _, err := fmt.Sscanf(numStr, "%d", &num); err != nil {
		return time.Time{}, fmt.Errorf("invalid duration %q: %w", s, err)
	}

	switch suffix {
	case 'd':
		return now.AddDate(0, 0, -num), nil
	case 'h':
		return now.Add(-time.Duration(num) * time.Hour), nil
	case 'm':
		return now.Add(-time.Duration(num) * time.Minute), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported duration suffix %q (use d, h or m)", string(suffix))
	}
}

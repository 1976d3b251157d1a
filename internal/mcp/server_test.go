package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/valter-silva-au/obscore/internal/alerting"
	"github.com/valter-silva-au/obscore/internal/health"
	"github.com/valter-silva-au/obscore/internal/logs"
	"github.com/valter-silva-au/obscore/internal/metrics"
	"github.com/valter-silva-au/obscore/internal/tracing"
	"github.com/valter-silva-au/obscore/pkg/models"
)

// --- Test helpers ---

type engines struct {
	health  *health.Orchestrator
	alerts  *alerting.Manager
	metrics *metrics.Aggregator
	logs    *logs.Aggregator
	traces  *tracing.Collector
}

func newEngines(t *testing.T) engines {
	t.Helper()
	e := engines{
		health:  health.NewOrchestrator(models.HealthConfig{}, nil, nil),
		alerts:  alerting.NewManager(models.AlertingConfig{}, nil, nil),
		metrics: metrics.NewAggregator(models.MetricsConfig{}, nil, nil),
		logs:    logs.NewAggregator(models.LogsConfig{}, nil, nil),
		traces:  tracing.NewCollector(models.TracingConfig{DefaultSampleRate: 1}, nil, nil),
	}
	for _, r := range []models.AlertRule{
		{RuleID: "api-critical", Severity: models.SeverityCritical, ServiceFilters: []string{"api"}, Enabled: true},
		{RuleID: "web-low", Severity: models.SeverityLow, ServiceFilters: []string{"web"}, Enabled: true},
	} {
		if err := e.alerts.RegisterRule(r); err != nil {
			t.Fatalf("register rule: %v", err)
		}
	}
	return e
}

func (e engines) server() *Server {
	return NewServer(Deps{
		Health:  e.health,
		Alerts:  e.alerts,
		Metrics: e.metrics,
		Logs:    e.logs,
		Traces:  e.traces,
	}, "test")
}

// callTool is a helper that connects a client to the server and calls a tool.
func callTool(t *testing.T, srv *Server, toolName string, args map[string]any) *gomcp.CallToolResult {
	t.Helper()

	ctx := context.Background()
	client := gomcp.NewClient(&gomcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)

	t1, t2 := gomcp.NewInMemoryTransports()

	// Connect server (non-blocking).
	go func() {
		_ = srv.MCPServer().Run(ctx, t1)
	}()

	session, err := client.Connect(ctx, t2, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer session.Close()

	result, err := session.CallTool(ctx, &gomcp.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("call tool %s: %v", toolName, err)
	}

	return result
}

// callToolAllowError is like callTool but returns nil instead of failing when
// the tool call returns a protocol error (e.g. schema validation failure).
func callToolAllowError(t *testing.T, srv *Server, toolName string, args map[string]any) *gomcp.CallToolResult {
	t.Helper()

	ctx := context.Background()
	client := gomcp.NewClient(&gomcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)

	t1, t2 := gomcp.NewInMemoryTransports()

	go func() {
		_ = srv.MCPServer().Run(ctx, t1)
	}()

	session, err := client.Connect(ctx, t2, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer session.Close()

	result, err := session.CallTool(ctx, &gomcp.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		return nil
	}

	return result
}

// decodeOutput reads the structured output, falling back to the text content.
func decodeOutput(t *testing.T, result *gomcp.CallToolResult, out any) {
	t.Helper()
	if result.StructuredContent != nil {
		data, err := json.Marshal(result.StructuredContent)
		if err != nil {
			t.Fatalf("marshalling structured content: %v", err)
		}
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("unmarshalling structured content: %v", err)
		}
		return
	}
	text := extractText(result)
	if err := json.Unmarshal([]byte(text), out); err != nil {
		t.Fatalf("unmarshalling output: %v (text was: %s)", err, text)
	}
}

// extractText extracts the text from the first TextContent in a CallToolResult.
func extractText(result *gomcp.CallToolResult) string {
	for _, c := range result.Content {
		if tc, ok := c.(*gomcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

// --- Tests ---

func TestListTools(t *testing.T) {
	srv := newEngines(t).server()

	ctx := context.Background()
	client := gomcp.NewClient(&gomcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	t1, t2 := gomcp.NewInMemoryTransports()
	go func() {
		_ = srv.MCPServer().Run(ctx, t1)
	}()
	session, err := client.Connect(ctx, t2, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer session.Close()

	res, err := session.ListTools(ctx, nil)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	want := map[string]bool{
		"get_platform_health": false, "list_active_alerts": false, "aggregate_metric": false,
		"search_logs": false, "get_trace": false, "acknowledge_alert": false,
	}
	for _, tool := range res.Tools {
		if _, ok := want[tool.Name]; ok {
			want[tool.Name] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("tool %s not registered", name)
		}
	}
}

func TestGetPlatformHealth(t *testing.T) {
	e := newEngines(t)
	err := e.health.RegisterHealthCheck(health.Check{
		CheckID:     "api-ping",
		Name:        "api ping",
		ServiceName: "api",
		ServiceRole: models.RoleApp,
		Type:        models.CheckConnectivity,
		Priority:    models.PriorityHigh,
		Enabled:     true,
		Func: func(context.Context) (health.CheckOutcome, error) {
			return health.CheckOutcome{Status: models.HealthHealthy, Message: "ok"}, nil
		},
	})
	if err != nil {
		t.Fatalf("register check: %v", err)
	}
	if _, err := e.health.ExecuteHealthCheck(context.Background(), "api-ping"); err != nil {
		t.Fatalf("execute check: %v", err)
	}

	result := callTool(t, e.server(), "get_platform_health", map[string]any{})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", extractText(result))
	}

	var out platformHealthOutput
	decodeOutput(t, result, &out)
	if out.ServiceCount != 1 || len(out.Services) != 1 {
		t.Fatalf("expected one service, got %+v", out)
	}
	if out.Services[0].Name != "api" || out.Services[0].Status != "healthy" {
		t.Errorf("unexpected service entry %+v", out.Services[0])
	}
}

func TestListActiveAlerts(t *testing.T) {
	e := newEngines(t)
	e.alerts.TriggerAlert(models.AlertPayload{Title: "web slow", ServiceName: "web", Severity: models.SeverityLow})
	e.alerts.TriggerAlert(models.AlertPayload{Title: "api down", ServiceName: "api", Severity: models.SeverityCritical})
	srv := e.server()

	result := callTool(t, srv, "list_active_alerts", map[string]any{})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", extractText(result))
	}
	var out listAlertsOutput
	decodeOutput(t, result, &out)
	if out.Count != 2 {
		t.Fatalf("expected 2 alerts, got %d", out.Count)
	}
	if out.Alerts[0].Severity != "critical" {
		t.Errorf("expected critical alert first, got %s", out.Alerts[0].Severity)
	}

	result = callTool(t, srv, "list_active_alerts", map[string]any{"severity": "high"})
	decodeOutput(t, result, &out)
	if out.Count != 1 || out.Alerts[0].Service != "api" {
		t.Errorf("expected only the api alert, got %+v", out.Alerts)
	}

	result = callTool(t, srv, "list_active_alerts", map[string]any{"severity": "urgent"})
	if !result.IsError {
		t.Error("expected error for unknown severity")
	}
}

func TestAcknowledgeAlert(t *testing.T) {
	e := newEngines(t)
	alert, ok := e.alerts.TriggerAlert(models.AlertPayload{Title: "api down", ServiceName: "api"})
	if !ok {
		t.Fatal("expected alert to be created")
	}
	srv := e.server()

	result := callTool(t, srv, "acknowledge_alert", map[string]any{"alert_id": alert.AlertID, "by": "oncall"})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", extractText(result))
	}
	var out acknowledgeAlertOutput
	decodeOutput(t, result, &out)
	if out.Status != "acknowledged" {
		t.Errorf("expected acknowledged, got %s", out.Status)
	}
	got, err := e.alerts.GetAlert(alert.AlertID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AcknowledgedBy != "oncall" {
		t.Errorf("expected acknowledged_by oncall, got %q", got.AcknowledgedBy)
	}

	result = callTool(t, srv, "acknowledge_alert", map[string]any{"alert_id": alert.AlertID})
	if !result.IsError {
		t.Error("expected error acknowledging twice")
	}
	result = callTool(t, srv, "acknowledge_alert", map[string]any{"alert_id": "missing"})
	if !result.IsError {
		t.Error("expected error for unknown alert")
	}
}

func TestAcknowledgeAlertMissingID(t *testing.T) {
	srv := newEngines(t).server()

	// The SDK validates required fields at the schema level.
	result := callToolAllowError(t, srv, "acknowledge_alert", map[string]any{})
	if result == nil {
		return
	}
	if !result.IsError {
		t.Fatal("expected error result for missing alert_id")
	}
}

func TestAggregateMetric(t *testing.T) {
	e := newEngines(t)
	e.metrics.Record("latency", 100, models.RoleApp, "api", models.MetricTimer, nil)
	e.metrics.Record("latency", 300, models.RoleApp, "web", models.MetricTimer, nil)
	e.metrics.Record("latency", 900, models.RoleCorePlatform, "db", models.MetricTimer, nil)
	srv := e.server()

	result := callTool(t, srv, "aggregate_metric", map[string]any{
		"name": "latency", "methods": []string{"avg", "max"}, "role": "app",
	})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", extractText(result))
	}
	var out aggregateMetricOutput
	decodeOutput(t, result, &out)
	if len(out.Results) != 2 {
		t.Fatalf("expected 2 results, got %+v", out.Results)
	}
	byMethod := map[string]float64{}
	for _, r := range out.Results {
		byMethod[r.Method] = r.Value
	}
	if byMethod["avg"] != 200 || byMethod["max"] != 300 {
		t.Errorf("unexpected aggregates %v", byMethod)
	}

	result = callTool(t, srv, "aggregate_metric", map[string]any{"name": "latency", "methods": []string{"median"}})
	if !result.IsError {
		t.Error("expected error for unknown method")
	}
	result = callTool(t, srv, "aggregate_metric", map[string]any{"name": "latency", "since": "7x"})
	if !result.IsError {
		t.Error("expected error for bad since")
	}
}

func TestSearchLogs(t *testing.T) {
	e := newEngines(t)
	e.logs.IngestLogEntry(models.LogEntry{Message: "payment declined", Level: models.LevelError, ServiceName: "api"})
	e.logs.IngestLogEntry(models.LogEntry{Message: "payment accepted", Level: models.LevelInfo, ServiceName: "api"})
	e.logs.IngestLogEntry(models.LogEntry{Message: "cache warm", Level: models.LevelInfo, ServiceName: "web"})
	srv := e.server()

	result := callTool(t, srv, "search_logs", map[string]any{"query": "PAYMENT"})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", extractText(result))
	}
	var out searchLogsOutput
	decodeOutput(t, result, &out)
	if out.Count != 2 {
		t.Errorf("expected 2 entries, got %d", out.Count)
	}

	result = callTool(t, srv, "search_logs", map[string]any{"query": "payment", "min_level": "error"})
	decodeOutput(t, result, &out)
	if out.Count != 1 || out.Entries[0].Message != "payment declined" {
		t.Errorf("expected only the error entry, got %+v", out.Entries)
	}
}

func TestGetTrace(t *testing.T) {
	e := newEngines(t)
	ctx, rootID := e.traces.StartSpan(context.Background(), "GET /orders", "api", models.RoleApp, tracing.StartOptions{})
	_, childID := e.traces.StartSpan(ctx, "SELECT orders", "db", models.RoleCorePlatform, tracing.StartOptions{})
	e.traces.FinishSpan(childID, "", "", nil)
	e.traces.FinishSpan(rootID, "", "", nil)
	e.traces.Flush()

	sc, ok := tracing.SpanFromContext(ctx)
	if !ok {
		t.Fatal("expected span in context")
	}
	srv := e.server()

	result := callTool(t, srv, "get_trace", map[string]any{"trace_id": sc.TraceID})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", extractText(result))
	}
	var out traceOutput
	decodeOutput(t, result, &out)
	if out.RootSpanID != rootID || len(out.Spans) != 2 {
		t.Errorf("unexpected trace %+v", out)
	}

	result = callTool(t, srv, "get_trace", map[string]any{"trace_id": "0000"})
	if !result.IsError {
		t.Error("expected error for unknown trace")
	}
}

func TestMissingEngines(t *testing.T) {
	srv := NewServer(Deps{}, "")

	for tool, args := range map[string]map[string]any{
		"get_platform_health": {},
		"list_active_alerts":  {},
		"aggregate_metric":    {"name": "x"},
		"search_logs":         {"query": "x"},
		"get_trace":           {"trace_id": "x"},
		"acknowledge_alert":   {"alert_id": "x"},
	} {
		result := callTool(t, srv, tool, args)
		if !result.IsError {
			t.Errorf("%s: expected error when engine is nil", tool)
		}
	}
}

func TestParseSince(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"7d", 7 * 24 * time.Hour, false},
		{"24h", 24 * time.Hour, false},
		{"15m", 15 * time.Minute, false},
		{"", 0, true},
		{"x", 0, true},
		{"7x", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseSince(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseSince(%q) error = %v, wantErr = %v", tt.input, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if age := time.Since(got); age < tt.want-time.Minute || age > tt.want+time.Minute {
				t.Errorf("parseSince(%q) = %v ago, want about %v", tt.input, age, tt.want)
			}
		})
	}
}

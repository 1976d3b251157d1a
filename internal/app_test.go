package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valter-silva-au/obscore/internal/alerting"
	"github.com/valter-silva-au/obscore/internal/api"
	"github.com/valter-silva-au/obscore/internal/cli"
	"github.com/valter-silva-au/obscore/internal/config"
	"github.com/valter-silva-au/obscore/internal/health"
	"github.com/valter-silva-au/obscore/pkg/models"
)

func testConfig(t *testing.T) *models.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	return cfg
}

func startApp(t *testing.T, cfg *models.Config) (*App, *api.Client) {
	t.Helper()
	app, err := NewApp(t.TempDir(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	t.Cleanup(func() { _ = app.Stop() })
	return app, api.NewClient("http://"+app.API.Addr(), 5*time.Second)
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestApp_EndToEnd(t *testing.T) {
	app, client := startApp(t, testConfig(t))
	base := "http://" + app.API.Addr()
	ctx := context.Background()

	// Ingest metrics over HTTP and read them back aggregated.
	resp := postJSON(t, base+"/api/v1/metrics", []models.MetricPoint{
		{Name: "request_latency_ms", Value: 100, ServiceRole: models.RoleApp, ServiceName: "checkout", MetricType: models.MetricHistogram},
		{Name: "request_latency_ms", Value: 300, ServiceRole: models.RoleApp, ServiceName: "checkout", MetricType: models.MetricHistogram},
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	aggs, err := client.Aggregate(ctx, api.AggregateRequest{Name: "request_latency_ms", Methods: []string{"avg"}, Minutes: 60})
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.InDelta(t, 200, aggs[0].AggregatedValue, 0.001)

	// A failing health check raises a critical alert through the default rules.
	require.NoError(t, app.Health.RegisterHealthCheck(health.Check{
		CheckID:     "checkout-db",
		Name:        "checkout database",
		ServiceRole: models.RoleApp,
		ServiceName: "checkout",
		Type:        models.CheckResource,
		Priority:    models.PriorityCritical,
		Func: func(context.Context) (health.CheckOutcome, error) {
			return health.CheckOutcome{}, errors.New("connection refused")
		},
		IntervalSeconds: 3600,
		Enabled:         true,
	}))
	result, err := app.Health.ExecuteHealthCheck(ctx, "checkout-db")
	require.NoError(t, err)
	require.Equal(t, models.HealthCritical, result.Status)

	alerts, err := client.ActiveAlerts(ctx, "", "checkout")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "health", alerts[0].Source.Source)
	assert.Equal(t, "checkout-db", alerts[0].Source.Tags["check_id"])

	ph, err := client.PlatformHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.HealthCritical, ph.Services["checkout"].OverallStatus)

	// The Prometheus surface reports the same state.
	mresp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	body, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "obscore_")
}

func TestApp_SelfMonitoringRegistered(t *testing.T) {
	app, err := NewApp(t.TempDir(), testConfig(t), nil)
	require.NoError(t, err)

	found := false
	for _, c := range app.Health.Checks() {
		if c.CheckID == "obscore-memory" {
			found = true
		}
	}
	assert.True(t, found, "self memory check should be registered")
	assert.NotEmpty(t, app.Alerts.Rules(), "default rules should be registered")
}

func TestApp_RulesFile(t *testing.T) {
	dir := t.TempDir()
	rules := `alert_rules:
  - rule_id: only-rule
    name: Only rule
    severity: low
    enabled: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(rules), 0o644))

	cfg := testConfig(t)
	cfg.RulesFile = "rules.yaml"
	app, err := NewApp(dir, cfg, nil)
	require.NoError(t, err)

	got := app.Alerts.Rules()
	require.Len(t, got, 1)
	assert.Equal(t, "only-rule", got[0].RuleID)

	cfg.RulesFile = "missing.yaml"
	_, err = NewApp(dir, cfg, nil)
	assert.Error(t, err)
}

func TestApp_JournalWired(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Alerting.JournalPath = "alerts.jsonl"

	app, err := NewApp(dir, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))

	a, ok := app.Alerts.TriggerAlert(models.AlertPayload{
		Title:       "queue backlog",
		ServiceName: "worker",
		ServiceRole: models.RoleApp,
		Severity:    models.SeverityHigh,
	})
	require.True(t, ok)

	entries, err := app.Alerts.ReadJournal(alerting.JournalFilter{AlertID: a.AlertID})
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	require.NoError(t, app.Stop())
	_, err = os.Stat(filepath.Join(dir, "alerts.jsonl"))
	assert.NoError(t, err, "journal should be written under the base path")
}

func TestApp_StopIsIdempotent(t *testing.T) {
	app, err := NewApp(t.TempDir(), testConfig(t), nil)
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	assert.NoError(t, app.Stop())
	assert.NoError(t, app.Stop())
}

func TestApp_StartFailsOnBusyPort(t *testing.T) {
	first, _ := startApp(t, testConfig(t))

	cfg := testConfig(t)
	cfg.Server.ListenAddr = first.API.Addr()
	second, err := NewApp(t.TempDir(), cfg, nil)
	require.NoError(t, err)
	assert.Error(t, second.Start(context.Background()))
}

func TestApp_MCPDeps(t *testing.T) {
	app, err := NewApp(t.TempDir(), testConfig(t), nil)
	require.NoError(t, err)
	deps := app.MCPDeps()
	assert.NotNil(t, deps.Health)
	assert.NotNil(t, deps.Alerts)
	assert.NotNil(t, deps.Metrics)
	assert.NotNil(t, deps.Logs)
	assert.NotNil(t, deps.Traces)
}

func TestRegister(t *testing.T) {
	origBase, origFactory := cli.BasePath, cli.NewPlatform
	defer func() { cli.BasePath, cli.NewPlatform = origBase, origFactory }()

	dir := t.TempDir()
	Register(dir)
	assert.Equal(t, dir, cli.BasePath)
	require.NotNil(t, cli.NewPlatform)

	p, err := cli.NewPlatform(testConfig(t), nil)
	require.NoError(t, err)
	_, ok := p.(*App)
	assert.True(t, ok)
}

func TestResolveBasePath_EnvSet(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("OBSCORE_HOME", tmpDir)

	if got := ResolveBasePath(); got != tmpDir {
		t.Errorf("ResolveBasePath() = %q, want %q", got, tmpDir)
	}
}

func TestResolveBasePath_FindsConfig(t *testing.T) {
	tmpDir := t.TempDir()
	subDir := filepath.Join(tmpDir, "sub", "nested")
	if err := os.MkdirAll(subDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, ".obscore.yaml"), []byte("logging:\n  level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	origDir, _ := os.Getwd()
	defer func() { _ = os.Chdir(origDir) }()
	if err := os.Chdir(subDir); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OBSCORE_HOME", "")

	got, _ := filepath.EvalSymlinks(ResolveBasePath())
	want, _ := filepath.EvalSymlinks(tmpDir)
	if got != want {
		t.Errorf("ResolveBasePath() = %q, want %q (should find .obscore.yaml in parent)", got, want)
	}
}

func TestResolveBasePath_FallbackToCwd(t *testing.T) {
	tmpDir := t.TempDir()
	origDir, _ := os.Getwd()
	defer func() { _ = os.Chdir(origDir) }()
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OBSCORE_HOME", "")

	got, _ := filepath.EvalSymlinks(ResolveBasePath())
	want, _ := filepath.EvalSymlinks(tmpDir)
	if !strings.HasPrefix(got, want) {
		t.Errorf("ResolveBasePath() = %q, want %q", got, want)
	}
}

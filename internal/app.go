// Package internal provides the App struct that wires the observability
// engines together and initializes the CLI layer.
package internal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valter-silva-au/obscore/internal/alerting"
	"github.com/valter-silva-au/obscore/internal/api"
	"github.com/valter-silva-au/obscore/internal/cli"
	"github.com/valter-silva-au/obscore/internal/config"
	"github.com/valter-silva-au/obscore/internal/exposition"
	"github.com/valter-silva-au/obscore/internal/health"
	"github.com/valter-silva-au/obscore/internal/logging"
	"github.com/valter-silva-au/obscore/internal/logs"
	"github.com/valter-silva-au/obscore/internal/mcp"
	"github.com/valter-silva-au/obscore/internal/metrics"
	"github.com/valter-silva-au/obscore/internal/tracing"
	"github.com/valter-silva-au/obscore/pkg/models"
	"go.uber.org/zap"
)

// selfService names obscore's own health checks and runtime metrics.
const selfService = "obscore"

// startStopper is anything App starts and stops in order.
type startStopper interface {
	Start(ctx context.Context) error
	Stop() error
}

// App holds every engine and the surfaces built on them.
type App struct {
	BasePath string
	Config   *models.Config
	Logger   *zap.Logger

	// Engines
	Metrics *metrics.Aggregator
	Health  *health.Orchestrator
	Alerts  *alerting.Manager
	Traces  *tracing.Collector
	Logs    *logs.Aggregator

	// Surfaces
	Registry *prometheus.Registry
	Pusher   *exposition.Pusher
	API      *api.Server

	exporter *tracing.Exporter
	closers  []func() error
	started  []startStopper
}

// Register makes the CLI build an App for basePath whenever a command needs
// running engines.
func Register(basePath string) {
	cli.BasePath = basePath
	cli.NewPlatform = func(cfg *models.Config, logger *zap.Logger) (cli.Platform, error) {
		return NewApp(basePath, cfg, logger)
	}
}

// NewApp creates and wires every engine from cfg. Nothing runs until Start.
// logger may be nil.
func NewApp(basePath string, cfg *models.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger = logging.OrNop(logger)
	app := &App{BasePath: basePath, Config: cfg, Logger: logger}

	// --- Engines ---
	app.Metrics = metrics.NewAggregator(cfg.Metrics, logger, nil)
	app.Health = health.NewOrchestrator(cfg.Health, logger, nil)
	app.Alerts = alerting.NewManager(cfg.Alerting, logger, nil)
	app.Traces = tracing.NewCollector(cfg.Tracing, logger, nil)
	app.Logs = logs.NewAggregator(cfg.Logs, logger, nil)

	// --- Cross-engine wiring ---
	app.Health.SetMetrics(app.Metrics)
	app.Health.AddFailureHandler(app.alertOnHealthFailure)
	app.Traces.SetMetrics(app.Metrics)
	app.Logs.SetMetrics(app.Metrics)
	app.Logs.SetAlerts(app.Alerts)

	if err := app.wireNotifications(cfg); err != nil {
		app.closeAll()
		return nil, err
	}
	if err := app.wireTraceExport(cfg.Tracing); err != nil {
		app.closeAll()
		return nil, err
	}
	if err := app.registerRules(cfg.RulesFile); err != nil {
		app.closeAll()
		return nil, err
	}
	if err := app.registerSelfMonitoring(); err != nil {
		app.closeAll()
		return nil, err
	}

	// --- Surfaces ---
	collector := exposition.NewCollector(cfg.Exposition.Namespace, exposition.Sources{
		Metrics: app.Metrics,
		Health:  app.Health,
		Alerts:  app.Alerts,
		Traces:  app.Traces,
		Logs:    app.Logs,
	})
	app.Registry = exposition.NewRegistry(collector)
	app.Pusher = exposition.NewPusher(cfg.Exposition, app.Registry, logger)
	app.API = api.NewServer(cfg.Server, api.Deps{
		Metrics:    app.Metrics,
		Health:     app.Health,
		Alerts:     app.Alerts,
		Traces:     app.Traces,
		Logs:       app.Logs,
		Exposition: exposition.Handler(app.Registry),
	}, logger)

	return app, nil
}

// alertOnHealthFailure forwards warning and critical health results to the
// alert manager.
func (a *App) alertOnHealthFailure(r models.HealthResult) {
	sev := models.SeverityMedium
	if r.Status == models.HealthCritical {
		sev = models.SeverityCritical
	}
	desc := r.Message
	if r.Error != "" {
		desc = r.Error
	}
	a.Alerts.TriggerAlert(models.AlertPayload{
		Title:       fmt.Sprintf("Health check %s is %s", r.CheckName, r.Status),
		Description: desc,
		ServiceName: r.ServiceName,
		ServiceRole: r.ServiceRole,
		Severity:    sev,
		Source:      "health",
		Tags:        map[string]string{"check_id": r.CheckID},
	})
}

// wireNotifications registers every channel with a configured destination.
// The log channel is always present.
func (a *App) wireNotifications(cfg *models.Config) error {
	n := cfg.Notifications
	if n.Slack.WebhookURL != "" {
		a.Alerts.RegisterChannel("slack", alerting.NewSlackChannel(n.Slack.WebhookURL))
	}
	if n.Webhook.URL != "" {
		a.Alerts.RegisterChannel("webhook", alerting.NewWebhookChannel(n.Webhook.URL))
	}
	if n.NATS.URL != "" {
		nc, err := alerting.DialNATS(n.NATS.URL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { nc.Close(); return nil })
		subject := n.NATS.Subject
		if subject == "" {
			subject = "obscore.alerts"
		}
		a.Alerts.RegisterChannel("nats", alerting.NewNATSChannel(nc, subject))
	}
	if len(n.Kafka.Brokers) > 0 {
		topic := n.Kafka.Topic
		if topic == "" {
			topic = "obscore-alerts"
		}
		kc := alerting.NewKafkaChannel(n.Kafka.Brokers, topic)
		a.closers = append(a.closers, kc.Close)
		a.Alerts.RegisterChannel("kafka", kc)
	}

	if path := cfg.Alerting.JournalPath; path != "" {
		j, err := alerting.NewJSONLJournal(a.resolvePath(path))
		if err != nil {
			return fmt.Errorf("opening alert journal: %w", err)
		}
		a.closers = append(a.closers, j.Close)
		a.Alerts.SetJournal(j)
	}
	return nil
}

// wireTraceExport replays assembled traces to an OTLP endpoint when one is
// configured.
func (a *App) wireTraceExport(cfg models.TracingConfig) error {
	if cfg.OTLPEndpoint == "" {
		return nil
	}
	exp, err := tracing.NewOTLPExporter(context.Background(), cfg)
	if err != nil {
		return err
	}
	a.exporter = tracing.NewExporter(exp, a.Logger)
	a.Traces.AddHandler(a.exporter.HandleTrace)
	return nil
}

// registerRules loads the rules file, or the default rule set when none is
// configured. Policies go first so rules can reference them.
func (a *App) registerRules(path string) error {
	rs := config.DefaultRuleSet()
	if path != "" {
		loaded, err := config.LoadRules(a.resolvePath(path))
		if err != nil {
			return err
		}
		rs = loaded
	}

	for _, p := range rs.EscalationPolicies {
		if err := a.Alerts.RegisterEscalationPolicy(p); err != nil {
			return fmt.Errorf("registering escalation policy %s: %w", p.PolicyID, err)
		}
	}
	for _, r := range rs.AlertRules {
		if err := a.Alerts.RegisterRule(r); err != nil {
			return fmt.Errorf("registering alert rule %s: %w", r.RuleID, err)
		}
	}
	for _, r := range rs.SamplingRules {
		if err := a.Traces.AddSamplingRule(r); err != nil {
			return fmt.Errorf("registering sampling rule %s: %w", r.RuleID, err)
		}
	}
	for _, p := range rs.LogPatterns {
		if err := a.Logs.AddPattern(p); err != nil {
			return fmt.Errorf("registering log pattern %s: %w", p.PatternID, err)
		}
	}
	a.Logger.Info("rules registered",
		zap.Int("alert_rules", len(rs.AlertRules)),
		zap.Int("escalation_policies", len(rs.EscalationPolicies)),
		zap.Int("sampling_rules", len(rs.SamplingRules)),
		zap.Int("log_patterns", len(rs.LogPatterns)),
	)
	return nil
}

// registerSelfMonitoring watches obscore's own heap and runtime.
func (a *App) registerSelfMonitoring() error {
	if err := a.Health.RegisterHealthCheck(health.Check{
		CheckID:         selfService + "-memory",
		Name:            "obscore heap",
		ServiceRole:     models.RoleCorePlatform,
		ServiceName:     selfService,
		Type:            models.CheckResource,
		Priority:        models.PriorityMedium,
		Func:            health.MemoryCheck(512, 1024),
		IntervalSeconds: 60,
		Enabled:         true,
	}); err != nil {
		return fmt.Errorf("registering self health check: %w", err)
	}

	runtimeSamples := metrics.CollectorFunc(func(context.Context) ([]metrics.Sample, error) {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return []metrics.Sample{
			{Name: "go_goroutines", Value: float64(runtime.NumGoroutine()), Type: models.MetricGauge},
			{Name: "go_heap_alloc_mb", Value: float64(ms.HeapAlloc) / (1 << 20), Type: models.MetricGauge},
			{Name: "go_gc_cycles", Value: float64(ms.NumGC), Type: models.MetricCounter},
		}, nil
	})
	if err := a.Metrics.RegisterMetricSource(selfService+"-runtime", models.RoleCorePlatform, selfService, runtimeSamples, 30*time.Second); err != nil {
		return fmt.Errorf("registering runtime metric source: %w", err)
	}
	return nil
}

func (a *App) resolvePath(path string) string {
	return cli.ResolveRulesPath(a.BasePath, path)
}

// Start starts the engines leaves first, then the pusher and the API. On
// failure everything already started is stopped again.
func (a *App) Start(ctx context.Context) error {
	parts := []startStopper{a.Metrics, a.Alerts, a.Health, a.Traces, a.Logs}
	if a.Pusher != nil {
		parts = append(parts, a.Pusher)
	}
	parts = append(parts, a.API)

	for _, p := range parts {
		if err := p.Start(ctx); err != nil {
			_ = a.Stop()
			return err
		}
		a.started = append(a.started, p)
	}
	a.Logger.Info("obscore started", zap.String("listen_addr", a.API.Addr()))
	return nil
}

// Stop stops everything Start started, in reverse order, then flushes the
// trace exporter and closes channel connections and the journal.
func (a *App) Stop() error {
	var errs []error
	for i := len(a.started) - 1; i >= 0; i-- {
		if err := a.started[i].Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	a.started = nil

	if a.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.exporter.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
		a.exporter = nil
	}
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// MCPDeps exposes the engines to the MCP server.
func (a *App) MCPDeps() mcp.Deps {
	return mcp.Deps{
		Health:  a.Health,
		Alerts:  a.Alerts,
		Metrics: a.Metrics,
		Logs:    a.Logs,
		Traces:  a.Traces,
	}
}

// ResolveBasePath determines the directory holding .obscore.yaml. It checks
// the OBSCORE_HOME env var, then walks up from the current directory.
func ResolveBasePath() string {
	if home := os.Getenv("OBSCORE_HOME"); home != "" {
		return home
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	for dir := cwd; ; {
		if _, err := os.Stat(filepath.Join(dir, ".obscore.yaml")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return cwd
}

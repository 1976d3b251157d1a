// Package health runs registered health checks on their own schedules,
// rolls results up into per-service and platform health, and reports
// failures to registered handlers.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valter-silva-au/obscore/internal/clock"
	"github.com/valter-silva-au/obscore/internal/lifecycle"
	"github.com/valter-silva-au/obscore/internal/logging"
	"github.com/valter-silva-au/obscore/internal/ringbuf"
	"github.com/valter-silva-au/obscore/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrCheckNotFound is returned for an unknown check id.
	ErrCheckNotFound = errors.New("health check not found")
	// ErrInvalidCheck is returned when a check cannot be registered.
	ErrInvalidCheck = errors.New("invalid health check")
)

// CheckOutcome is what a check function reports on success.
type CheckOutcome struct {
	Status  models.HealthStatus
	Message string
	Details map[string]any
	Metrics map[string]float64
}

// CheckFunc probes a dependency. It must honour ctx cancellation where it
// can; the orchestrator stops waiting at the check's timeout regardless.
type CheckFunc func(ctx context.Context) (CheckOutcome, error)

// Check is a registered probe.
type Check struct {
	CheckID         string
	Name            string
	ServiceRole     models.ServiceRole
	ServiceName     string
	Type            models.CheckType
	Priority        models.CheckPriority
	Func            CheckFunc
	IntervalSeconds int
	TimeoutSeconds  int
	Enabled         bool
}

// CheckInfo is the serialisable view of a registered check.
type CheckInfo struct {
	CheckID         string               `json:"check_id"`
	Name            string               `json:"name"`
	ServiceRole     models.ServiceRole   `json:"service_role"`
	ServiceName     string               `json:"service_name"`
	Type            models.CheckType     `json:"check_type"`
	Priority        models.CheckPriority `json:"priority"`
	IntervalSeconds int                  `json:"interval_seconds"`
	TimeoutSeconds  int                  `json:"timeout_seconds"`
	Enabled         bool                 `json:"enabled"`
	Scheduled       bool                 `json:"scheduled"`
}

// MetricsSink receives check status and duration points.
type MetricsSink interface {
	Record(name string, value float64, role models.ServiceRole, serviceName string, typ models.MetricType, tags map[string]string) bool
}

// FailureHandler is called for every warning or critical result.
type FailureHandler func(result models.HealthResult)

// ChangeHandler is called when a service's overall status changes.
type ChangeHandler func(previous models.HealthStatus, current models.ServiceHealth)

// Stats are the orchestrator's self-counters.
type Stats struct {
	RegisteredChecks int     `json:"registered_checks"`
	TotalExecuted    int64   `json:"total_executed"`
	TotalFailed      int64   `json:"total_failed"`
	TotalTimeouts    int64   `json:"total_timeouts"`
	AvgDurationMs    float64 `json:"avg_duration_ms"`
	BufferedResults  int     `json:"buffered_results"`
}

type registeredCheck struct {
	Check
	cancel context.CancelFunc // non-nil while scheduled
}

// Orchestrator owns the check registry, schedules and health roll-ups.
type Orchestrator struct {
	cfg    models.HealthConfig
	logger *zap.Logger
	clock  clock.Clock
	group  *lifecycle.Group

	mu       sync.RWMutex
	checks   map[string]*registeredCheck
	results  *ringbuf.Buffer[models.HealthResult]
	services map[string]models.ServiceHealth

	handlerMu       sync.RWMutex
	metrics         MetricsSink
	failureHandlers []FailureHandler
	changeHandlers  []ChangeHandler

	statsMu       sync.Mutex
	executed      int64
	avgDurationMs float64
	failed        atomic.Int64
	timeouts      atomic.Int64
}

// NewOrchestrator creates an Orchestrator. logger and clk may be nil.
func NewOrchestrator(cfg models.HealthConfig, logger *zap.Logger, clk clock.Clock) *Orchestrator {
	if cfg.ResultBufferSize <= 0 {
		cfg.ResultBufferSize = 10000
	}
	if cfg.MaxConcurrentChecks <= 0 {
		cfg.MaxConcurrentChecks = 10
	}
	if cfg.UptimeLookbackHours <= 0 {
		cfg.UptimeLookbackHours = 24
	}
	if cfg.DefaultIntervalSeconds <= 0 {
		cfg.DefaultIntervalSeconds = 60
	}
	if cfg.DefaultTimeoutSeconds <= 0 {
		cfg.DefaultTimeoutSeconds = 10
	}
	return &Orchestrator{
		cfg:      cfg,
		logger:   logging.OrNop(logger).Named("health"),
		clock:    clock.OrReal(clk),
		group:    lifecycle.NewGroup("health orchestrator"),
		checks:   make(map[string]*registeredCheck),
		results:  ringbuf.New[models.HealthResult](cfg.ResultBufferSize),
		services: make(map[string]models.ServiceHealth),
	}
}

// SetMetrics wires the sink for health_check_* points. Call before Start.
func (o *Orchestrator) SetMetrics(sink MetricsSink) {
	o.handlerMu.Lock()
	o.metrics = sink
	o.handlerMu.Unlock()
}

// AddFailureHandler registers a handler for warning and critical results.
func (o *Orchestrator) AddFailureHandler(h FailureHandler) {
	o.handlerMu.Lock()
	o.failureHandlers = append(o.failureHandlers, h)
	o.handlerMu.Unlock()
}

// AddChangeHandler registers a handler for service status transitions.
func (o *Orchestrator) AddChangeHandler(h ChangeHandler) {
	o.handlerMu.Lock()
	o.changeHandlers = append(o.changeHandlers, h)
	o.handlerMu.Unlock()
}

// Start launches the orchestration loop and a schedule for every enabled check.
func (o *Orchestrator) Start(ctx context.Context) error {
	err := o.group.Start(ctx, func(ctx context.Context) {
		lifecycle.Every(ctx, seconds(o.cfg.OrchestrationIntervalSeconds, 30), o.logger, "health orchestration", func(context.Context) {
			o.refreshAll()
		})
	})
	if err != nil {
		return err
	}

	o.mu.Lock()
	for _, rc := range o.checks {
		if rc.Enabled {
			o.scheduleLocked(rc)
		}
	}
	n := len(o.checks)
	o.mu.Unlock()

	o.logger.Info("health orchestrator started", zap.Int("checks", n))
	return nil
}

// Stop cancels every schedule and the orchestration loop.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	for _, rc := range o.checks {
		o.unscheduleLocked(rc)
	}
	o.mu.Unlock()
	if err := o.group.Stop(); err != nil {
		return err
	}
	o.logger.Info("health orchestrator stopped")
	return nil
}

// RegisterHealthCheck adds or replaces a check. Re-registering an id replaces
// its definition and restarts its schedule, never duplicating it.
func (o *Orchestrator) RegisterHealthCheck(c Check) error {
	if c.CheckID == "" {
		return fmt.Errorf("%w: check_id is required", ErrInvalidCheck)
	}
	if c.Func == nil {
		return fmt.Errorf("%w: check %q has no function", ErrInvalidCheck, c.CheckID)
	}
	if _, err := models.ParseServiceRole(string(c.ServiceRole)); err != nil {
		return fmt.Errorf("%w: check %q: %s", ErrInvalidCheck, c.CheckID, err)
	}
	if c.Name == "" {
		c.Name = c.CheckID
	}
	if c.Priority == "" {
		c.Priority = models.PriorityMedium
	}
	if c.Type == "" {
		c.Type = models.CheckConnectivity
	}
	if c.IntervalSeconds <= 0 {
		c.IntervalSeconds = o.cfg.DefaultIntervalSeconds
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = o.cfg.DefaultTimeoutSeconds
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if old, ok := o.checks[c.CheckID]; ok {
		o.unscheduleLocked(old)
	}
	rc := &registeredCheck{Check: c}
	o.checks[c.CheckID] = rc
	if rc.Enabled && o.group.Running() {
		o.scheduleLocked(rc)
	}
	o.logger.Debug("health check registered",
		zap.String("check_id", c.CheckID),
		zap.String("service", c.ServiceName),
	)
	return nil
}

// UnregisterHealthCheck removes a check and cancels its schedule. It reports
// whether the check existed.
func (o *Orchestrator) UnregisterHealthCheck(checkID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	rc, ok := o.checks[checkID]
	if !ok {
		return false
	}
	o.unscheduleLocked(rc)
	delete(o.checks, checkID)
	return true
}

// SetCheckEnabled enables or disables a check, creating or cancelling its
// schedule.
func (o *Orchestrator) SetCheckEnabled(checkID string, enabled bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rc, ok := o.checks[checkID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCheckNotFound, checkID)
	}
	rc.Enabled = enabled
	if !enabled {
		o.unscheduleLocked(rc)
	} else if rc.cancel == nil && o.group.Running() {
		o.scheduleLocked(rc)
	}
	return nil
}

// Checks lists registered checks sorted by id.
func (o *Orchestrator) Checks() []CheckInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]CheckInfo, 0, len(o.checks))
	for _, rc := range o.checks {
		out = append(out, CheckInfo{
			CheckID:         rc.CheckID,
			Name:            rc.Name,
			ServiceRole:     rc.ServiceRole,
			ServiceName:     rc.ServiceName,
			Type:            rc.Type,
			Priority:        rc.Priority,
			IntervalSeconds: rc.IntervalSeconds,
			TimeoutSeconds:  rc.TimeoutSeconds,
			Enabled:         rc.Enabled,
			Scheduled:       rc.cancel != nil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CheckID < out[j].CheckID })
	return out
}

func (o *Orchestrator) scheduleLocked(rc *registeredCheck) {
	parent := o.group.Context()
	if parent == nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	checkID := rc.CheckID
	interval := time.Duration(rc.IntervalSeconds) * time.Second
	if !o.group.Go(func(context.Context) { o.runSchedule(ctx, checkID, interval) }) {
		cancel()
		return
	}
	rc.cancel = cancel
}

func (o *Orchestrator) unscheduleLocked(rc *registeredCheck) {
	if rc.cancel != nil {
		rc.cancel()
		rc.cancel = nil
	}
}

func (o *Orchestrator) runSchedule(ctx context.Context, checkID string, interval time.Duration) {
	run := func() {
		lifecycle.SafeCall(o.logger, "health check "+checkID, func() {
			if _, err := o.ExecuteHealthCheck(ctx, checkID); err != nil && !errors.Is(err, ErrCheckNotFound) {
				o.logger.Warn("scheduled health check failed", zap.String("check_id", checkID), zap.Error(err))
			}
		})
	}
	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// ExecuteHealthCheck runs one check with its timeout and records the result.
// A timeout yields a critical result with error "timeout"; a returned error
// or panic yields a critical result carrying the message.
func (o *Orchestrator) ExecuteHealthCheck(ctx context.Context, checkID string) (models.HealthResult, error) {
	o.mu.RLock()
	rc, ok := o.checks[checkID]
	var c Check
	if ok {
		c = rc.Check
	}
	o.mu.RUnlock()
	if !ok {
		return models.HealthResult{}, fmt.Errorf("%w: %s", ErrCheckNotFound, checkID)
	}

	result := o.run(ctx, c)
	o.record(c, result)
	return result, nil
}

type outcome struct {
	res      CheckOutcome
	err      error
	panicked any
}

func (o *Orchestrator) run(ctx context.Context, c Check) models.HealthResult {
	started := o.clock.Now()
	wallStart := time.Now()

	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.TimeoutSeconds)*time.Second)
	defer cancel()

	// The check runs on its own goroutine so a function that ignores ctx
	// cannot hold the caller past the deadline.
	done := make(chan outcome, 1)
	go func() {
		var out outcome
		defer func() {
			if r := recover(); r != nil {
				out.panicked = r
			}
			done <- out
		}()
		out.res, out.err = c.Func(ctx)
	}()

	result := models.HealthResult{
		CheckID:     c.CheckID,
		CheckName:   c.Name,
		ServiceName: c.ServiceName,
		ServiceRole: c.ServiceRole,
		Timestamp:   started,
	}

	select {
	case out := <-done:
		switch {
		case out.panicked != nil:
			result.Status = models.HealthCritical
			result.Error = fmt.Sprint(out.panicked)
			result.Message = "check panicked: " + result.Error
		case out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() != nil:
			result.Status = models.HealthCritical
			result.Error = "timeout"
			result.Message = fmt.Sprintf("check timed out after %ds", c.TimeoutSeconds)
		case out.err != nil:
			result.Status = models.HealthCritical
			result.Error = out.err.Error()
			result.Message = out.err.Error()
		default:
			result.Status = out.res.Status
			if result.Status == "" {
				result.Status = models.HealthHealthy
			}
			result.Message = out.res.Message
			result.Details = out.res.Details
			result.Metrics = out.res.Metrics
		}
	case <-ctx.Done():
		result.Status = models.HealthCritical
		result.Error = "timeout"
		result.Message = fmt.Sprintf("check timed out after %ds", c.TimeoutSeconds)
	}
	result.DurationMs = float64(time.Since(wallStart).Microseconds()) / 1000
	return result
}

func (o *Orchestrator) record(c Check, result models.HealthResult) {
	o.statsMu.Lock()
	o.executed++
	o.avgDurationMs += (result.DurationMs - o.avgDurationMs) / float64(o.executed)
	o.statsMu.Unlock()
	if result.Error == "timeout" {
		o.timeouts.Add(1)
	}
	if result.Status == models.HealthCritical || result.Status == models.HealthWarning {
		o.failed.Add(1)
	}

	o.mu.Lock()
	o.results.Push(result)
	o.mu.Unlock()

	o.handlerMu.RLock()
	sink := o.metrics
	failureHandlers := o.failureHandlers
	o.handlerMu.RUnlock()

	if sink != nil {
		tags := map[string]string{"check_id": c.CheckID, "check_type": string(c.Type)}
		status := 0.0
		if result.Status == models.HealthHealthy {
			status = 1
		}
		sink.Record("health_check_status", status, c.ServiceRole, c.ServiceName, models.MetricGauge, tags)
		sink.Record("health_check_duration_ms", result.DurationMs, c.ServiceRole, c.ServiceName, models.MetricTimer, tags)
		for name, v := range result.Metrics {
			sink.Record(name, v, c.ServiceRole, c.ServiceName, models.MetricGauge, tags)
		}
	}

	if result.Status == models.HealthWarning || result.Status == models.HealthCritical {
		o.logger.Warn("health check failing",
			zap.String("check_id", c.CheckID),
			zap.String("service", c.ServiceName),
			zap.String("status", string(result.Status)),
			zap.String("message", result.Message),
		)
		for _, h := range failureHandlers {
			lifecycle.SafeCall(o.logger, "health failure handler", func() { h(result) })
		}
	}

	o.refreshService(c.ServiceName)
}

// ExecuteServiceHealthChecks runs every enabled check of a service with the
// concurrency cap and returns the results ordered by check id.
func (o *Orchestrator) ExecuteServiceHealthChecks(ctx context.Context, serviceName string) []models.HealthResult {
	return o.executeMatching(ctx, func(c Check) bool { return c.ServiceName == serviceName })
}

// ExecuteAllHealthChecks runs every enabled check with the concurrency cap.
func (o *Orchestrator) ExecuteAllHealthChecks(ctx context.Context) []models.HealthResult {
	return o.executeMatching(ctx, func(Check) bool { return true })
}

func (o *Orchestrator) executeMatching(ctx context.Context, match func(Check) bool) []models.HealthResult {
	o.mu.RLock()
	var ids []string
	for id, rc := range o.checks {
		if rc.Enabled && match(rc.Check) {
			ids = append(ids, id)
		}
	}
	o.mu.RUnlock()
	sort.Strings(ids)

	results := make([]models.HealthResult, len(ids))
	found := make([]bool, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxConcurrentChecks)
	for i, id := range ids {
		g.Go(func() error {
			res, err := o.ExecuteHealthCheck(gctx, id)
			if err == nil {
				results[i] = res
				found[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	out := results[:0]
	for i, r := range results {
		if found[i] {
			out = append(out, r)
		}
	}
	return out
}

// GetServiceHealth returns the latest roll-up for a service.
func (o *Orchestrator) GetServiceHealth(serviceName string) (models.ServiceHealth, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	sh, ok := o.services[serviceName]
	return sh, ok
}

// ServiceHealths returns every service roll-up sorted by name.
func (o *Orchestrator) ServiceHealths() []models.ServiceHealth {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]models.ServiceHealth, 0, len(o.services))
	for _, sh := range o.services {
		out = append(out, sh)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceName < out[j].ServiceName })
	return out
}

// ResultFilter selects results from the result log.
type ResultFilter struct {
	CheckID     string
	ServiceName string
	Status      models.HealthStatus
	Since       time.Time
	Limit       int
}

// GetResults returns matching results, newest first.
func (o *Orchestrator) GetResults(f ResultFilter) []models.HealthResult {
	o.mu.RLock()
	matched := o.results.Filter(func(r models.HealthResult) bool {
		if f.CheckID != "" && r.CheckID != f.CheckID {
			return false
		}
		if f.ServiceName != "" && r.ServiceName != f.ServiceName {
			return false
		}
		if f.Status != "" && r.Status != f.Status {
			return false
		}
		return f.Since.IsZero() || !r.Timestamp.Before(f.Since)
	})
	o.mu.RUnlock()

	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched
}

// Stats returns a snapshot of the self-counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.RLock()
	checks := len(o.checks)
	buffered := o.results.Len()
	o.mu.RUnlock()
	o.statsMu.Lock()
	executed, avg := o.executed, o.avgDurationMs
	o.statsMu.Unlock()
	return Stats{
		RegisteredChecks: checks,
		TotalExecuted:    executed,
		TotalFailed:      o.failed.Load(),
		TotalTimeouts:    o.timeouts.Load(),
		AvgDurationMs:    avg,
		BufferedResults:  buffered,
	}
}

func seconds(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}

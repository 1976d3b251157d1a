// Package logs ingests structured and unstructured log lines, applies
// data-driven regex patterns, and derives volume metrics, error pattern
// analysis and critical-log alerts.
package logs

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/valter-silva-au/obscore/internal/clock"
	"github.com/valter-silva-au/obscore/internal/lifecycle"
	"github.com/valter-silva-au/obscore/internal/logging"
	"github.com/valter-silva-au/obscore/internal/ringbuf"
	"github.com/valter-silva-au/obscore/pkg/models"
	"go.uber.org/zap"
)

var (
	// ErrLogNotFound is returned for an unknown or expired log id.
	ErrLogNotFound = errors.New("log entry not found")
	// ErrInvalidPattern is returned when a pattern has no id or its regex
	// does not compile.
	ErrInvalidPattern = errors.New("invalid log pattern")
)

// MetricsSink receives per-service log volume metrics.
type MetricsSink interface {
	Record(name string, value float64, role models.ServiceRole, serviceName string, typ models.MetricType, tags map[string]string) bool
}

// AlertSink receives critical-log and error-spike alerts.
type AlertSink interface {
	TriggerAlert(p models.AlertPayload) (models.Alert, bool)
}

// Handler is called synchronously for every ingested entry.
type Handler func(e models.LogEntry)

// Stats are the aggregator's self-counters.
type Stats struct {
	Buffered        int   `json:"buffered"`
	Indexed         int   `json:"indexed"`
	Evicted         int64 `json:"evicted"`
	TotalIngested   int64 `json:"total_ingested"`
	ParseFailures   int64 `json:"parse_failures"`
	PatternMatches  int64 `json:"pattern_matches"`
	QueueDepth      int   `json:"queue_depth"`
	QueueDropped    int64 `json:"queue_dropped"`
	AlertsForwarded int64 `json:"alerts_forwarded"`
	Subscribers     int   `json:"subscribers"`
}

type compiledPattern struct {
	pattern models.LogPattern
	re      *regexp.Regexp
}

// Aggregator owns the log buffer, its id index and the pattern set.
type Aggregator struct {
	cfg    models.LogsConfig
	logger *zap.Logger
	clock  clock.Clock
	group  *lifecycle.Group
	queue  *ringbuf.Queue[string]

	patternMu sync.RWMutex
	patterns  []compiledPattern

	mu           sync.RWMutex
	buffer       *ringbuf.Buffer[*models.LogEntry]
	index        map[string]*models.LogEntry
	byLevel      map[models.LogLevel]int64
	byService    map[string]int64
	byRole       map[models.ServiceRole]int64
	latest       map[string]models.LogMetric
	lastAnalysis *models.ErrorPatternAnalysis

	handlerMu sync.RWMutex
	handlers  []Handler
	metrics   MetricsSink
	alerts    AlertSink

	subMu   sync.Mutex
	subs    map[int]*subscriber
	nextSub int

	ingested       atomic.Int64
	parseFailures  atomic.Int64
	patternMatches atomic.Int64
	forwarded      atomic.Int64
}

// NewAggregator creates an Aggregator. logger and clk may be nil.
func NewAggregator(cfg models.LogsConfig, logger *zap.Logger, clk clock.Clock) *Aggregator {
	if cfg.RetentionHours <= 0 {
		cfg.RetentionHours = 168
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100000
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.ErrorSpikeThreshold <= 0 {
		cfg.ErrorSpikeThreshold = 50
	}
	a := &Aggregator{
		cfg:       cfg,
		logger:    logging.OrNop(logger).Named("logs"),
		clock:     clock.OrReal(clk),
		group:     lifecycle.NewGroup("log aggregator"),
		buffer:    ringbuf.New[*models.LogEntry](cfg.BufferSize),
		index:     make(map[string]*models.LogEntry),
		byLevel:   make(map[models.LogLevel]int64),
		byService: make(map[string]int64),
		byRole:    make(map[models.ServiceRole]int64),
		latest:    make(map[string]models.LogMetric),
		subs:      make(map[int]*subscriber),
	}
	a.queue = ringbuf.NewQueue[string](cfg.QueueSize, a.onQueueOverflow)
	return a
}

// SetMetrics wires the sink for log volume metrics. Call before Start.
func (a *Aggregator) SetMetrics(sink MetricsSink) {
	a.handlerMu.Lock()
	a.metrics = sink
	a.handlerMu.Unlock()
}

// SetAlerts wires the sink for critical-log and spike alerts.
func (a *Aggregator) SetAlerts(sink AlertSink) {
	a.handlerMu.Lock()
	a.alerts = sink
	a.handlerMu.Unlock()
}

// AddHandler registers a log-received handler.
func (a *Aggregator) AddHandler(h Handler) {
	a.handlerMu.Lock()
	a.handlers = append(a.handlers, h)
	a.handlerMu.Unlock()
}

// AddPattern adds or replaces a pattern. The regex is compiled once here.
func (a *Aggregator) AddPattern(p models.LogPattern) error {
	if p.PatternID == "" {
		return fmt.Errorf("%w: pattern_id is required", ErrInvalidPattern)
	}
	re, err := regexp.Compile(p.RegexPattern)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPattern, p.PatternID, err)
	}
	cp := compiledPattern{pattern: p, re: re}

	a.patternMu.Lock()
	defer a.patternMu.Unlock()
	replaced := false
	for i := range a.patterns {
		if a.patterns[i].pattern.PatternID == p.PatternID {
			a.patterns[i] = cp
			replaced = true
			break
		}
	}
	if !replaced {
		a.patterns = append(a.patterns, cp)
	}
	sort.SliceStable(a.patterns, func(i, j int) bool {
		if a.patterns[i].pattern.Priority != a.patterns[j].pattern.Priority {
			return a.patterns[i].pattern.Priority > a.patterns[j].pattern.Priority
		}
		return a.patterns[i].pattern.PatternID < a.patterns[j].pattern.PatternID
	})
	return nil
}

// RemovePattern deletes a pattern by id.
func (a *Aggregator) RemovePattern(patternID string) bool {
	a.patternMu.Lock()
	defer a.patternMu.Unlock()
	for i := range a.patterns {
		if a.patterns[i].pattern.PatternID == patternID {
			a.patterns = append(a.patterns[:i], a.patterns[i+1:]...)
			return true
		}
	}
	return false
}

// Patterns returns the patterns in evaluation order.
func (a *Aggregator) Patterns() []models.LogPattern {
	a.patternMu.RLock()
	defer a.patternMu.RUnlock()
	out := make([]models.LogPattern, len(a.patterns))
	for i, p := range a.patterns {
		out[i] = p.pattern
	}
	return out
}

// Start launches the pattern-matching, metrics, analysis and retention
// loops.
func (a *Aggregator) Start(ctx context.Context) error {
	err := a.group.Start(ctx,
		a.processLoop,
		func(ctx context.Context) {
			lifecycle.Every(ctx, seconds(a.cfg.MetricsIntervalSeconds, 60), a.logger, "log metrics", func(context.Context) {
				a.ComputeLogMetrics()
			})
		},
		func(ctx context.Context) {
			lifecycle.Every(ctx, seconds(a.cfg.AnalysisIntervalSeconds, 300), a.logger, "log analysis", func(context.Context) {
				a.RunAnalysis()
			})
		},
		func(ctx context.Context) {
			lifecycle.Every(ctx, seconds(a.cfg.CleanupIntervalSeconds, 3600), a.logger, "log cleanup", func(context.Context) {
				a.CleanupOldData()
			})
		},
	)
	if err != nil {
		return err
	}
	a.logger.Info("log aggregator started",
		zap.Int("buffer_size", a.cfg.BufferSize),
		zap.Int("retention_hours", a.cfg.RetentionHours),
	)
	return nil
}

// Stop cancels the loops and matches whatever is still queued.
func (a *Aggregator) Stop() error {
	if err := a.group.Stop(); err != nil {
		return err
	}
	if n := a.ProcessPending(); n > 0 {
		a.logger.Info("processed queued log entries", zap.Int("count", n))
	}
	a.closeSubscribers()
	a.logger.Info("log aggregator stopped")
	return nil
}

// IngestLogEntry stores a structured entry and returns its id. A missing id,
// timestamp or level is filled in. Critical entries are forwarded to the
// alert sink.
func (a *Aggregator) IngestLogEntry(e models.LogEntry) string {
	if e.LogID == "" {
		e.LogID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = a.clock.Now()
	}
	if e.Level == "" {
		e.Level = models.LevelInfo
	} else if l, err := models.ParseLogLevel(string(e.Level)); err == nil {
		e.Level = l
	} else {
		e.Level = models.LevelInfo
	}
	if e.ServiceRole == "" {
		e.ServiceRole = models.RoleApp
	}
	e.Tags = copyTags(e.Tags)
	e.Fields = copyFields(e.Fields)
	stored := &e

	a.mu.Lock()
	if a.buffer.Len() == a.buffer.Cap() {
		a.buffer.Each(func(old *models.LogEntry) bool {
			delete(a.index, old.LogID)
			return false
		})
	}
	if prev, ok := a.index[e.LogID]; ok {
		// Re-ingesting an id replaces the indexed entry; the old buffer
		// slot ages out with the ring.
		prev.LogID = ""
	}
	a.buffer.Push(stored)
	a.index[e.LogID] = stored
	a.byLevel[e.Level]++
	a.byService[e.ServiceName]++
	a.byRole[e.ServiceRole]++
	snapshot := cloneEntry(stored)
	a.mu.Unlock()

	a.ingested.Add(1)
	a.queue.Push(e.LogID)

	a.handlerMu.RLock()
	handlers := a.handlers
	alerts := a.alerts
	a.handlerMu.RUnlock()
	for _, h := range handlers {
		lifecycle.SafeCall(a.logger, "log handler", func() { h(snapshot) })
	}
	a.publish(snapshot)
	if e.Level == models.LevelCritical && alerts != nil {
		a.forwardCritical(alerts, snapshot)
	}
	return e.LogID
}

// IngestRawLog parses one raw line in the declared format and ingests it.
// A JSON line that does not decode is counted as a parse failure and kept as
// a plain entry. An empty line is ignored and yields "".
func (a *Aggregator) IngestRawLog(raw, service string, role models.ServiceRole, format models.LogFormat) string {
	if raw == "" {
		return ""
	}
	var p parsed
	switch format {
	case models.FormatJSON:
		var err error
		p, err = parseJSON(raw)
		if err != nil {
			a.parseFailures.Add(1)
			a.logger.Warn("log line failed to parse", zap.String("service", service), zap.Error(err))
			p = parsePlain(raw)
			p.entry.Fields = map[string]any{"parse_error": err.Error()}
		}
	case models.FormatStructured:
		p = parseStructured(raw)
	default:
		p = parsePlain(raw)
	}
	e := p.entry
	e.ServiceName = service
	if e.ServiceName == "" {
		e.ServiceName = p.service
	}
	e.ServiceRole = role
	e.RawLog = raw
	return a.IngestLogEntry(e)
}

// IngestLogBatch ingests entries in order and returns their ids.
func (a *Aggregator) IngestLogBatch(entries []models.LogEntry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, a.IngestLogEntry(e))
	}
	return ids
}

func (a *Aggregator) forwardCritical(sink AlertSink, e models.LogEntry) {
	title := e.Message
	if len(title) > 120 {
		title = title[:117] + "..."
	}
	attrs := map[string]any{"log_id": e.LogID}
	if e.ExceptionType != "" {
		attrs["exception_type"] = e.ExceptionType
	}
	if e.StackTrace != "" {
		attrs["stack_trace"] = e.StackTrace
	}
	tags := copyTags(e.Tags)
	if e.LoggerName != "" {
		if tags == nil {
			tags = make(map[string]string, 1)
		}
		tags["logger"] = e.LoggerName
	}
	payload := models.AlertPayload{
		Title:       "Critical log: " + title,
		Description: e.Message,
		ServiceName: e.ServiceName,
		ServiceRole: e.ServiceRole,
		Severity:    models.SeverityCritical,
		Source:      "log_aggregator",
		Tags:        tags,
		TraceID:     e.TraceID,
		SpanID:      e.SpanID,
		UserID:      e.UserID,
		RequestID:   e.RequestID,
		Attributes:  attrs,
	}
	lifecycle.SafeCall(a.logger, "critical log alert", func() {
		if _, ok := sink.TriggerAlert(payload); ok {
			a.forwarded.Add(1)
		}
	})
}

func (a *Aggregator) processLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-a.queue.C():
			a.matchPatterns(id)
		}
	}
}

func (a *Aggregator) onQueueOverflow(id string) {
	a.logger.Warn("log queue overflow, pattern matching skipped", zap.String("log_id", id))
}

// ProcessPending matches every queued entry synchronously and returns how
// many were processed.
func (a *Aggregator) ProcessPending() int {
	ids := a.queue.Drain()
	for _, id := range ids {
		a.matchPatterns(id)
	}
	return len(ids)
}

// matchPatterns runs the enabled patterns against one entry and records the
// captures under fields["pattern_matches"], keyed by pattern id.
func (a *Aggregator) matchPatterns(id string) {
	a.mu.RLock()
	e, ok := a.index[id]
	var msg, service string
	var level models.LogLevel
	if ok {
		msg, service, level = e.Message, e.ServiceName, e.Level
	}
	a.mu.RUnlock()
	if !ok {
		return
	}

	a.patternMu.RLock()
	matches := make(map[string]map[string]string)
	for _, cp := range a.patterns {
		if !cp.applies(service, level) {
			continue
		}
		if m := cp.extract(msg); m != nil {
			matches[cp.pattern.PatternID] = m
		}
	}
	a.patternMu.RUnlock()
	if len(matches) == 0 {
		return
	}
	a.patternMatches.Add(int64(len(matches)))

	a.mu.Lock()
	if e, ok := a.index[id]; ok {
		fields := copyFields(e.Fields)
		if fields == nil {
			fields = make(map[string]any, 1)
		}
		fields["pattern_matches"] = matches
		e.Fields = fields
	}
	a.mu.Unlock()
}

func (cp compiledPattern) applies(service string, level models.LogLevel) bool {
	p := cp.pattern
	if !p.Enabled {
		return false
	}
	if len(p.ServiceFilters) > 0 && !containsString(p.ServiceFilters, service) {
		return false
	}
	if len(p.LevelFilters) > 0 {
		found := false
		for _, l := range p.LevelFilters {
			if l == level {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// extract returns the capture groups of the first match, renamed through
// FieldMappings. Unnamed groups are keyed by index. A match without groups
// yields {"match": whole match}.
func (cp compiledPattern) extract(msg string) map[string]string {
	sub := cp.re.FindStringSubmatch(msg)
	if sub == nil {
		return nil
	}
	out := make(map[string]string, len(sub))
	names := cp.re.SubexpNames()
	for i := 1; i < len(sub); i++ {
		key := names[i]
		if key == "" {
			key = fmt.Sprintf("%d", i)
		}
		if mapped, ok := cp.pattern.FieldMappings[key]; ok {
			key = mapped
		}
		out[key] = sub[i]
	}
	if len(out) == 0 {
		out["match"] = sub[0]
	}
	return out
}

// ComputeLogMetrics derives per-service volume over the last minute and
// forwards it to the metrics sink.
func (a *Aggregator) ComputeLogMetrics() []models.LogMetric {
	now := a.clock.Now()
	since := now.Add(-time.Minute)

	type counts struct {
		role   models.ServiceRole
		total  int
		errors int
	}
	per := make(map[string]*counts)
	a.mu.RLock()
	a.buffer.Each(func(e *models.LogEntry) bool {
		if e.LogID == "" || e.Timestamp.Before(since) || e.Timestamp.After(now) {
			return true
		}
		c, ok := per[e.ServiceName]
		if !ok {
			c = &counts{role: e.ServiceRole}
			per[e.ServiceName] = c
		}
		c.total++
		if isError(e.Level) {
			c.errors++
		}
		return true
	})
	a.mu.RUnlock()

	out := make([]models.LogMetric, 0, len(per))
	for _, service := range sortedKeys(per) {
		c := per[service]
		out = append(out, models.LogMetric{
			ServiceName:        service,
			ServiceRole:        c.role,
			Timestamp:          now,
			LogsPerMinute:      float64(c.total),
			ErrorRatePerMinute: float64(c.errors),
		})
	}

	a.mu.Lock()
	a.latest = make(map[string]models.LogMetric, len(out))
	for _, m := range out {
		a.latest[m.ServiceName] = m
	}
	a.mu.Unlock()

	a.handlerMu.RLock()
	sink := a.metrics
	a.handlerMu.RUnlock()
	if sink != nil {
		for _, m := range out {
			sink.Record("log_volume_per_minute", m.LogsPerMinute, m.ServiceRole, m.ServiceName, models.MetricGauge, nil)
			sink.Record("log_errors_per_minute", m.ErrorRatePerMinute, m.ServiceRole, m.ServiceName, models.MetricGauge, nil)
		}
	}
	return out
}

// LatestLogMetrics returns the metrics from the last ComputeLogMetrics run.
func (a *Aggregator) LatestLogMetrics() []models.LogMetric {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]models.LogMetric, 0, len(a.latest))
	for _, k := range sortedKeys(a.latest) {
		out = append(out, a.latest[k])
	}
	return out
}

// RunAnalysis analyses the last hour of errors, caches the result and
// raises a high-severity alert for every increasing pattern at or above the
// spike threshold.
func (a *Aggregator) RunAnalysis() models.ErrorPatternAnalysis {
	analysis := a.AnalyzeErrorPatterns(1)
	a.mu.Lock()
	cached := analysis
	a.lastAnalysis = &cached
	a.mu.Unlock()

	a.handlerMu.RLock()
	sink := a.alerts
	a.handlerMu.RUnlock()
	for _, p := range analysis.Patterns {
		if p.Trend != models.TrendIncreasing || p.Count < a.cfg.ErrorSpikeThreshold {
			continue
		}
		a.logger.Warn("error spike detected", zap.String("pattern", p.Pattern), zap.Int("count", p.Count))
		if sink == nil {
			continue
		}
		service := ""
		if len(p.Services) > 0 {
			service = p.Services[0]
		}
		payload := models.AlertPayload{
			Title:       "Error spike: " + p.Pattern,
			Description: fmt.Sprintf("%d occurrences in the last hour across %d service(s). Example: %s", p.Count, len(p.Services), p.Example),
			ServiceName: service,
			Severity:    models.SeverityHigh,
			Source:      "log_analysis",
			Tags:        map[string]string{"pattern": p.Pattern},
			Attributes:  map[string]any{"count": p.Count, "services": p.Services},
		}
		lifecycle.SafeCall(a.logger, "error spike alert", func() {
			if _, ok := sink.TriggerAlert(payload); ok {
				a.forwarded.Add(1)
			}
		})
	}
	return analysis
}

// LastAnalysis returns the cached result of the last RunAnalysis.
func (a *Aggregator) LastAnalysis() (models.ErrorPatternAnalysis, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.lastAnalysis == nil {
		return models.ErrorPatternAnalysis{}, false
	}
	return *a.lastAnalysis, true
}

// CleanupOldData drops entries older than the retention window from the
// buffer and the id index.
func (a *Aggregator) CleanupOldData() int {
	cutoff := a.clock.Now().Add(-time.Duration(a.cfg.RetentionHours) * time.Hour)
	a.mu.Lock()
	removed := a.buffer.Retain(func(e *models.LogEntry) bool {
		if e.LogID == "" {
			return false
		}
		if e.Timestamp.Before(cutoff) {
			delete(a.index, e.LogID)
			return false
		}
		return true
	})
	a.mu.Unlock()
	if removed > 0 {
		a.logger.Info("pruned expired logs", zap.Int("count", removed), zap.Time("cutoff", cutoff))
	}
	return removed
}

// Stats returns the aggregator's self-counters.
func (a *Aggregator) Stats() Stats {
	a.mu.RLock()
	s := Stats{
		Buffered: a.buffer.Len(),
		Indexed:  len(a.index),
		Evicted:  a.buffer.Evicted(),
	}
	a.mu.RUnlock()
	s.TotalIngested = a.ingested.Load()
	s.ParseFailures = a.parseFailures.Load()
	s.PatternMatches = a.patternMatches.Load()
	s.QueueDepth = a.queue.Len()
	s.QueueDropped = a.queue.Dropped()
	s.AlertsForwarded = a.forwarded.Load()
	a.subMu.Lock()
	s.Subscribers = len(a.subs)
	a.subMu.Unlock()
	return s
}

// Totals are ingestion counts since start, independent of retention.
type Totals struct {
	ByLevel   map[models.LogLevel]int64    `json:"by_level"`
	ByService map[string]int64             `json:"by_service"`
	ByRole    map[models.ServiceRole]int64 `json:"by_role"`
}

// Totals returns the per-level, per-service and per-role ingestion counters.
func (a *Aggregator) Totals() Totals {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Totals{
		ByLevel:   copyCounts(a.byLevel),
		ByService: copyCounts(a.byService),
		ByRole:    copyCounts(a.byRole),
	}
}

func copyCounts[K comparable](m map[K]int64) map[K]int64 {
	out := make(map[K]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func isError(l models.LogLevel) bool {
	return l.Rank() >= models.LevelError.Rank()
}

func seconds(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyTags(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyFields(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneEntry(e *models.LogEntry) models.LogEntry {
	c := *e
	c.Tags = copyTags(e.Tags)
	c.Fields = copyFields(e.Fields)
	return c
}

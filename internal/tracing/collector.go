// Package tracing collects spans, samples them per trace, and assembles
// finished spans into traces for dependency, latency and error analysis.
package tracing

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
)

// ErrTraceNotFound is returned for an unknown or expired trace id.
var ErrTraceNotFound = errors.New("trace not found")

// MetricsSink receives span and trace metrics.
type MetricsSink interface {
	Record(name string, value float64, role models.ServiceRole, serviceName string, typ models.MetricType, tags map[string]string) bool
}

// TraceHandler is called after a trace is assembled. added holds the spans
// that were not part of a previous assembly of the same trace.
type TraceHandler func(t models.Trace, added []models.Span)

// StartOptions are the optional inputs of StartSpan. Explicit ParentSpanID
// and TraceID override the span carried by the context.
type StartOptions struct {
	Kind         models.SpanKind
	ParentSpanID string
	TraceID      string
	Tags         map[string]string
	Baggage      map[string]string
}

// Stats are the collector's self-counters.
type Stats struct {
	ActiveSpans    int   `json:"active_spans"`
	CompletedSpans int   `json:"completed_spans"`
	Traces         int   `json:"traces"`
	PendingTraces  int   `json:"pending_traces"`
	SpansStarted   int64 `json:"spans_started"`
	SpansDropped   int64 `json:"spans_dropped"`
	SpansFinished  int64 `json:"spans_finished"`
	SpansEvicted   int64 `json:"spans_evicted"`
	Reassemblies   int64 `json:"reassemblies"`
	QueueDropped   int64 `json:"queue_dropped"`
}

type finishedSpan struct {
	traceID string
	at      time.Time
}

type pendingTrace struct {
	lastFinish time.Time
}

// Collector owns active spans, the completed-span buffer and assembled
// traces.
type Collector struct {
	cfg    models.TracingConfig
	logger *zap.Logger
	clock  clock.Clock
	group  *lifecycle.Group
	queue  *ringbuf.Queue[finishedSpan]

	rulesMu sync.RWMutex
	rules   []samplingRule

	mu            sync.RWMutex
	active        map[string]*models.Span
	activeByTrace map[string]int
	completed     *ringbuf.Buffer[models.Span]
	traces        map[string]*models.Trace
	assembledIDs  map[string]map[string]struct{}
	pending       map[string]pendingTrace

	handlerMu sync.RWMutex
	handlers  []TraceHandler
	metrics   MetricsSink

	started      atomic.Int64
	dropped      atomic.Int64
	finished     atomic.Int64
	reassemblies atomic.Int64
}

// NewCollector creates a Collector. logger and clk may be nil. A zero
// DefaultSampleRate drops every root span that no rule matches.
func NewCollector(cfg models.TracingConfig, logger *zap.Logger, clk clock.Clock) *Collector {
	if cfg.RetentionHours <= 0 {
		cfg.RetentionHours = 168
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.CompletionGraceSeconds < 0 {
		cfg.CompletionGraceSeconds = 5
	}
	if cfg.DefaultSampleRate < 0 {
		cfg.DefaultSampleRate = 0
	}
	if cfg.DefaultSampleRate > 1 {
		cfg.DefaultSampleRate = 1
	}
	c := &Collector{
		cfg:           cfg,
		logger:        logging.OrNop(logger).Named("tracing"),
		clock:         clock.OrReal(clk),
		group:         lifecycle.NewGroup("trace collector"),
		active:        make(map[string]*models.Span),
		activeByTrace: make(map[string]int),
		completed:     ringbuf.New[models.Span](cfg.BufferSize),
		traces:        make(map[string]*models.Trace),
		assembledIDs:  make(map[string]map[string]struct{}),
		pending:       make(map[string]pendingTrace),
	}
	c.queue = ringbuf.NewQueue[finishedSpan](cfg.QueueSize, c.onQueueOverflow)
	return c
}

// SetMetrics wires the sink for span and trace metrics. Call before Start.
func (c *Collector) SetMetrics(sink MetricsSink) {
	c.handlerMu.Lock()
	c.metrics = sink
	c.handlerMu.Unlock()
}

// AddHandler registers a handler called after every assembly.
func (c *Collector) AddHandler(h TraceHandler) {
	c.handlerMu.Lock()
	c.handlers = append(c.handlers, h)
	c.handlerMu.Unlock()
}

// AddSamplingRule adds or replaces a sampling rule. Patterns are compiled
// here; an invalid pattern or rate is an error.
func (c *Collector) AddSamplingRule(r models.SamplingRule) error {
	compiled, err := compileSamplingRule(r)
	if err != nil {
		return err
	}
	c.rulesMu.Lock()
	defer c.rulesMu.Unlock()
	for i := range c.rules {
		if c.rules[i].rule.RuleID == r.RuleID {
			c.rules[i] = compiled
			sortSamplingRules(c.rules)
			return nil
		}
	}
	c.rules = append(c.rules, compiled)
	sortSamplingRules(c.rules)
	return nil
}

// RemoveSamplingRule deletes a sampling rule by id.
func (c *Collector) RemoveSamplingRule(ruleID string) bool {
	c.rulesMu.Lock()
	defer c.rulesMu.Unlock()
	for i := range c.rules {
		if c.rules[i].rule.RuleID == ruleID {
			c.rules = append(c.rules[:i], c.rules[i+1:]...)
			return true
		}
	}
	return false
}

// SamplingRules returns the rules in evaluation order.
func (c *Collector) SamplingRules() []models.SamplingRule {
	c.rulesMu.RLock()
	defer c.rulesMu.RUnlock()
	out := make([]models.SamplingRule, len(c.rules))
	for i, r := range c.rules {
		out[i] = r.rule
	}
	return out
}

// ShouldSample reports the sampling decision for a root span. It is a pure
// function of the trace id and the rule set.
func (c *Collector) ShouldSample(traceID, service, operation string, tags map[string]string) bool {
	c.rulesMu.RLock()
	rate := sampleRate(c.rules, service, operation, tags, c.cfg.DefaultSampleRate)
	c.rulesMu.RUnlock()
	return sampled(traceID, rate)
}

// Start launches the span-processing, assembly and retention loops.
func (c *Collector) Start(ctx context.Context) error {
	err := c.group.Start(ctx,
		c.processLoop,
		func(ctx context.Context) {
			lifecycle.Every(ctx, time.Second, c.logger, "trace assembly", func(context.Context) {
				c.assembleDue(false)
			})
		},
		func(ctx context.Context) {
			lifecycle.Every(ctx, seconds(c.cfg.CleanupIntervalSeconds, 3600), c.logger, "trace cleanup", func(context.Context) {
				c.CleanupOldData()
			})
		},
	)
	if err != nil {
		return err
	}
	c.logger.Info("trace collector started",
		zap.Float64("default_sample_rate", c.cfg.DefaultSampleRate),
		zap.Int("grace_seconds", c.cfg.CompletionGraceSeconds),
	)
	return nil
}

// Stop cancels the loops and assembles every eligible pending trace.
func (c *Collector) Stop() error {
	if err := c.group.Stop(); err != nil {
		return err
	}
	if n := c.Flush(); n > 0 {
		c.logger.Info("flushed pending traces", zap.Int("count", n))
	}
	c.logger.Info("trace collector stopped")
	return nil
}

// StartSpan opens a span and returns ctx carrying it plus its id. The parent
// is taken from opts, else from ctx; a span without a known parent starts a
// new trace and is sampled by the rules. Children inherit their parent's
// decision. Dropped spans get NoopSpanID.
func (c *Collector) StartSpan(ctx context.Context, operation, service string, role models.ServiceRole, opts StartOptions) (context.Context, string) {
	now := c.clock.Now()
	c.started.Add(1)

	parent, hasParent := SpanFromContext(ctx)
	traceID, parentID := "", ""
	decided, keep := false, false
	bag := copyMap(parent.Baggage)

	if hasParent {
		traceID, parentID = parent.TraceID, parent.SpanID
		decided, keep = true, parent.Sampled
	}
	if opts.ParentSpanID != "" {
		parentID = opts.ParentSpanID
		decided = false
		if parentID == NoopSpanID {
			decided, keep = true, false
		} else {
			c.mu.RLock()
			if p, ok := c.active[parentID]; ok {
				traceID = p.TraceID
				decided, keep = true, true
				if bag == nil {
					bag = copyMap(p.Baggage)
				}
			}
			c.mu.RUnlock()
		}
	}
	if opts.TraceID != "" {
		traceID = opts.TraceID
	}
	if traceID == "" {
		traceID = newTraceID()
		parentID = ""
	}
	for k, v := range opts.Baggage {
		if bag == nil {
			bag = make(map[string]string, len(opts.Baggage))
		}
		bag[k] = v
	}
	if !decided {
		keep = c.ShouldSample(traceID, service, operation, opts.Tags)
	}

	if !keep {
		c.dropped.Add(1)
		// Downstream carriers still need a span id to hang the unsampled
		// flag on; it is never stored.
		return ContextWithSpan(ctx, SpanContext{TraceID: traceID, SpanID: newSpanID(), Sampled: false, Baggage: bag}), NoopSpanID
	}

	kind := opts.Kind
	if kind == "" {
		kind = models.SpanInternal
	}
	span := &models.Span{
		TraceID:       traceID,
		SpanID:        newSpanID(),
		ParentSpanID:  parentID,
		OperationName: operation,
		ServiceName:   service,
		ServiceRole:   role,
		Kind:          kind,
		StartTime:     now,
		Status:        models.SpanOK,
		Tags:          copyMap(opts.Tags),
		Baggage:       bag,
	}
	c.mu.Lock()
	c.active[span.SpanID] = span
	c.activeByTrace[traceID]++
	c.mu.Unlock()

	c.logger.Debug("span started",
		zap.String("trace_id", traceID),
		zap.String("span_id", span.SpanID),
		zap.String("operation", operation),
		zap.String("service", service),
	)
	return ContextWithSpan(ctx, SpanContext{TraceID: traceID, SpanID: span.SpanID, Sampled: true, Baggage: copyMap(bag)}), span.SpanID
}

// FinishSpan seals an active span. status defaults to ok, or error when
// errMsg is set. It returns false for an unknown span id.
func (c *Collector) FinishSpan(spanID string, status models.SpanStatus, errMsg string, tags map[string]string) bool {
	if spanID == NoopSpanID {
		return true
	}
	now := c.clock.Now()

	c.mu.Lock()
	span, ok := c.active[spanID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.active, spanID)
	if c.activeByTrace[span.TraceID]--; c.activeByTrace[span.TraceID] <= 0 {
		delete(c.activeByTrace, span.TraceID)
	}

	for k, v := range tags {
		if span.Tags == nil {
			span.Tags = make(map[string]string, len(tags))
		}
		span.Tags[k] = v
	}
	if errMsg != "" {
		markError(span, errMsg, now)
	}
	switch {
	case status != "":
		span.Status = status
	case errMsg != "":
		span.Status = models.SpanError
	}
	end := now
	span.EndTime = &end
	span.DurationMs = float64(now.Sub(span.StartTime)) / float64(time.Millisecond)
	sealed := span.Clone()
	c.completed.Push(sealed)
	c.mu.Unlock()

	c.finished.Add(1)
	c.queue.Push(finishedSpan{traceID: sealed.TraceID, at: now})
	c.recordSpanMetric(sealed)
	return true
}

func markError(span *models.Span, msg string, now time.Time) {
	if span.Tags == nil {
		span.Tags = make(map[string]string, 2)
	}
	span.Tags["error"] = "true"
	span.Tags["error.message"] = msg
	span.Logs = append(span.Logs, models.SpanLog{
		Timestamp: now,
		Fields:    map[string]any{"event": "error", "message": msg},
	})
}

// withActive applies fn to an active span. Sentinel ids succeed without
// effect; unknown ids report false.
func (c *Collector) withActive(spanID string, fn func(s *models.Span, now time.Time)) bool {
	if spanID == NoopSpanID {
		return true
	}
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.active[spanID]
	if !ok {
		return false
	}
	fn(s, now)
	return true
}

// AddSpanTag sets a tag on an active span.
func (c *Collector) AddSpanTag(spanID, key, value string) bool {
	return c.withActive(spanID, func(s *models.Span, _ time.Time) {
		if s.Tags == nil {
			s.Tags = make(map[string]string)
		}
		s.Tags[key] = value
	})
}

// AddSpanLog appends a timestamped annotation to an active span.
func (c *Collector) AddSpanLog(spanID string, fields map[string]any) bool {
	return c.withActive(spanID, func(s *models.Span, now time.Time) {
		s.Logs = append(s.Logs, models.SpanLog{Timestamp: now, Fields: fields})
	})
}

// SetSpanError marks an active span as failed with err.
func (c *Collector) SetSpanError(spanID string, err error) bool {
	if err == nil {
		return false
	}
	return c.withActive(spanID, func(s *models.Span, now time.Time) {
		s.Status = models.SpanError
		markError(s, err.Error(), now)
		s.Tags["error.type"] = fmt.Sprintf("%T", err)
	})
}

// GetActiveSpan returns a copy of an in-flight span.
func (c *Collector) GetActiveSpan(spanID string) (models.Span, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.active[spanID]
	if !ok {
		return models.Span{}, false
	}
	return s.Clone(), true
}

func (c *Collector) processLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-c.queue.C():
			c.markPending(item)
		}
	}
}

func (c *Collector) markPending(item finishedSpan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[item.traceID]; !ok || item.at.After(p.lastFinish) {
		c.pending[item.traceID] = pendingTrace{lastFinish: item.at}
	}
}

// onQueueOverflow still marks the dropped span's trace pending so it is
// assembled; only the queue slot is lost.
func (c *Collector) onQueueOverflow(item finishedSpan) {
	c.markPending(item)
	c.logger.Warn("span queue overflow", zap.String("trace_id", item.traceID))
}

// Flush processes queued span finishes and assembles every pending trace
// with no active spans, ignoring the grace window. It returns the number of
// traces assembled.
func (c *Collector) Flush() int {
	for _, item := range c.queue.Drain() {
		c.markPending(item)
	}
	return c.assembleDue(true)
}

// assembleDue assembles pending traces that have no active spans and whose
// last finish is older than the grace window (or all of them when force).
func (c *Collector) assembleDue(force bool) int {
	now := c.clock.Now()
	grace := time.Duration(c.cfg.CompletionGraceSeconds) * time.Second

	c.mu.Lock()
	var due []string
	for traceID, p := range c.pending {
		if c.activeByTrace[traceID] > 0 {
			continue
		}
		if !force && now.Sub(p.lastFinish) < grace {
			continue
		}
		due = append(due, traceID)
	}
	sort.Strings(due)

	type assembled struct {
		trace models.Trace
		added []models.Span
	}
	results := make([]assembled, 0, len(due))
	for _, traceID := range due {
		delete(c.pending, traceID)
		t, added, ok := c.assembleLocked(traceID, now)
		if ok {
			results = append(results, assembled{trace: t, added: added})
		}
	}
	c.mu.Unlock()

	c.handlerMu.RLock()
	handlers := c.handlers
	sink := c.metrics
	c.handlerMu.RUnlock()
	for _, r := range results {
		if sink != nil {
			recordTraceMetrics(sink, r.trace)
		}
		for _, h := range handlers {
			lifecycle.SafeCall(c.logger, "trace handler", func() { h(r.trace, r.added) })
		}
	}
	return len(results)
}

// assembleLocked builds the trace from its earlier assembly, if any, merged
// with every completed span still buffered for it. Spans already evicted from
// the buffer survive through the earlier assembly.
func (c *Collector) assembleLocked(traceID string, now time.Time) (models.Trace, []models.Span, bool) {
	var spans []models.Span
	byID := make(map[string]struct{})
	if prev, ok := c.traces[traceID]; ok {
		for _, s := range prev.Spans {
			byID[s.SpanID] = struct{}{}
			spans = append(spans, s)
		}
	}
	for _, s := range c.completed.Filter(func(s models.Span) bool { return s.TraceID == traceID }) {
		if _, dup := byID[s.SpanID]; dup {
			continue
		}
		byID[s.SpanID] = struct{}{}
		spans = append(spans, s)
	}
	if len(spans) == 0 {
		return models.Trace{}, nil, false
	}
	sort.SliceStable(spans, func(i, j int) bool {
		if !spans[i].StartTime.Equal(spans[j].StartTime) {
			return spans[i].StartTime.Before(spans[j].StartTime)
		}
		return spans[i].SpanID < spans[j].SpanID
	})

	t := buildTrace(traceID, spans, now)

	seen := c.assembledIDs[traceID]
	reassembly := seen != nil
	if seen == nil {
		seen = make(map[string]struct{}, len(spans))
		c.assembledIDs[traceID] = seen
	}
	var added []models.Span
	for _, s := range spans {
		if _, ok := seen[s.SpanID]; !ok {
			seen[s.SpanID] = struct{}{}
			added = append(added, s)
		}
	}
	if reassembly {
		c.reassemblies.Add(1)
		c.logger.Debug("trace reassembled with late spans", zap.String("trace_id", traceID), zap.Int("added", len(added)))
	}
	c.traces[traceID] = &t
	return cloneTrace(&t), added, true
}

// buildTrace derives a trace from spans sorted by start time.
func buildTrace(traceID string, spans []models.Span, now time.Time) models.Trace {
	ids := make(map[string]struct{}, len(spans))
	for _, s := range spans {
		ids[s.SpanID] = struct{}{}
	}
	root := spans[0]
	for _, s := range spans {
		if _, inTrace := ids[s.ParentSpanID]; s.ParentSpanID == "" || !inTrace {
			root = s
			break
		}
	}

	t := models.Trace{
		TraceID:     traceID,
		RootSpanID:  root.SpanID,
		Spans:       spans,
		StartTime:   spans[0].StartTime,
		SpanCount:   len(spans),
		Tags:        make(map[string]string),
		AssembledAt: now,
	}
	services := make(map[string]struct{})
	operations := make(map[string]struct{})
	for _, s := range spans {
		if s.EndTime != nil && s.EndTime.After(t.EndTime) {
			t.EndTime = *s.EndTime
		}
		if s.Status == models.SpanError {
			t.ErrorCount++
		}
		services[s.ServiceName] = struct{}{}
		operations[s.OperationName] = struct{}{}
		for k, v := range s.Tags {
			t.Tags[k] = v
		}
	}
	for k, v := range root.Tags {
		t.Tags[k] = v
	}
	t.DurationMs = float64(t.EndTime.Sub(t.StartTime)) / float64(time.Millisecond)
	t.Services = sortedKeys(services)
	t.Operations = sortedKeys(operations)
	t.ServiceCount = len(t.Services)
	return t
}

func (c *Collector) recordSpanMetric(s models.Span) {
	c.handlerMu.RLock()
	sink := c.metrics
	c.handlerMu.RUnlock()
	if sink == nil {
		return
	}
	sink.Record("span_duration_ms", s.DurationMs, s.ServiceRole, s.ServiceName, models.MetricTimer,
		map[string]string{"operation": s.OperationName, "status": string(s.Status)})
}

func recordTraceMetrics(sink MetricsSink, t models.Trace) {
	var role models.ServiceRole
	var service string
	for _, s := range t.Spans {
		if s.SpanID == t.RootSpanID {
			role, service = s.ServiceRole, s.ServiceName
			break
		}
	}
	sink.Record("trace_duration_ms", t.DurationMs, role, service, models.MetricTimer, nil)
	sink.Record("trace_span_count", float64(t.SpanCount), role, service, models.MetricGauge, nil)
	sink.Record("trace_error_count", float64(t.ErrorCount), role, service, models.MetricGauge, nil)
}

// Stats returns a snapshot of the self-counters.
func (c *Collector) Stats() Stats {
	c.mu.RLock()
	s := Stats{
		ActiveSpans:    len(c.active),
		CompletedSpans: c.completed.Len(),
		Traces:         len(c.traces),
		PendingTraces:  len(c.pending),
		SpansEvicted:   c.completed.Evicted(),
	}
	c.mu.RUnlock()
	s.SpansStarted = c.started.Load()
	s.SpansDropped = c.dropped.Load()
	s.SpansFinished = c.finished.Load()
	s.Reassemblies = c.reassemblies.Load()
	s.QueueDropped = c.queue.Dropped()
	return s
}

func cloneTrace(t *models.Trace) models.Trace {
	c := *t
	c.Spans = make([]models.Span, len(t.Spans))
	for i := range t.Spans {
		c.Spans[i] = t.Spans[i].Clone()
	}
	c.Services = append([]string(nil), t.Services...)
	c.Operations = append([]string(nil), t.Operations...)
	c.Tags = copyMap(t.Tags)
	return c
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func seconds(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}

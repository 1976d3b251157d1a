package tracing

import (
	"fmt"
	"sort"
	"time"

	"github.com/valter-silva-au/obscore/internal/stats"
	"github.com/valter-silva-au/obscore/pkg/models"
	"go.uber.org/zap"
)

// TraceFilter selects assembled traces. Zero fields match everything.
type TraceFilter struct {
	ServiceName   string
	Operation     string
	MinDurationMs float64
	ErrorsOnly    bool
	Since         time.Time
	Until         time.Time
	Limit         int
}

func (f TraceFilter) matches(t *models.Trace) bool {
	if f.ServiceName != "" && !containsString(t.Services, f.ServiceName) {
		return false
	}
	if f.Operation != "" && !containsString(t.Operations, f.Operation) {
		return false
	}
	if f.MinDurationMs > 0 && t.DurationMs < f.MinDurationMs {
		return false
	}
	if f.ErrorsOnly && t.ErrorCount == 0 {
		return false
	}
	if !f.Since.IsZero() && t.StartTime.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && t.StartTime.After(f.Until) {
		return false
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// GetTraces returns matching traces, newest first.
func (c *Collector) GetTraces(f TraceFilter) []models.Trace {
	c.mu.RLock()
	out := make([]models.Trace, 0)
	for _, t := range c.traces {
		if f.matches(t) {
			out = append(out, cloneTrace(t))
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.After(out[j].StartTime)
		}
		return out[i].TraceID < out[j].TraceID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// GetTrace returns one assembled trace.
func (c *Collector) GetTrace(traceID string) (models.Trace, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.traces[traceID]
	if !ok {
		return models.Trace{}, fmt.Errorf("%w: %s", ErrTraceNotFound, traceID)
	}
	return cloneTrace(t), nil
}

// recentTraces returns traces that started within the last hours.
func (c *Collector) recentTraces(hours int) []*models.Trace {
	if hours <= 0 {
		hours = 24
	}
	cutoff := c.clock.Now().Add(-time.Duration(hours) * time.Hour)
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.Trace, 0, len(c.traces))
	for _, t := range c.traces {
		if !t.StartTime.Before(cutoff) {
			ct := cloneTrace(t)
			out = append(out, &ct)
		}
	}
	return out
}

// GetServiceDependencies derives caller → callee service edges from
// parent/child spans whose services differ.
func (c *Collector) GetServiceDependencies(hours int) []models.ServiceDependency {
	type edgeKey struct{ parent, child string }
	edges := make(map[edgeKey]*models.ServiceDependency)
	totals := make(map[edgeKey]float64)

	for _, t := range c.recentTraces(hours) {
		byID := make(map[string]*models.Span, len(t.Spans))
		for i := range t.Spans {
			byID[t.Spans[i].SpanID] = &t.Spans[i]
		}
		for _, s := range t.Spans {
			p, ok := byID[s.ParentSpanID]
			if !ok || p.ServiceName == s.ServiceName {
				continue
			}
			k := edgeKey{p.ServiceName, s.ServiceName}
			d, ok := edges[k]
			if !ok {
				d = &models.ServiceDependency{Parent: k.parent, Child: k.child}
				edges[k] = d
			}
			d.CallCount++
			if s.Status == models.SpanError {
				d.ErrorCount++
			}
			totals[k] += s.DurationMs
		}
	}

	out := make([]models.ServiceDependency, 0, len(edges))
	for k, d := range edges {
		d.AvgMs = totals[k] / float64(d.CallCount)
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CallCount != out[j].CallCount {
			return out[i].CallCount > out[j].CallCount
		}
		if out[i].Parent != out[j].Parent {
			return out[i].Parent < out[j].Parent
		}
		return out[i].Child < out[j].Child
	})
	return out
}

// GetOperationPerformance reports latency and error statistics per
// "service.operation", sorted by operation.
func (c *Collector) GetOperationPerformance(hours int) []models.OperationPerformance {
	durations := make(map[string][]float64)
	errorCounts := make(map[string]int)
	for _, t := range c.recentTraces(hours) {
		for _, s := range t.Spans {
			op := s.ServiceName + "." + s.OperationName
			durations[op] = append(durations[op], s.DurationMs)
			if s.Status == models.SpanError {
				errorCounts[op]++
			}
		}
	}

	out := make([]models.OperationPerformance, 0, len(durations))
	for op, d := range durations {
		sort.Float64s(d)
		out = append(out, models.OperationPerformance{
			Operation:  op,
			CallCount:  len(d),
			ErrorCount: errorCounts[op],
			ErrorRate:  float64(errorCounts[op]) / float64(len(d)),
			AvgMs:      stats.Mean(d),
			MinMs:      d[0],
			MaxMs:      d[len(d)-1],
			P50Ms:      stats.PercentileSorted(d, 50),
			P95Ms:      stats.PercentileSorted(d, 95),
			P99Ms:      stats.PercentileSorted(d, 99),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

// GetErrorAnalysis reports trace- and span-level error rates and the ten
// most frequent error messages.
func (c *Collector) GetErrorAnalysis(hours int) models.TraceErrorAnalysis {
	a := models.TraceErrorAnalysis{ErrorsByService: make(map[string]int)}
	messages := make(map[string]int)
	for _, t := range c.recentTraces(hours) {
		a.TotalTraces++
		if t.ErrorCount > 0 {
			a.ErrorTraces++
		}
		for _, s := range t.Spans {
			a.TotalSpans++
			if s.Status != models.SpanError {
				continue
			}
			a.ErrorSpans++
			a.ErrorsByService[s.ServiceName]++
			msg := s.Tags["error.message"]
			if msg == "" {
				msg = "unknown error"
			}
			messages[msg]++
		}
	}
	if a.TotalTraces > 0 {
		a.TraceErrorRate = float64(a.ErrorTraces) / float64(a.TotalTraces)
	}
	if a.TotalSpans > 0 {
		a.SpanErrorRate = float64(a.ErrorSpans) / float64(a.TotalSpans)
	}

	a.TopErrors = make([]models.ErrorMessageCount, 0, len(messages))
	for msg, n := range messages {
		a.TopErrors = append(a.TopErrors, models.ErrorMessageCount{Message: msg, Count: n})
	}
	sort.Slice(a.TopErrors, func(i, j int) bool {
		if a.TopErrors[i].Count != a.TopErrors[j].Count {
			return a.TopErrors[i].Count > a.TopErrors[j].Count
		}
		return a.TopErrors[i].Message < a.TopErrors[j].Message
	})
	if len(a.TopErrors) > 10 {
		a.TopErrors = a.TopErrors[:10]
	}
	return a
}

// CleanupOldData drops traces that started before the retention window,
// together with their buffered spans. It returns the number of traces
// removed.
func (c *Collector) CleanupOldData() int {
	cutoff := c.clock.Now().Add(-time.Duration(c.cfg.RetentionHours) * time.Hour)
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, t := range c.traces {
		if t.StartTime.Before(cutoff) {
			delete(c.traces, id)
			delete(c.assembledIDs, id)
			removed++
		}
	}
	spans := c.completed.Retain(func(s models.Span) bool {
		return !s.StartTime.Before(cutoff) || c.activeByTrace[s.TraceID] > 0
	})
	if removed > 0 || spans > 0 {
		c.logger.Info("purged old traces", zap.Int("traces", removed), zap.Int("spans", spans))
	}
	return removed
}

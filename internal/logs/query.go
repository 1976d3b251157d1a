package logs

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/valter-silva-au/obscore/pkg/models"
)

// LogFilter selects entries. Zero fields match everything.
type LogFilter struct {
	ServiceName string
	ServiceRole models.ServiceRole
	Levels      []models.LogLevel
	MinLevel    models.LogLevel
	TraceID     string
	RequestID   string
	UserID      string
	Tags        map[string]string
	Since       time.Time
	Until       time.Time
	Limit       int
}

func (f LogFilter) matches(e *models.LogEntry) bool {
	if e.LogID == "" {
		return false
	}
	if f.ServiceName != "" && e.ServiceName != f.ServiceName {
		return false
	}
	if f.ServiceRole != "" && e.ServiceRole != f.ServiceRole {
		return false
	}
	if len(f.Levels) > 0 {
		found := false
		for _, l := range f.Levels {
			if l == e.Level {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinLevel != "" && e.Level.Rank() < f.MinLevel.Rank() {
		return false
	}
	if f.TraceID != "" && e.TraceID != f.TraceID {
		return false
	}
	if f.RequestID != "" && e.RequestID != f.RequestID {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	for k, v := range f.Tags {
		if e.Tags[k] != v {
			return false
		}
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// GetLogs returns matching entries, newest first.
func (a *Aggregator) GetLogs(f LogFilter) []models.LogEntry {
	return a.collect(f, nil)
}

// SearchLogs returns entries whose message, raw line, exception or field
// values contain query, case-insensitively, newest first.
func (a *Aggregator) SearchLogs(query string, f LogFilter) []models.LogEntry {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return a.collect(f, nil)
	}
	return a.collect(f, func(e *models.LogEntry) bool {
		if strings.Contains(strings.ToLower(e.Message), q) ||
			strings.Contains(strings.ToLower(e.RawLog), q) ||
			strings.Contains(strings.ToLower(e.ExceptionType), q) ||
			strings.Contains(strings.ToLower(e.StackTrace), q) {
			return true
		}
		for _, v := range e.Fields {
			if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), q) {
				return true
			}
		}
		return false
	})
}

func (a *Aggregator) collect(f LogFilter, extra func(*models.LogEntry) bool) []models.LogEntry {
	a.mu.RLock()
	var matched []models.LogEntry
	a.buffer.Each(func(e *models.LogEntry) bool {
		if f.matches(e) && (extra == nil || extra(e)) {
			matched = append(matched, cloneEntry(e))
		}
		return true
	})
	a.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	if matched == nil {
		matched = []models.LogEntry{}
	}
	return matched
}

// GetLog returns one entry by id.
func (a *Aggregator) GetLog(logID string) (models.LogEntry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.index[logID]
	if !ok {
		return models.LogEntry{}, fmt.Errorf("%w: %s", ErrLogNotFound, logID)
	}
	return cloneEntry(e), nil
}

func (a *Aggregator) window(hours int) []models.LogEntry {
	if hours <= 0 {
		hours = 24
	}
	return a.GetLogs(LogFilter{Since: a.clock.Now().Add(-time.Duration(hours) * time.Hour)})
}

// GetLogStatistics counts entries by level, service and role over the last
// hours.
func (a *Aggregator) GetLogStatistics(hours int) models.LogStatistics {
	if hours <= 0 {
		hours = 24
	}
	entries := a.window(hours)
	s := models.LogStatistics{
		Hours:          hours,
		TotalLogs:      len(entries),
		ByLevel:        make(map[models.LogLevel]int),
		ByService:      make(map[string]int),
		ByRole:         make(map[models.ServiceRole]int),
		ParseFailures:  a.parseFailures.Load(),
		PatternMatches: a.patternMatches.Load(),
		TotalIngested:  a.ingested.Load(),
	}
	errs := 0
	for _, e := range entries {
		s.ByLevel[e.Level]++
		s.ByService[e.ServiceName]++
		s.ByRole[e.ServiceRole]++
		if isError(e.Level) {
			errs++
		}
	}
	if len(entries) > 0 {
		s.ErrorRate = float64(errs) / float64(len(entries)) * 100
	}
	return s
}

// GetServiceLogSummary summarises one service over the last hours, with its
// five most frequent normalised error messages.
func (a *Aggregator) GetServiceLogSummary(service string, hours int) models.ServiceLogSummary {
	if hours <= 0 {
		hours = 24
	}
	entries := a.GetLogs(LogFilter{
		ServiceName: service,
		Since:       a.clock.Now().Add(-time.Duration(hours) * time.Hour),
	})
	s := models.ServiceLogSummary{
		ServiceName: service,
		Hours:       hours,
		TotalLogs:   len(entries),
		ByLevel:     make(map[models.LogLevel]int),
		TopErrors:   []string{},
	}
	counts := make(map[string]int)
	errs := 0
	for _, e := range entries {
		s.ByLevel[e.Level]++
		if isError(e.Level) {
			errs++
			counts[normalizeMessage(e.Message)]++
		}
	}
	if len(entries) > 0 {
		s.ErrorRate = float64(errs) / float64(len(entries)) * 100
		last := entries[0].Timestamp
		s.LastLogAt = &last
	}
	s.TopErrors = append(s.TopErrors, topByCount(counts, 5)...)
	return s
}

var digitRun = regexp.MustCompile(`\d+`)

// normalizeMessage collapses digit runs so messages that differ only in ids,
// ports or durations group together.
func normalizeMessage(msg string) string {
	return digitRun.ReplaceAllString(strings.TrimSpace(msg), "<N>")
}

// AnalyzeErrorPatterns groups error and critical entries of the last hours
// by normalised message. The trend compares the older and newer half of the
// window; fewer than two occurrences is insufficient data.
func (a *Aggregator) AnalyzeErrorPatterns(hours int) models.ErrorPatternAnalysis {
	if hours <= 0 {
		hours = 24
	}
	now := a.clock.Now()
	since := now.Add(-time.Duration(hours) * time.Hour)
	mid := since.Add(now.Sub(since) / 2)
	entries := a.GetLogs(LogFilter{MinLevel: models.LevelError, Since: since, Until: now})

	type group struct {
		p            models.ErrorPattern
		services     map[string]struct{}
		older, newer int
		oldest       time.Time
	}
	groups := make(map[string]*group)
	for _, e := range entries {
		key := normalizeMessage(e.Message)
		g, ok := groups[key]
		if !ok {
			g = &group{
				p:        models.ErrorPattern{Pattern: key, HourlyCounts: make(map[string]int)},
				services: make(map[string]struct{}),
			}
			groups[key] = g
		}
		g.p.Count++
		g.services[e.ServiceName] = struct{}{}
		g.p.HourlyCounts[e.Timestamp.UTC().Format("2006-01-02T15:00Z")]++
		// entries are newest first; keep the oldest as the example.
		if g.oldest.IsZero() || e.Timestamp.Before(g.oldest) {
			g.oldest = e.Timestamp
			g.p.Example = e.Message
		}
		if e.Timestamp.Before(mid) {
			g.older++
		} else {
			g.newer++
		}
	}

	out := models.ErrorPatternAnalysis{
		Hours:       hours,
		TotalErrors: len(entries),
		Patterns:    make([]models.ErrorPattern, 0, len(groups)),
		GeneratedAt: now,
	}
	for _, g := range groups {
		g.p.Services = sortedKeys(g.services)
		g.p.Trend = halvesTrend(g.older, g.newer)
		out.Patterns = append(out.Patterns, g.p)
	}
	sort.Slice(out.Patterns, func(i, j int) bool {
		if out.Patterns[i].Count != out.Patterns[j].Count {
			return out.Patterns[i].Count > out.Patterns[j].Count
		}
		return out.Patterns[i].Pattern < out.Patterns[j].Pattern
	})
	return out
}

// halvesTrend applies a 10% band to the change from the older to the newer
// half of a window.
func halvesTrend(older, newer int) models.Trend {
	if older+newer < 2 {
		return models.TrendInsufficientData
	}
	o, n := float64(older), float64(newer)
	switch {
	case n > o*1.1:
		return models.TrendIncreasing
	case n < o*0.9:
		return models.TrendDecreasing
	}
	return models.TrendStable
}

func topByCount(counts map[string]int, n int) []string {
	keys := sortedKeys(counts)
	sort.SliceStable(keys, func(i, j int) bool { return counts[keys[i]] > counts[keys[j]] })
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

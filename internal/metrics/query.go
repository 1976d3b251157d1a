package metrics

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/valter-silva-au/obscore/internal/stats"
	"github.com/valter-silva-au/obscore/pkg/models"
)

// trendThreshold is the relative change (in percent) separating a stable
// series from an increasing or decreasing one.
const trendThreshold = 10.0

// DefaultMethods are applied when an aggregation query names none.
var DefaultMethods = []models.AggregationMethod{
	models.AggSum, models.AggAverage, models.AggMin, models.AggMax, models.AggCount,
}

// AggregateQuery selects the points an aggregation runs over.
type AggregateQuery struct {
	Name         string
	TimeRange    *models.TimeRange // nil means the last hour
	Role         models.ServiceRole
	ServiceNames []string
	Methods      []models.AggregationMethod
}

type cacheEntry struct {
	results   []models.AggregatedMetric
	createdAt time.Time
}

func (a *Aggregator) cacheTTL() time.Duration {
	return time.Duration(a.cfg.CacheTTLSeconds) * time.Second
}

func (a *Aggregator) invalidate(name string) {
	a.cacheMu.Lock()
	delete(a.cache, name)
	a.cacheGen[name]++
	a.cacheMu.Unlock()
}

func cacheKey(q AggregateQuery, tr models.TimeRange) string {
	services := append([]string(nil), q.ServiceNames...)
	sort.Strings(services)
	methods := make([]string, len(q.Methods))
	for i, m := range q.Methods {
		methods[i] = string(m)
	}
	return fmt.Sprintf("%s|%s|%s|%s|%d|%d",
		q.Name, q.Role, strings.Join(services, ","), strings.Join(methods, ","),
		tr.Start.Truncate(time.Second).Unix(), tr.End.Truncate(time.Second).Unix())
}

// AggregateMetrics filters raw points by name, time, role and service and
// returns one AggregatedMetric per requested method. Results are cached for
// cache_ttl_seconds; any new point for the same name invalidates them.
func (a *Aggregator) AggregateMetrics(q AggregateQuery) []models.AggregatedMetric {
	now := a.clock.Now()
	tr := models.TimeRange{Start: now.Add(-time.Hour), End: now}
	if q.TimeRange != nil {
		tr = *q.TimeRange
	}
	if len(q.Methods) == 0 {
		q.Methods = DefaultMethods
	}

	key := cacheKey(q, tr)
	// Points are pushed before their name is invalidated, so a generation
	// taken before the scan changes if the scan may have missed a point.
	a.cacheMu.Lock()
	gen := a.cacheGen[q.Name]
	if ttl := a.cacheTTL(); ttl > 0 {
		if e, ok := a.cache[q.Name][key]; ok && now.Sub(e.createdAt) < ttl {
			a.cacheMu.Unlock()
			a.cacheHits.Add(1)
			return cloneAggregates(e.results)
		}
	}
	a.cacheMu.Unlock()
	a.cacheMisses.Add(1)

	serviceSet := make(map[string]bool, len(q.ServiceNames))
	for _, s := range q.ServiceNames {
		serviceSet[s] = true
	}

	var values []float64
	contributing := make(map[string]bool)
	a.mu.RLock()
	a.points.Each(func(p models.MetricPoint) bool {
		if p.Name != q.Name || !tr.Contains(p.Timestamp) {
			return true
		}
		if q.Role != "" && p.ServiceRole != q.Role {
			return true
		}
		if len(serviceSet) > 0 && !serviceSet[p.ServiceName] {
			return true
		}
		values = append(values, p.Value)
		contributing[p.ServiceName] = true
		return true
	})
	a.mu.RUnlock()
	if a.afterScan != nil {
		a.afterScan()
	}

	services := make([]string, 0, len(contributing))
	for s := range contributing {
		services = append(services, s)
	}
	sort.Strings(services)

	results := make([]models.AggregatedMetric, 0, len(q.Methods))
	for _, m := range q.Methods {
		results = append(results, models.AggregatedMetric{
			Name:                 q.Name,
			AggregatedValue:      reduce(m, values),
			AggregationMethod:    m,
			ServiceRole:          q.Role,
			TimeRange:            tr,
			SampleCount:          len(values),
			ContributingServices: append([]string(nil), services...),
		})
	}

	if a.cacheTTL() > 0 {
		a.cacheMu.Lock()
		if a.cacheGen[q.Name] == gen {
			entries, ok := a.cache[q.Name]
			if !ok {
				entries = make(map[string]cacheEntry)
				a.cache[q.Name] = entries
			}
			entries[key] = cacheEntry{results: cloneAggregates(results), createdAt: now}
		}
		a.cacheMu.Unlock()
	}
	return results
}

func reduce(m models.AggregationMethod, values []float64) float64 {
	switch m {
	case models.AggSum:
		return stats.Sum(values)
	case models.AggAverage:
		return stats.Mean(values)
	case models.AggMin:
		return stats.Min(values)
	case models.AggMax:
		return stats.Max(values)
	case models.AggCount:
		return float64(len(values))
	}
	return 0
}

func cloneAggregates(in []models.AggregatedMetric) []models.AggregatedMetric {
	out := make([]models.AggregatedMetric, len(in))
	for i, m := range in {
		m.ContributingServices = append([]string(nil), m.ContributingServices...)
		out[i] = m
	}
	return out
}

// GetServiceMetrics returns per-metric statistics for one service over the
// last hours. An empty metricNames selects every metric of the service.
func (a *Aggregator) GetServiceMetrics(serviceName string, hours int, metricNames []string) map[string]models.MetricStatistics {
	if hours <= 0 {
		hours = 1
	}
	cutoff := a.clock.Now().Add(-time.Duration(hours) * time.Hour)
	wanted := make(map[string]bool, len(metricNames))
	for _, n := range metricNames {
		wanted[n] = true
	}

	series := make(map[string][]models.MetricPoint)
	a.mu.RLock()
	a.points.Each(func(p models.MetricPoint) bool {
		if p.ServiceName != serviceName || p.Timestamp.Before(cutoff) {
			return true
		}
		if len(wanted) > 0 && !wanted[p.Name] {
			return true
		}
		series[p.Name] = append(series[p.Name], p)
		return true
	})
	a.mu.RUnlock()

	out := make(map[string]models.MetricStatistics, len(series))
	for name, pts := range series {
		sort.SliceStable(pts, func(i, j int) bool { return pts[i].Timestamp.Before(pts[j].Timestamp) })
		values := make([]float64, len(pts))
		for i, p := range pts {
			values[i] = p.Value
		}
		last := pts[len(pts)-1]
		trend, _ := compareTrend(values[0], last.Value)
		if len(values) < 2 {
			trend = models.TrendInsufficientData
		}
		out[name] = models.MetricStatistics{
			Count:  len(values),
			Sum:    stats.Sum(values),
			Avg:    stats.Mean(values),
			Min:    stats.Min(values),
			Max:    stats.Max(values),
			Latest: last.Value,
			Trend:  trend,
			Last:   last.Timestamp,
		}
	}
	return out
}

// AnalyzeMetricTrends buckets a metric by UTC day over the last days and
// compares the first and last daily averages. Fewer than two buckets yield
// TrendInsufficientData.
func (a *Aggregator) AnalyzeMetricTrends(name string, days int, role models.ServiceRole) models.MetricTrend {
	if days <= 0 {
		days = 7
	}
	cutoff := a.clock.Now().AddDate(0, 0, -days)

	buckets := make(map[string][]float64)
	a.mu.RLock()
	a.points.Each(func(p models.MetricPoint) bool {
		if p.Name != name || p.Timestamp.Before(cutoff) {
			return true
		}
		if role != "" && p.ServiceRole != role {
			return true
		}
		day := p.Timestamp.UTC().Format("2006-01-02")
		buckets[day] = append(buckets[day], p.Value)
		return true
	})
	a.mu.RUnlock()

	result := models.MetricTrend{
		Name:          name,
		Days:          days,
		Trend:         models.TrendInsufficientData,
		DailyAverages: make(map[string]float64, len(buckets)),
	}
	dayKeys := make([]string, 0, len(buckets))
	for day, vals := range buckets {
		result.DailyAverages[day] = stats.Mean(vals)
		dayKeys = append(dayKeys, day)
	}
	if len(dayKeys) < 2 {
		return result
	}
	sort.Strings(dayKeys)
	first := result.DailyAverages[dayKeys[0]]
	last := result.DailyAverages[dayKeys[len(dayKeys)-1]]
	result.Trend, result.ChangePercent = compareTrend(first, last)
	return result
}

func compareTrend(first, last float64) (models.Trend, float64) {
	var change float64
	switch {
	case first != 0:
		change = (last - first) / math.Abs(first) * 100
	case last > 0:
		change = 100
	case last < 0:
		change = -100
	}
	switch {
	case change > trendThreshold:
		return models.TrendIncreasing, change
	case change < -trendThreshold:
		return models.TrendDecreasing, change
	}
	return models.TrendStable, change
}

// DetectAnomalies flags points of name within the window whose deviation from
// the window mean exceeds multiplier standard deviations, most deviant first.
// At least ten points are required.
func (a *Aggregator) DetectAnomalies(name string, multiplier float64, window time.Duration) []models.MetricAnomaly {
	if multiplier <= 0 {
		multiplier = 2.0
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	cutoff := a.clock.Now().Add(-window)

	var pts []models.MetricPoint
	a.mu.RLock()
	a.points.Each(func(p models.MetricPoint) bool {
		if p.Name == name && !p.Timestamp.Before(cutoff) {
			pts = append(pts, p)
		}
		return true
	})
	a.mu.RUnlock()

	if len(pts) < 10 {
		return nil
	}
	values := make([]float64, len(pts))
	for i, p := range pts {
		values[i] = p.Value
	}
	mean := stats.Mean(values)
	sd := stats.StdDev(values)
	if sd == 0 {
		return nil
	}

	var out []models.MetricAnomaly
	for _, p := range pts {
		dev := math.Abs(p.Value - mean)
		if dev > multiplier*sd {
			out = append(out, models.MetricAnomaly{Point: p, Mean: mean, StdDev: sd, Deviation: dev})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Deviation > out[j].Deviation })
	return out
}

package metrics

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/valter-silva-au/obscore/internal/clock"
	"github.com/valter-silva-au/obscore/pkg/models"
)

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestAggregator(t *testing.T, cfg models.MetricsConfig) (*Aggregator, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(testStart)
	if cfg.CacheTTLSeconds == 0 {
		cfg.CacheTTLSeconds = 30
	}
	return NewAggregator(cfg, nil, clk), clk
}

func findMethod(t *testing.T, results []models.AggregatedMetric, m models.AggregationMethod) models.AggregatedMetric {
	t.Helper()
	for _, r := range results {
		if r.AggregationMethod == m {
			return r
		}
	}
	t.Fatalf("method %s not in results", m)
	return models.AggregatedMetric{}
}

func TestAggregateMetrics_Average(t *testing.T) {
	agg, _ := newTestAggregator(t, models.MetricsConfig{})

	agg.Record("x", 10, models.RoleApp, "checkout", models.MetricGauge, nil)
	agg.Record("x", 20, models.RoleApp, "checkout", models.MetricGauge, nil)

	results := agg.AggregateMetrics(AggregateQuery{Name: "x", Methods: []models.AggregationMethod{models.AggAverage}})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].AggregatedValue != 15 {
		t.Errorf("expected average 15, got %v", results[0].AggregatedValue)
	}
	if results[0].SampleCount != 2 {
		t.Errorf("expected sample count 2, got %d", results[0].SampleCount)
	}
}

func TestAggregateMetrics_AllMethodsAndFilters(t *testing.T) {
	agg, clk := newTestAggregator(t, models.MetricsConfig{})

	agg.Record("latency", 100, models.RoleApp, "api", models.MetricTimer, nil)
	agg.Record("latency", 300, models.RoleApp, "web", models.MetricTimer, nil)
	agg.Record("latency", 900, models.RoleCorePlatform, "db", models.MetricTimer, nil)
	agg.Record("other", 1, models.RoleApp, "api", models.MetricGauge, nil)

	// An old point outside the default one-hour window.
	agg.CollectMetricPoint(models.MetricPoint{
		Name: "latency", Value: 5000, ServiceRole: models.RoleApp, ServiceName: "api",
		Timestamp: clk.Now().Add(-2 * time.Hour),
	})

	all := agg.AggregateMetrics(AggregateQuery{Name: "latency"})
	if len(all) != len(DefaultMethods) {
		t.Fatalf("expected %d results, got %d", len(DefaultMethods), len(all))
	}
	if got := findMethod(t, all, models.AggSum).AggregatedValue; got != 1300 {
		t.Errorf("sum = %v, want 1300", got)
	}
	if got := findMethod(t, all, models.AggMin).AggregatedValue; got != 100 {
		t.Errorf("min = %v, want 100", got)
	}
	if got := findMethod(t, all, models.AggMax).AggregatedValue; got != 900 {
		t.Errorf("max = %v, want 900", got)
	}
	if got := findMethod(t, all, models.AggCount).AggregatedValue; got != 3 {
		t.Errorf("count = %v, want 3", got)
	}
	if svcs := all[0].ContributingServices; len(svcs) != 3 || svcs[0] != "api" {
		t.Errorf("unexpected contributing services %v", svcs)
	}

	byRole := agg.AggregateMetrics(AggregateQuery{Name: "latency", Role: models.RoleApp, Methods: []models.AggregationMethod{models.AggCount}})
	if byRole[0].SampleCount != 2 {
		t.Errorf("role filter: expected 2 samples, got %d", byRole[0].SampleCount)
	}

	bySvc := agg.AggregateMetrics(AggregateQuery{Name: "latency", ServiceNames: []string{"db"}, Methods: []models.AggregationMethod{models.AggAverage}})
	if bySvc[0].AggregatedValue != 900 {
		t.Errorf("service filter: expected 900, got %v", bySvc[0].AggregatedValue)
	}

	wide := models.TimeRange{Start: clk.Now().Add(-3 * time.Hour), End: clk.Now()}
	withOld := agg.AggregateMetrics(AggregateQuery{Name: "latency", TimeRange: &wide, Methods: []models.AggregationMethod{models.AggCount}})
	if withOld[0].SampleCount != 4 {
		t.Errorf("explicit range: expected 4 samples, got %d", withOld[0].SampleCount)
	}
}

func TestAggregateMetrics_EmptyReturnsZero(t *testing.T) {
	agg, _ := newTestAggregator(t, models.MetricsConfig{})
	results := agg.AggregateMetrics(AggregateQuery{Name: "missing", Methods: []models.AggregationMethod{models.AggAverage}})
	if len(results) != 1 || results[0].AggregatedValue != 0 || results[0].SampleCount != 0 {
		t.Fatalf("expected a zero-valued result, got %+v", results)
	}
}

func TestAggregateMetrics_CacheInvalidatedByNewPoint(t *testing.T) {
	agg, _ := newTestAggregator(t, models.MetricsConfig{})
	q := AggregateQuery{Name: "rps", Methods: []models.AggregationMethod{models.AggSum}}

	agg.Record("rps", 1, models.RoleApp, "api", models.MetricCounter, nil)
	if got := agg.AggregateMetrics(q)[0].AggregatedValue; got != 1 {
		t.Fatalf("expected 1, got %v", got)
	}
	if got := agg.AggregateMetrics(q)[0].AggregatedValue; got != 1 {
		t.Fatalf("expected cached 1, got %v", got)
	}
	if agg.Stats().CacheHits != 1 {
		t.Errorf("expected 1 cache hit, got %d", agg.Stats().CacheHits)
	}

	agg.Record("rps", 2, models.RoleApp, "api", models.MetricCounter, nil)
	if got := agg.AggregateMetrics(q)[0].AggregatedValue; got != 3 {
		t.Errorf("expected fresh result 3 after new point, got %v", got)
	}
}

func TestAggregateMetrics_PointDuringScanIsNotCachedAway(t *testing.T) {
	agg, _ := newTestAggregator(t, models.MetricsConfig{})
	q := AggregateQuery{Name: "rps", Methods: []models.AggregationMethod{models.AggSum}}
	agg.Record("rps", 1, models.RoleApp, "api", models.MetricCounter, nil)

	agg.afterScan = func() {
		agg.afterScan = nil
		agg.Record("rps", 2, models.RoleApp, "api", models.MetricCounter, nil)
	}
	if got := agg.AggregateMetrics(q)[0].AggregatedValue; got != 1 {
		t.Fatalf("expected the scanned sum 1, got %v", got)
	}
	if got := agg.AggregateMetrics(q)[0].AggregatedValue; got != 3 {
		t.Errorf("expected 3 once the concurrent point is visible, got %v", got)
	}
	if agg.Stats().CacheHits != 0 {
		t.Errorf("the result computed before the new point must not be cached, got %d hits", agg.Stats().CacheHits)
	}
}

func TestCollectMetricPoint_RejectsInvalid(t *testing.T) {
	agg, _ := newTestAggregator(t, models.MetricsConfig{})
	if agg.Record("", 1, models.RoleApp, "api", models.MetricGauge, nil) {
		t.Error("expected empty name to be rejected")
	}
	if agg.CollectMetricPoint(models.MetricPoint{Name: "x", Value: math.NaN()}) {
		t.Error("expected NaN to be rejected")
	}
	if agg.Stats().Rejected != 2 {
		t.Errorf("expected 2 rejections, got %d", agg.Stats().Rejected)
	}
}

func TestCollectMetricPoint_EvictsOldest(t *testing.T) {
	agg, _ := newTestAggregator(t, models.MetricsConfig{BufferSize: 3})
	for i := 0; i < 5; i++ {
		agg.Record("x", float64(i), models.RoleApp, "api", models.MetricGauge, nil)
	}
	s := agg.Stats()
	if s.Buffered != 3 || s.Evicted != 2 || s.TotalCollected != 5 {
		t.Fatalf("unexpected stats %+v", s)
	}
	lowest := agg.AggregateMetrics(AggregateQuery{Name: "x", Methods: []models.AggregationMethod{models.AggMin}})
	if lowest[0].AggregatedValue != 2 {
		t.Errorf("expected oldest points evicted, min = %v", lowest[0].AggregatedValue)
	}
}

func TestHandlers_PanicDoesNotLosePoint(t *testing.T) {
	agg, _ := newTestAggregator(t, models.MetricsConfig{})
	var seen []string
	agg.AddHandler(func(models.MetricPoint) { panic("handler bug") })
	agg.AddHandler(func(p models.MetricPoint) { seen = append(seen, p.Name) })

	if !agg.Record("x", 1, models.RoleApp, "api", models.MetricGauge, nil) {
		t.Fatal("expected point to be stored")
	}
	if len(seen) != 1 {
		t.Errorf("expected second handler to run, got %v", seen)
	}
	if agg.Stats().HandlerPanics != 1 {
		t.Errorf("expected 1 handler panic, got %d", agg.Stats().HandlerPanics)
	}
	if agg.Stats().Buffered != 1 {
		t.Errorf("expected 1 buffered point, got %d", agg.Stats().Buffered)
	}
}

func TestRegisterMetricSource_Idempotent(t *testing.T) {
	agg, _ := newTestAggregator(t, models.MetricsConfig{})
	c := CollectorFunc(func(context.Context) ([]Sample, error) { return nil, nil })

	if err := agg.RegisterMetricSource("db", models.RoleCorePlatform, "orders-db", c, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := agg.RegisterMetricSource("db", models.RoleCorePlatform, "orders-db-v2", c, 2*time.Minute); err != nil {
		t.Fatal(err)
	}
	sources := agg.Sources()
	if len(sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(sources))
	}
	if sources[0].ServiceName != "orders-db-v2" || sources[0].IntervalSeconds != 120 {
		t.Errorf("expected in-place update, got %+v", sources[0])
	}

	if err := agg.RegisterMetricSource("", models.RoleApp, "x", nil, 0); !errors.Is(err, ErrInvalidSource) {
		t.Errorf("expected ErrInvalidSource for empty name, got %v", err)
	}
	if err := agg.RegisterMetricSource("bad", "mainframe", "x", nil, 0); !errors.Is(err, ErrInvalidSource) {
		t.Errorf("expected ErrInvalidSource for unknown role, got %v", err)
	}
	if !agg.UnregisterMetricSource("db") || agg.UnregisterMetricSource("db") {
		t.Error("expected unregister to succeed exactly once")
	}
}

func TestCollectFromAllSources_IsolatesFailures(t *testing.T) {
	agg, _ := newTestAggregator(t, models.MetricsConfig{})

	good := CollectorFunc(func(context.Context) ([]Sample, error) {
		return []Sample{{Name: "cpu", Value: 0.5}, {Name: "mem", Value: 512}}, nil
	})
	failing := CollectorFunc(func(context.Context) ([]Sample, error) {
		return nil, errors.New("connection refused")
	})
	panicking := CollectorFunc(func(context.Context) ([]Sample, error) {
		panic("nil map")
	})

	_ = agg.RegisterMetricSource("good", models.RoleApp, "api", good, time.Minute)
	_ = agg.RegisterMetricSource("failing", models.RoleApp, "web", failing, time.Minute)
	_ = agg.RegisterMetricSource("panicking", models.RoleApp, "jobs", panicking, time.Minute)
	_ = agg.RegisterMetricSource("push-only", models.RoleApp, "edge", nil, time.Minute)

	counts := agg.CollectFromAllSources(context.Background())
	if counts["good"] != 2 || counts["failing"] != 0 || counts["panicking"] != 0 {
		t.Fatalf("unexpected counts %v", counts)
	}
	if _, ok := counts["push-only"]; ok {
		t.Error("push-only source should not be polled")
	}
	if agg.Stats().CollectionErrors != 2 {
		t.Errorf("expected 2 collection errors, got %d", agg.Stats().CollectionErrors)
	}

	for _, s := range agg.Sources() {
		switch s.Name {
		case "good":
			if s.MetricsCollected != 2 || s.ServiceName != "api" {
				t.Errorf("unexpected good source status %+v", s)
			}
		case "failing":
			if s.Failures != 1 || s.LastError == "" {
				t.Errorf("expected failure recorded, got %+v", s)
			}
		}
	}

	stats := agg.GetServiceMetrics("api", 1, nil)
	if stats["cpu"].Latest != 0.5 {
		t.Errorf("collected samples should carry the source's service, got %+v", stats)
	}
}

func TestCollect_RespectsSourceInterval(t *testing.T) {
	agg, clk := newTestAggregator(t, models.MetricsConfig{})
	calls := 0
	_ = agg.RegisterMetricSource("s", models.RoleApp, "api", CollectorFunc(func(context.Context) ([]Sample, error) {
		calls++
		return nil, nil
	}), 5*time.Minute)

	agg.collect(context.Background(), false)
	agg.collect(context.Background(), false)
	if calls != 1 {
		t.Fatalf("expected 1 call before interval elapsed, got %d", calls)
	}
	clk.Advance(5 * time.Minute)
	agg.collect(context.Background(), false)
	if calls != 2 {
		t.Errorf("expected 2 calls after interval, got %d", calls)
	}
}

func TestGetServiceMetrics(t *testing.T) {
	agg, clk := newTestAggregator(t, models.MetricsConfig{})
	for _, v := range []float64{10, 12, 20} {
		agg.Record("queue_depth", v, models.RoleApp, "worker", models.MetricGauge, nil)
		clk.Advance(time.Minute)
	}
	agg.Record("queue_depth", 99, models.RoleApp, "other", models.MetricGauge, nil)

	got := agg.GetServiceMetrics("worker", 1, []string{"queue_depth"})
	s, ok := got["queue_depth"]
	if !ok {
		t.Fatal("expected queue_depth statistics")
	}
	if s.Count != 3 || s.Sum != 42 || s.Min != 10 || s.Max != 20 || s.Latest != 20 {
		t.Errorf("unexpected statistics %+v", s)
	}
	if s.Trend != models.TrendIncreasing {
		t.Errorf("expected increasing trend, got %s", s.Trend)
	}
}

func TestAnalyzeMetricTrends(t *testing.T) {
	agg, clk := newTestAggregator(t, models.MetricsConfig{})

	if tr := agg.AnalyzeMetricTrends("errors", 7, ""); tr.Trend != models.TrendInsufficientData {
		t.Fatalf("expected insufficient data, got %s", tr.Trend)
	}

	base := clk.Now()
	for day, v := range []float64{100, 105, 80} {
		agg.CollectMetricPoint(models.MetricPoint{
			Name: "errors", Value: v, ServiceRole: models.RoleApp, ServiceName: "api",
			Timestamp: base.AddDate(0, 0, day-2),
		})
	}
	tr := agg.AnalyzeMetricTrends("errors", 7, models.RoleApp)
	if tr.Trend != models.TrendDecreasing {
		t.Errorf("expected decreasing, got %s (%.1f%%)", tr.Trend, tr.ChangePercent)
	}
	if len(tr.DailyAverages) != 3 {
		t.Errorf("expected 3 daily buckets, got %d", len(tr.DailyAverages))
	}

	if tr := agg.AnalyzeMetricTrends("errors", 7, models.RoleSI); tr.Trend != models.TrendInsufficientData {
		t.Errorf("role filter should leave no data, got %s", tr.Trend)
	}
}

func TestCompareTrend(t *testing.T) {
	tests := []struct {
		first, last float64
		want        models.Trend
	}{
		{100, 111, models.TrendIncreasing},
		{100, 109, models.TrendStable},
		{100, 89, models.TrendDecreasing},
		{0, 0, models.TrendStable},
		{0, 5, models.TrendIncreasing},
	}
	for _, tt := range tests {
		if got, _ := compareTrend(tt.first, tt.last); got != tt.want {
			t.Errorf("compareTrend(%v, %v) = %s, want %s", tt.first, tt.last, got, tt.want)
		}
	}
}

func TestDetectAnomalies(t *testing.T) {
	agg, _ := newTestAggregator(t, models.MetricsConfig{})

	for i := 0; i < 9; i++ {
		agg.Record("rt", 10, models.RoleApp, "api", models.MetricTimer, nil)
	}
	if got := agg.DetectAnomalies("rt", 2, time.Hour); got != nil {
		t.Fatalf("expected nil with fewer than 10 points, got %v", got)
	}

	agg.Record("rt", 10, models.RoleApp, "api", models.MetricTimer, nil)
	agg.Record("rt", 100, models.RoleApp, "api", models.MetricTimer, nil)
	agg.Record("rt", 60, models.RoleApp, "api", models.MetricTimer, nil)

	anomalies := agg.DetectAnomalies("rt", 2, time.Hour)
	if len(anomalies) != 1 {
		t.Fatalf("expected 1 anomaly, got %d", len(anomalies))
	}
	if anomalies[0].Point.Value != 100 {
		t.Errorf("expected the 100 spike, got %v", anomalies[0].Point.Value)
	}

	loose := agg.DetectAnomalies("rt", 1, time.Hour)
	if len(loose) < 2 || loose[0].Deviation < loose[1].Deviation {
		t.Errorf("expected anomalies sorted by deviation, got %+v", loose)
	}
}

func TestCleanupOldData_Retention(t *testing.T) {
	agg, clk := newTestAggregator(t, models.MetricsConfig{RetentionHours: 24})

	agg.Record("x", 1, models.RoleApp, "api", models.MetricGauge, nil)
	clk.Advance(25 * time.Hour)
	agg.Record("x", 2, models.RoleApp, "api", models.MetricGauge, nil)

	if removed := agg.CleanupOldData(); removed != 1 {
		t.Fatalf("expected 1 point removed, got %d", removed)
	}

	wide := models.TimeRange{Start: testStart.Add(-time.Hour), End: clk.Now()}
	res := agg.AggregateMetrics(AggregateQuery{Name: "x", TimeRange: &wide, Methods: []models.AggregationMethod{models.AggCount}})
	if res[0].SampleCount != 1 {
		t.Errorf("expected only the fresh point to remain, got %d", res[0].SampleCount)
	}
}

func TestLatestValues(t *testing.T) {
	agg, clk := newTestAggregator(t, models.MetricsConfig{})
	agg.Record("cpu", 1, models.RoleApp, "api", models.MetricGauge, nil)
	clk.Advance(time.Second)
	agg.Record("cpu", 2, models.RoleApp, "api", models.MetricGauge, nil)
	agg.Record("cpu", 7, models.RoleApp, "web", models.MetricGauge, nil)

	latest := agg.LatestValues()
	if len(latest) != 2 {
		t.Fatalf("expected 2 series, got %d", len(latest))
	}
	if latest[0].ServiceName != "api" || latest[0].Value != 2 {
		t.Errorf("expected latest api value 2, got %+v", latest[0])
	}
}

func TestStartStop(t *testing.T) {
	agg, _ := newTestAggregator(t, models.MetricsConfig{CollectionIntervalSeconds: 1, CleanupIntervalSeconds: 1})
	if err := agg.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := agg.Start(context.Background()); err == nil {
		t.Error("expected error on second start")
	}
	if err := agg.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := agg.Stop(); err == nil {
		t.Error("expected error when stopping a stopped aggregator")
	}
}

package tracing

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/valter-silva-au/obscore/internal/clock"
	"github.com/valter-silva-au/obscore/pkg/models"
)

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestCollector(t *testing.T, cfg models.TracingConfig) (*Collector, *clock.Manual) {
	t.Helper()
	if cfg.DefaultSampleRate == 0 {
		cfg.DefaultSampleRate = 1
	}
	clk := clock.NewManual(testStart)
	return NewCollector(cfg, nil, clk), clk
}

type recordingSink struct {
	mu    sync.Mutex
	names map[string]int
}

func (s *recordingSink) Record(name string, _ float64, _ models.ServiceRole, _ string, _ models.MetricType, _ map[string]string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.names == nil {
		s.names = make(map[string]int)
	}
	s.names[name]++
	return true
}

func TestNestedSpansAssembleIntoOneTrace(t *testing.T) {
	c, clk := newTestCollector(t, models.TracingConfig{})
	sink := &recordingSink{}
	c.SetMetrics(sink)

	ctxA, a := c.StartSpan(context.Background(), "GET /orders", "gateway", models.RoleApp, StartOptions{Kind: models.SpanServer})
	clk.Advance(10 * time.Millisecond)
	_, b := c.StartSpan(ctxA, "load", "orders", models.RoleCorePlatform, StartOptions{ParentSpanID: a})
	clk.Advance(20 * time.Millisecond)
	if !c.FinishSpan(b, "", "", nil) {
		t.Fatal("finish b")
	}
	clk.Advance(5 * time.Millisecond)
	if !c.FinishSpan(a, "", "", map[string]string{"http.status": "200"}) {
		t.Fatal("finish a")
	}

	if n := c.Flush(); n != 1 {
		t.Fatalf("expected 1 trace assembled, got %d", n)
	}
	sc, _ := SpanFromContext(ctxA)
	tr, err := c.GetTrace(sc.TraceID)
	if err != nil {
		t.Fatal(err)
	}
	if tr.SpanCount != 2 || tr.RootSpanID != a {
		t.Errorf("expected 2 spans rooted at %s, got %d rooted at %s", a, tr.SpanCount, tr.RootSpanID)
	}
	if tr.DurationMs != 35 {
		t.Errorf("expected 35ms, got %v", tr.DurationMs)
	}
	if tr.ServiceCount != 2 || tr.Tags["http.status"] != "200" {
		t.Errorf("unexpected trace %+v", tr)
	}
	if tr.Spans[1].ParentSpanID != a {
		t.Errorf("child parent = %q", tr.Spans[1].ParentSpanID)
	}
	if sink.names["span_duration_ms"] != 2 || sink.names["trace_duration_ms"] != 1 {
		t.Errorf("unexpected metrics %v", sink.names)
	}
}

func TestContextParentIsImplicit(t *testing.T) {
	c, _ := newTestCollector(t, models.TracingConfig{})
	ctx, root := c.StartSpan(context.Background(), "handle", "api", models.RoleApp, StartOptions{Baggage: map[string]string{"tenant": "acme"}})
	_, child := c.StartSpan(ctx, "query", "db", models.RoleCorePlatform, StartOptions{})

	s, ok := c.GetActiveSpan(child)
	if !ok {
		t.Fatal("child should be active")
	}
	if s.ParentSpanID != root || s.Baggage["tenant"] != "acme" {
		t.Errorf("child should inherit parent and baggage, got %+v", s)
	}
	if s.Kind != models.SpanInternal {
		t.Errorf("default kind should be internal, got %s", s.Kind)
	}
}

func TestSamplingInheritance(t *testing.T) {
	c, _ := newTestCollector(t, models.TracingConfig{DefaultSampleRate: 1})
	if err := c.AddSamplingRule(models.SamplingRule{RuleID: "noisy", ServicePatterns: []string{"^noisy"}, SampleRate: 0, Priority: 10, Enabled: true}); err != nil {
		t.Fatal(err)
	}

	ctx, root := c.StartSpan(context.Background(), "poll", "noisy-worker", models.RoleSI, StartOptions{})
	if root != NoopSpanID {
		t.Fatalf("expected noisy root to be dropped, got %s", root)
	}
	_, child := c.StartSpan(ctx, "call", "api", models.RoleApp, StartOptions{})
	if child != NoopSpanID {
		t.Error("child of a dropped span must be dropped")
	}
	if !c.FinishSpan(root, "", "", nil) || !c.AddSpanTag(child, "k", "v") || !c.AddSpanLog(root, nil) {
		t.Error("operations on dropped spans succeed without effect")
	}

	ctx, kept := c.StartSpan(context.Background(), "handle", "api", models.RoleApp, StartOptions{})
	_, noisyChild := c.StartSpan(ctx, "poll", "noisy-worker", models.RoleSI, StartOptions{})
	if kept == NoopSpanID || noisyChild == NoopSpanID {
		t.Error("children inherit a sampled parent regardless of rules")
	}
	if s := c.Stats(); s.SpansDropped != 2 || s.ActiveSpans != 2 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestAddSamplingRule_Validation(t *testing.T) {
	c, _ := newTestCollector(t, models.TracingConfig{})
	for _, r := range []models.SamplingRule{
		{SampleRate: 0.5},
		{RuleID: "r", SampleRate: 1.5},
		{RuleID: "r", SampleRate: 0.5, ServicePatterns: []string{"("}},
		{RuleID: "r", SampleRate: 0.5, OperationPatterns: []string{"[a-"}},
	} {
		if err := c.AddSamplingRule(r); !errors.Is(err, ErrInvalidSamplingRule) {
			t.Errorf("rule %+v: expected ErrInvalidSamplingRule, got %v", r, err)
		}
	}

	_ = c.AddSamplingRule(models.SamplingRule{RuleID: "low", Priority: 1, SampleRate: 0.2, Enabled: true})
	_ = c.AddSamplingRule(models.SamplingRule{RuleID: "high", Priority: 5, SampleRate: 0.9, Enabled: true})
	_ = c.AddSamplingRule(models.SamplingRule{RuleID: "low", Priority: 9, SampleRate: 0.3, Enabled: true})
	rules := c.SamplingRules()
	if len(rules) != 2 || rules[0].RuleID != "low" || rules[0].SampleRate != 0.3 {
		t.Errorf("expected replaced rule first, got %+v", rules)
	}
	if !c.RemoveSamplingRule("high") || c.RemoveSamplingRule("high") {
		t.Error("remove should report whether the rule existed")
	}
}

func TestSampleRateTagFilter(t *testing.T) {
	c, _ := newTestCollector(t, models.TracingConfig{DefaultSampleRate: 1})
	_ = c.AddSamplingRule(models.SamplingRule{RuleID: "health", OperationPatterns: []string{"^GET /health"}, TagFilters: map[string]string{"synthetic": "true"}, SampleRate: 0, Enabled: true})

	_, id := c.StartSpan(context.Background(), "GET /healthz", "api", models.RoleApp, StartOptions{Tags: map[string]string{"synthetic": "true"}})
	if id != NoopSpanID {
		t.Error("synthetic health probe should be dropped")
	}
	_, id = c.StartSpan(context.Background(), "GET /healthz", "api", models.RoleApp, StartOptions{})
	if id == NoopSpanID {
		t.Error("tag filter must match for the rule to apply")
	}
}

func TestGraceWindowAndActiveSpansDelayAssembly(t *testing.T) {
	c, clk := newTestCollector(t, models.TracingConfig{CompletionGraceSeconds: 5})
	ctx, root := c.StartSpan(context.Background(), "root", "api", models.RoleApp, StartOptions{})
	_, child := c.StartSpan(ctx, "child", "api", models.RoleApp, StartOptions{})

	c.FinishSpan(child, "", "", nil)
	if n := c.Flush(); n != 0 {
		t.Fatalf("trace with an active span must not assemble, got %d", n)
	}
	c.FinishSpan(root, "", "", nil)
	for _, it := range c.queue.Drain() {
		c.markPending(it)
	}
	clk.Advance(4 * time.Second)
	if n := c.assembleDue(false); n != 0 {
		t.Fatalf("assembled inside the grace window")
	}
	clk.Advance(time.Second)
	if n := c.assembleDue(false); n != 1 {
		t.Fatalf("expected assembly after the grace window, got %d", n)
	}
}

func TestLateSpanIsMerged(t *testing.T) {
	c, clk := newTestCollector(t, models.TracingConfig{})
	var added [][]models.Span
	c.AddHandler(func(_ models.Trace, spans []models.Span) { added = append(added, spans) })
	c.AddHandler(func(models.Trace, []models.Span) { panic("bad handler") })

	ctx, root := c.StartSpan(context.Background(), "publish", "orders", models.RoleApp, StartOptions{Kind: models.SpanProducer})
	sc, _ := SpanFromContext(ctx)
	clk.Advance(time.Millisecond)
	c.FinishSpan(root, "", "", nil)
	c.Flush()

	clk.Advance(time.Minute)
	_, late := c.StartSpan(context.Background(), "consume", "billing", models.RoleApp,
		StartOptions{Kind: models.SpanConsumer, TraceID: sc.TraceID, ParentSpanID: root})
	clk.Advance(time.Millisecond)
	c.FinishSpan(late, "", "", nil)
	c.Flush()

	tr, err := c.GetTrace(sc.TraceID)
	if err != nil {
		t.Fatal(err)
	}
	if tr.SpanCount != 2 || tr.RootSpanID != root {
		t.Errorf("expected late span merged under the same root, got %d spans root %s", tr.SpanCount, tr.RootSpanID)
	}
	if len(added) != 2 || len(added[0]) != 1 || len(added[1]) != 1 || added[1][0].SpanID != late {
		t.Errorf("handlers should see only new spans per assembly, got %v", added)
	}
	if c.Stats().Reassemblies != 1 {
		t.Errorf("expected 1 reassembly, got %d", c.Stats().Reassemblies)
	}
}

func TestLateSpanMergedAfterBufferEviction(t *testing.T) {
	c, clk := newTestCollector(t, models.TracingConfig{BufferSize: 3})

	ctx, root := c.StartSpan(context.Background(), "checkout", "web", models.RoleApp, StartOptions{})
	sc, _ := SpanFromContext(ctx)
	_, child := c.StartSpan(ctx, "charge", "payments", models.RoleApp, StartOptions{})
	clk.Advance(time.Millisecond)
	c.FinishSpan(child, "", "", nil)
	c.FinishSpan(root, "", "", nil)
	c.Flush()

	// Unrelated traces push the root and child out of the completed buffer.
	for i := 0; i < 3; i++ {
		_, id := c.StartSpan(context.Background(), "noise", "cron", models.RoleApp, StartOptions{})
		c.FinishSpan(id, "", "", nil)
	}
	c.Flush()

	clk.Advance(time.Minute)
	_, late := c.StartSpan(context.Background(), "refund", "payments", models.RoleApp,
		StartOptions{TraceID: sc.TraceID, ParentSpanID: root})
	clk.Advance(time.Millisecond)
	c.FinishSpan(late, "", "", nil)
	c.Flush()

	tr, err := c.GetTrace(sc.TraceID)
	if err != nil {
		t.Fatal(err)
	}
	if tr.SpanCount != 3 {
		t.Errorf("SpanCount = %d, want 3", tr.SpanCount)
	}
	if tr.RootSpanID != root {
		t.Errorf("RootSpanID = %s, want %s", tr.RootSpanID, root)
	}
}

func TestSpanMutations(t *testing.T) {
	c, clk := newTestCollector(t, models.TracingConfig{})
	_, id := c.StartSpan(context.Background(), "charge", "payments", models.RoleExternalIntegration, StartOptions{})

	if !c.AddSpanTag(id, "amount", "42") || !c.AddSpanLog(id, map[string]any{"step": "auth"}) {
		t.Fatal("mutating an active span should succeed")
	}
	if !c.SetSpanError(id, errors.New("card declined")) {
		t.Fatal("set error")
	}
	clk.Advance(time.Millisecond)
	c.FinishSpan(id, "", "", nil)

	if c.AddSpanTag(id, "late", "x") || c.FinishSpan(id, "", "", nil) {
		t.Error("finished spans are sealed")
	}
	if c.AddSpanTag("unknown", "k", "v") || c.SetSpanError(id, nil) {
		t.Error("unknown ids and nil errors are rejected")
	}

	c.Flush()
	traces := c.GetTraces(TraceFilter{ErrorsOnly: true})
	if len(traces) != 1 {
		t.Fatalf("expected 1 error trace, got %d", len(traces))
	}
	s := traces[0].Spans[0]
	if s.Status != models.SpanError || s.Tags["amount"] != "42" || s.Tags["error.message"] != "card declined" {
		t.Errorf("unexpected span %+v", s)
	}
	if len(s.Logs) != 2 {
		t.Errorf("expected annotation plus error log, got %d", len(s.Logs))
	}
}

func TestFinishSpanStatus(t *testing.T) {
	c, _ := newTestCollector(t, models.TracingConfig{})
	cases := []struct {
		status models.SpanStatus
		errMsg string
		want   models.SpanStatus
	}{
		{"", "", models.SpanOK},
		{"", "boom", models.SpanError},
		{models.SpanTimeout, "deadline", models.SpanTimeout},
		{models.SpanCancelled, "", models.SpanCancelled},
	}
	for _, tc := range cases {
		_, id := c.StartSpan(context.Background(), "op", "svc", models.RoleApp, StartOptions{})
		c.FinishSpan(id, tc.status, tc.errMsg, nil)
	}
	c.Flush()
	got := map[models.SpanStatus]int{}
	for _, tr := range c.GetTraces(TraceFilter{}) {
		got[tr.Spans[0].Status]++
	}
	for _, tc := range cases {
		if got[tc.want] == 0 {
			t.Errorf("status %q/%q: expected %s", tc.status, tc.errMsg, tc.want)
		}
	}
}

// buildCheckout creates gateway -> orders -> db with a failing db call.
func buildCheckout(c *Collector, clk *clock.Manual) string {
	ctx, gw := c.StartSpan(context.Background(), "POST /checkout", "gateway", models.RoleApp, StartOptions{Kind: models.SpanServer})
	ctxO, orders := c.StartSpan(ctx, "create", "orders", models.RoleApp, StartOptions{})
	_, db := c.StartSpan(ctxO, "INSERT", "db", models.RoleCorePlatform, StartOptions{Kind: models.SpanClient})
	clk.Advance(4 * time.Millisecond)
	c.FinishSpan(db, "", "connection refused", nil)
	clk.Advance(2 * time.Millisecond)
	c.FinishSpan(orders, "", "", nil)
	clk.Advance(time.Millisecond)
	c.FinishSpan(gw, "", "", nil)
	sc, _ := SpanFromContext(ctx)
	return sc.TraceID
}

func TestDependenciesAndErrorAnalysis(t *testing.T) {
	c, clk := newTestCollector(t, models.TracingConfig{})
	buildCheckout(c, clk)
	buildCheckout(c, clk)
	c.Flush()

	deps := c.GetServiceDependencies(1)
	if len(deps) != 2 {
		t.Fatalf("expected 2 edges, got %+v", deps)
	}
	for _, d := range deps {
		switch {
		case d.Parent == "gateway" && d.Child == "orders":
			if d.CallCount != 2 || d.ErrorCount != 0 || d.AvgMs != 6 {
				t.Errorf("gateway->orders: %+v", d)
			}
		case d.Parent == "orders" && d.Child == "db":
			if d.CallCount != 2 || d.ErrorCount != 2 || d.AvgMs != 4 {
				t.Errorf("orders->db: %+v", d)
			}
		default:
			t.Errorf("unexpected edge %+v", d)
		}
	}

	a := c.GetErrorAnalysis(1)
	if a.TotalTraces != 2 || a.ErrorTraces != 2 || a.TotalSpans != 6 || a.ErrorSpans != 2 {
		t.Errorf("unexpected analysis %+v", a)
	}
	if a.ErrorsByService["db"] != 2 || len(a.TopErrors) != 1 || a.TopErrors[0].Message != "connection refused" {
		t.Errorf("unexpected error breakdown %+v", a)
	}
	if got := c.GetTraces(TraceFilter{ServiceName: "db", MinDurationMs: 7}); len(got) != 2 {
		t.Errorf("filter by service and duration: %d", len(got))
	}
	if got := c.GetTraces(TraceFilter{Operation: "missing"}); len(got) != 0 {
		t.Errorf("operation filter: %d", len(got))
	}
}

func TestOperationPerformancePercentiles(t *testing.T) {
	c, clk := newTestCollector(t, models.TracingConfig{})
	for i := 1; i <= 100; i++ {
		_, id := c.StartSpan(context.Background(), "get", "api", models.RoleApp, StartOptions{})
		clk.Advance(time.Duration(i) * time.Millisecond)
		status := models.SpanStatus("")
		if i%10 == 0 {
			status = models.SpanError
		}
		c.FinishSpan(id, status, "", nil)
	}
	c.Flush()

	perf := c.GetOperationPerformance(24)
	if len(perf) != 1 || perf[0].Operation != "api.get" {
		t.Fatalf("unexpected operations %+v", perf)
	}
	p := perf[0]
	near := func(got, want float64) bool { return math.Abs(got-want) < 1e-9 }
	if p.CallCount != 100 || p.ErrorCount != 10 || !near(p.ErrorRate, 0.1) {
		t.Errorf("counts: %+v", p)
	}
	if !near(p.MinMs, 1) || !near(p.MaxMs, 100) || !near(p.AvgMs, 50.5) {
		t.Errorf("min/max/avg: %+v", p)
	}
	if !near(p.P50Ms, 50.5) || !near(p.P95Ms, 95.05) || !near(p.P99Ms, 99.01) {
		t.Errorf("percentiles: p50=%v p95=%v p99=%v", p.P50Ms, p.P95Ms, p.P99Ms)
	}
}

func TestRetention(t *testing.T) {
	c, clk := newTestCollector(t, models.TracingConfig{RetentionHours: 1})
	old := buildCheckout(c, clk)
	c.Flush()
	clk.Advance(90 * time.Minute)
	fresh := buildCheckout(c, clk)
	c.Flush()

	if n := c.CleanupOldData(); n != 1 {
		t.Fatalf("expected 1 trace removed, got %d", n)
	}
	if _, err := c.GetTrace(old); !errors.Is(err, ErrTraceNotFound) {
		t.Errorf("old trace should be gone, got %v", err)
	}
	if _, err := c.GetTrace(fresh); err != nil {
		t.Errorf("fresh trace should remain: %v", err)
	}
	if s := c.Stats(); s.CompletedSpans != 3 {
		t.Errorf("expected only the fresh trace's spans buffered, got %d", s.CompletedSpans)
	}
}

func TestStartStopFlushes(t *testing.T) {
	c, _ := newTestCollector(t, models.TracingConfig{CompletionGraceSeconds: 3600})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Error("expected error starting twice")
	}
	ctx, id := c.StartSpan(context.Background(), "op", "svc", models.RoleApp, StartOptions{})
	c.FinishSpan(id, "", "", nil)
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	sc, _ := SpanFromContext(ctx)
	if _, err := c.GetTrace(sc.TraceID); err != nil {
		t.Errorf("stop should assemble pending traces: %v", err)
	}
}

package tracing

import (
	"context"
	"testing"

	"github.com/valter-silva-au/obscore/internal/clock"
	"github.com/valter-silva-au/obscore/pkg/models"
	"pgregory.net/rapid"
)

// Feature: trace collection, Property 1: the sampling decision for a trace
// id is identical across calls and collectors with the same rules.
func TestProperty_SamplingDeterminism(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rate := rapid.Float64Range(0, 1).Draw(t, "rate")
		traceID := rapid.StringMatching(`[0-9a-f]{32}`).Draw(t, "trace_id")
		a := NewCollector(models.TracingConfig{DefaultSampleRate: rate}, nil, nil)
		b := NewCollector(models.TracingConfig{DefaultSampleRate: rate}, nil, nil)

		first := a.ShouldSample(traceID, "svc", "op", nil)
		for i := 0; i < 3; i++ {
			if a.ShouldSample(traceID, "svc", "op", nil) != first || b.ShouldSample(traceID, "svc", "op", nil) != first {
				t.Fatalf("decision for %s at rate %g changed", traceID, rate)
			}
		}
		if r := traceRatio(traceID); r < 0 || r >= 1 {
			t.Fatalf("ratio %g outside [0,1)", r)
		}
	})
}

// Feature: trace collection, Property 2: rate 1 keeps and rate 0 drops every
// trace.
func TestProperty_SamplingBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		traceID := rapid.String().Draw(t, "trace_id")
		if !sampled(traceID, 1) {
			t.Fatalf("rate 1 dropped %q", traceID)
		}
		if sampled(traceID, 0) {
			t.Fatalf("rate 0 kept %q", traceID)
		}
	})
}

// Feature: trace collection, Property 3: spans started and finished in nested
// order assemble into one trace containing every finished span.
func TestProperty_NestedTraceCompleteness(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := NewCollector(models.TracingConfig{DefaultSampleRate: 1}, nil, clock.NewManual(testStart))
		depth := rapid.IntRange(1, 8).Draw(t, "depth")

		var ids []string
		var traceID string
		ctx := context.Background()
		for i := 0; i < depth; i++ {
			var id string
			ctx, id = c.StartSpan(ctx, "op", rapid.SampledFrom([]string{"a", "b", "c"}).Draw(t, "service"), models.RoleApp, StartOptions{})
			ids = append(ids, id)
			if i == 0 {
				sc, _ := SpanFromContext(ctx)
				traceID = sc.TraceID
			}
			siblings := rapid.IntRange(0, 2).Draw(t, "siblings")
			for j := 0; j < siblings; j++ {
				_, leaf := c.StartSpan(ctx, "leaf", "d", models.RoleApp, StartOptions{})
				c.FinishSpan(leaf, "", "", nil)
				ids = append(ids, "leaf")
			}
		}
		for i := depth - 1; i >= 0; i-- {
			c.FinishSpan(ids[indexOfNth(ids, i)], "", "", nil)
		}
		c.Flush()

		tr, err := c.GetTrace(traceID)
		if err != nil {
			t.Fatal(err)
		}
		if tr.SpanCount != len(ids) {
			t.Fatalf("span count %d, want %d", tr.SpanCount, len(ids))
		}
		if tr.RootSpanID != ids[0] {
			t.Fatalf("root %s, want %s", tr.RootSpanID, ids[0])
		}
	})
}

// indexOfNth returns the position of the n-th non-leaf id.
func indexOfNth(ids []string, n int) int {
	for i, id := range ids {
		if id == "leaf" {
			continue
		}
		if n == 0 {
			return i
		}
		n--
	}
	return -1
}

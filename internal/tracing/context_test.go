package tracing

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/valter-silva-au/obscore/pkg/models"
	"go.opentelemetry.io/otel/propagation"
)

func TestInjectExtractRoundTrip(t *testing.T) {
	c, _ := newTestCollector(t, models.TracingConfig{})
	ctx, id := c.StartSpan(context.Background(), "call", "gateway", models.RoleApp,
		StartOptions{Kind: models.SpanClient, Baggage: map[string]string{"tenant": "acme"}})
	sent, _ := SpanFromContext(ctx)

	carrier := propagation.MapCarrier{}
	Inject(ctx, carrier)
	want := "00-" + sent.TraceID + "-" + id + "-01"
	if got := carrier.Get("traceparent"); got != want {
		t.Fatalf("traceparent = %q, want %q", got, want)
	}
	if !strings.Contains(carrier.Get("baggage"), "tenant=acme") {
		t.Errorf("baggage header = %q", carrier.Get("baggage"))
	}

	received := Extract(context.Background(), carrier)
	got, ok := SpanFromContext(received)
	if !ok {
		t.Fatal("expected a remote span in the extracted context")
	}
	if got.TraceID != sent.TraceID || got.SpanID != id || !got.Sampled || !got.Remote || got.Baggage["tenant"] != "acme" {
		t.Errorf("round trip mismatch: %+v", got)
	}

	_, serverID := c.StartSpan(received, "handle", "orders", models.RoleApp, StartOptions{Kind: models.SpanServer})
	server, _ := c.GetActiveSpan(serverID)
	if server.TraceID != sent.TraceID || server.ParentSpanID != id || server.Baggage["tenant"] != "acme" {
		t.Errorf("server span should continue the remote trace, got %+v", server)
	}
}

func TestUnsampledDecisionPropagates(t *testing.T) {
	c, _ := newTestCollector(t, models.TracingConfig{})
	_ = c.AddSamplingRule(models.SamplingRule{RuleID: "none", SampleRate: 0, Enabled: true})
	ctx, id := c.StartSpan(context.Background(), "call", "gateway", models.RoleApp, StartOptions{})
	if id != NoopSpanID {
		t.Fatal("expected dropped root")
	}

	header := http.Header{}
	Inject(ctx, propagation.HeaderCarrier(header))
	if tp := header.Get("traceparent"); !strings.HasSuffix(tp, "-00") {
		t.Fatalf("expected unsampled flag, got %q", tp)
	}

	downstream, _ := newTestCollector(t, models.TracingConfig{})
	_, remoteChild := downstream.StartSpan(Extract(context.Background(), propagation.HeaderCarrier(header)), "handle", "orders", models.RoleApp, StartOptions{})
	if remoteChild != NoopSpanID {
		t.Error("a remote unsampled parent drops the child")
	}
}

func TestExtractWithoutHeaders(t *testing.T) {
	ctx := Extract(context.Background(), propagation.MapCarrier{})
	if _, ok := SpanFromContext(ctx); ok {
		t.Error("no traceparent should leave the context untouched")
	}

	carrier := propagation.MapCarrier{}
	Inject(context.Background(), carrier)
	Inject(ContextWithSpan(context.Background(), SpanContext{TraceID: "not-hex", SpanID: "x"}), carrier)
	if len(carrier) != 0 {
		t.Errorf("nothing should be injected, got %v", carrier)
	}
}

package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/valter-silva-au/obscore/pkg/models"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestExporterKeepsIdentities(t *testing.T) {
	mem := tracetest.NewInMemoryExporter()
	exp := NewExporter(mem, nil)
	c, clk := newTestCollector(t, models.TracingConfig{})
	c.AddHandler(exp.HandleTrace)

	traceID := buildCheckout(c, clk)
	c.Flush()
	if err := exp.ForceFlush(context.Background()); err != nil {
		t.Fatal(err)
	}

	stubs := mem.GetSpans()
	if len(stubs) != 3 {
		t.Fatalf("expected 3 exported spans, got %d", len(stubs))
	}
	tr, err := c.GetTrace(traceID)
	if err != nil {
		t.Fatal(err)
	}
	byID := map[string]models.Span{}
	for _, s := range tr.Spans {
		byID[s.SpanID] = s
	}

	for _, stub := range stubs {
		if got := stub.SpanContext.TraceID().String(); got != traceID {
			t.Errorf("trace id %s, want %s", got, traceID)
		}
		orig, ok := byID[stub.SpanContext.SpanID().String()]
		if !ok {
			t.Errorf("exported span id %s not in the trace", stub.SpanContext.SpanID())
			continue
		}
		if stub.Name != orig.OperationName {
			t.Errorf("name %q, want %q", stub.Name, orig.OperationName)
		}
		if orig.ParentSpanID != "" && stub.Parent.SpanID().String() != orig.ParentSpanID {
			t.Errorf("%s: parent %s, want %s", orig.OperationName, stub.Parent.SpanID(), orig.ParentSpanID)
		}
		if !stub.StartTime.Equal(orig.StartTime) || !stub.EndTime.Equal(*orig.EndTime) {
			t.Errorf("%s: timestamps not preserved", orig.OperationName)
		}
		switch orig.OperationName {
		case "INSERT":
			if stub.Status.Code != codes.Error || stub.Status.Description != "connection refused" || stub.SpanKind != trace.SpanKindClient {
				t.Errorf("db span: %+v %v", stub.Status, stub.SpanKind)
			}
			if len(stub.Events) != 1 {
				t.Errorf("expected the error log as an event, got %d", len(stub.Events))
			}
		case "POST /checkout":
			if stub.SpanKind != trace.SpanKindServer || stub.Status.Code != codes.Ok {
				t.Errorf("gateway span: %+v %v", stub.Status, stub.SpanKind)
			}
		}
	}

	// A late span exports only itself.
	mem.Reset()
	clk.Advance(time.Second)
	_, late := c.StartSpan(context.Background(), "audit", "audit", models.RoleSI, StartOptions{TraceID: traceID, ParentSpanID: tr.RootSpanID})
	c.FinishSpan(late, "", "", nil)
	c.Flush()
	_ = exp.ForceFlush(context.Background())
	if got := mem.GetSpans(); len(got) != 1 || got[0].SpanContext.SpanID().String() != late {
		t.Errorf("expected only the late span exported, got %d", len(got))
	}
	if err := exp.Shutdown(context.Background()); err != nil {
		t.Error(err)
	}
}

func TestOTelKind(t *testing.T) {
	cases := map[models.SpanKind]trace.SpanKind{
		models.SpanServer:   trace.SpanKindServer,
		models.SpanClient:   trace.SpanKindClient,
		models.SpanProducer: trace.SpanKindProducer,
		models.SpanConsumer: trace.SpanKindConsumer,
		models.SpanInternal: trace.SpanKindInternal,
		"":                  trace.SpanKindInternal,
	}
	for in, want := range cases {
		if got := otelKind(in); got != want {
			t.Errorf("otelKind(%q) = %v, want %v", in, got, want)
		}
	}
}

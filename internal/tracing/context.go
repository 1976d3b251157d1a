package tracing

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// NoopSpanID is returned for spans dropped by sampling. Every operation on
// it is a no-op that reports success.
const NoopSpanID = "0000000000000000"

// SpanContext is the propagated identity of the current span.
type SpanContext struct {
	TraceID string
	SpanID  string
	Sampled bool
	// Remote is set when the context was extracted from a carrier.
	Remote  bool
	Baggage map[string]string
}

type spanContextKey struct{}

// ContextWithSpan returns a copy of ctx carrying sc.
func ContextWithSpan(ctx context.Context, sc SpanContext) context.Context {
	return context.WithValue(ctx, spanContextKey{}, sc)
}

// SpanFromContext returns the span carried by ctx, if any.
func SpanFromContext(ctx context.Context) (SpanContext, bool) {
	sc, ok := ctx.Value(spanContextKey{}).(SpanContext)
	return sc, ok
}

var propagator = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})

// Inject writes the W3C traceparent and baggage headers for the span in ctx
// into carrier. Spans whose ids are not W3C hex are not propagated.
func Inject(ctx context.Context, carrier propagation.TextMapCarrier) {
	sc, ok := SpanFromContext(ctx)
	if !ok {
		return
	}
	tid, err := trace.TraceIDFromHex(sc.TraceID)
	if err != nil {
		return
	}
	sid, err := trace.SpanIDFromHex(sc.SpanID)
	if err != nil {
		return
	}
	var flags trace.TraceFlags
	if sc.Sampled {
		flags = trace.FlagsSampled
	}
	octx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: flags,
		Remote:     true,
	}))
	if len(sc.Baggage) > 0 {
		members := make([]baggage.Member, 0, len(sc.Baggage))
		for k, v := range sc.Baggage {
			m, err := baggage.NewMemberRaw(k, v)
			if err != nil {
				continue
			}
			members = append(members, m)
		}
		if bag, err := baggage.New(members...); err == nil {
			octx = baggage.ContextWithBaggage(octx, bag)
		}
	}
	propagator.Inject(octx, carrier)
}

// Extract reads W3C headers from carrier and returns ctx carrying the remote
// span as the parent for the next StartSpan. ctx is returned unchanged when
// the carrier holds no valid traceparent.
func Extract(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	octx := propagator.Extract(context.Background(), carrier)
	remote := trace.SpanContextFromContext(octx)
	if !remote.IsValid() {
		return ctx
	}
	sc := SpanContext{
		TraceID: remote.TraceID().String(),
		SpanID:  remote.SpanID().String(),
		Sampled: remote.IsSampled(),
		Remote:  true,
	}
	if members := baggage.FromContext(octx).Members(); len(members) > 0 {
		sc.Baggage = make(map[string]string, len(members))
		for _, m := range members {
			sc.Baggage[m.Key()] = m.Value()
		}
	}
	return ContextWithSpan(ctx, sc)
}

func newTraceID() string {
	return trace.TraceID(uuid.New()).String()
}

func newSpanID() string {
	u := uuid.New()
	var sid trace.SpanID
	copy(sid[:], u[:8])
	if !sid.IsValid() {
		sid[7] = 1
	}
	return sid.String()
}

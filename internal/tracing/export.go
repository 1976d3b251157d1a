package tracing

import (
	"context"
	"fmt"

	"github.com/valter-silva-au/obscore/internal/logging"
	"github.com/valter-silva-au/obscore/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// NewOTLPExporter dials an OTLP/gRPC trace endpoint.
func NewOTLPExporter(ctx context.Context, cfg models.TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating otlp exporter: %w", err)
	}
	return exp, nil
}

// Exporter replays assembled traces as OpenTelemetry spans, keeping the
// original trace, span and parent ids. Register HandleTrace with
// Collector.AddHandler.
type Exporter struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	logger   *zap.Logger
}

// NewExporter creates an Exporter that batches spans to exp.
func NewExporter(exp sdktrace.SpanExporter, logger *zap.Logger) *Exporter {
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithIDGenerator(replayIDs{}),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", "obscore"))),
	)
	return &Exporter{
		provider: provider,
		tracer:   provider.Tracer("github.com/valter-silva-au/obscore/internal/tracing"),
		logger:   logging.OrNop(logger).Named("otlp"),
	}
}

// HandleTrace exports the spans added by the latest assembly.
func (e *Exporter) HandleTrace(t models.Trace, added []models.Span) {
	exported := 0
	for _, s := range added {
		if e.export(s) {
			exported++
		}
	}
	e.logger.Debug("trace exported", zap.String("trace_id", t.TraceID), zap.Int("spans", exported))
}

func (e *Exporter) export(s models.Span) bool {
	tid, err := trace.TraceIDFromHex(s.TraceID)
	if err != nil {
		e.logger.Debug("skipping span with non-W3C trace id", zap.String("trace_id", s.TraceID))
		return false
	}
	sid, err := trace.SpanIDFromHex(s.SpanID)
	if err != nil {
		return false
	}

	ctx := context.WithValue(context.Background(), replayKey{}, replayed{traceID: tid, spanID: sid})
	if pid, err := trace.SpanIDFromHex(s.ParentSpanID); err == nil {
		ctx = trace.ContextWithRemoteSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    tid,
			SpanID:     pid,
			TraceFlags: trace.FlagsSampled,
			Remote:     true,
		}))
	}

	attrs := make([]attribute.KeyValue, 0, len(s.Tags)+2)
	attrs = append(attrs,
		attribute.String("obscore.service_name", s.ServiceName),
		attribute.String("obscore.service_role", string(s.ServiceRole)),
	)
	for k, v := range s.Tags {
		attrs = append(attrs, attribute.String(k, v))
	}
	_, span := e.tracer.Start(ctx, s.OperationName,
		trace.WithTimestamp(s.StartTime),
		trace.WithSpanKind(otelKind(s.Kind)),
		trace.WithAttributes(attrs...),
	)
	for _, l := range s.Logs {
		fields := make([]attribute.KeyValue, 0, len(l.Fields))
		for k, v := range l.Fields {
			fields = append(fields, attribute.String(k, fmt.Sprint(v)))
		}
		span.AddEvent("log", trace.WithTimestamp(l.Timestamp), trace.WithAttributes(fields...))
	}
	if s.Status == models.SpanOK {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, s.Tags["error.message"])
	}
	end := s.StartTime
	if s.EndTime != nil {
		end = *s.EndTime
	}
	span.End(trace.WithTimestamp(end))
	return true
}

// ForceFlush exports everything batched so far.
func (e *Exporter) ForceFlush(ctx context.Context) error {
	return e.provider.ForceFlush(ctx)
}

// Shutdown flushes and closes the underlying exporter.
func (e *Exporter) Shutdown(ctx context.Context) error {
	return e.provider.Shutdown(ctx)
}

func otelKind(k models.SpanKind) trace.SpanKind {
	switch k {
	case models.SpanServer:
		return trace.SpanKindServer
	case models.SpanClient:
		return trace.SpanKindClient
	case models.SpanProducer:
		return trace.SpanKindProducer
	case models.SpanConsumer:
		return trace.SpanKindConsumer
	}
	return trace.SpanKindInternal
}

type replayKey struct{}

type replayed struct {
	traceID trace.TraceID
	spanID  trace.SpanID
}

// replayIDs hands the SDK the ids carried in the context so exported spans
// keep the collector's identities.
type replayIDs struct{}

func (replayIDs) NewIDs(ctx context.Context) (trace.TraceID, trace.SpanID) {
	r, _ := ctx.Value(replayKey{}).(replayed)
	return r.traceID, r.spanID
}

func (replayIDs) NewSpanID(ctx context.Context, _ trace.TraceID) trace.SpanID {
	r, _ := ctx.Value(replayKey{}).(replayed)
	return r.spanID
}

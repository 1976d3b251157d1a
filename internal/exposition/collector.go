// Package exposition publishes engine self-counters and the latest metric
// values in the Prometheus format, by scrape or by push.
package exposition

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valter-silva-au/obscore/internal/alerting"
	"github.com/valter-silva-au/obscore/internal/health"
	"github.com/valter-silva-au/obscore/internal/logs"
	"github.com/valter-silva-au/obscore/internal/metrics"
	"github.com/valter-silva-au/obscore/internal/tracing"
	"github.com/valter-silva-au/obscore/pkg/models"
)

// MetricsSource is the part of the metrics aggregator that is exported.
type MetricsSource interface {
	Stats() metrics.Stats
	LatestValues() []models.MetricPoint
}

// HealthSource is the part of the health orchestrator that is exported.
type HealthSource interface {
	Stats() health.Stats
	ServiceHealths() []models.ServiceHealth
}

// AlertSource is the part of the alert manager that is exported.
type AlertSource interface {
	Stats() alerting.Stats
}

// TraceSource is the part of the trace collector that is exported.
type TraceSource interface {
	Stats() tracing.Stats
}

// LogSource is the part of the log aggregator that is exported.
type LogSource interface {
	Stats() logs.Stats
	Totals() logs.Totals
}

// Sources groups the engines to export. Nil sources are skipped.
type Sources struct {
	Metrics MetricsSource
	Health  HealthSource
	Alerts  AlertSource
	Traces  TraceSource
	Logs    LogSource
}

type desc struct {
	d   *prometheus.Desc
	typ prometheus.ValueType
}

// Collector is a prometheus.Collector that reads engine state on every
// scrape. It holds no state of its own.
type Collector struct {
	src   Sources
	descs map[string]desc
}

// NewCollector builds descriptors under namespace (default "obscore").
func NewCollector(namespace string, src Sources) *Collector {
	if namespace == "" {
		namespace = "obscore"
	}
	c := &Collector{src: src, descs: make(map[string]desc)}
	add := func(subsystem, name, help string, typ prometheus.ValueType, labels ...string) {
		c.descs[subsystem+"_"+name] = desc{
			d:   prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil),
			typ: typ,
		}
	}
	counter, gauge := prometheus.CounterValue, prometheus.GaugeValue

	add("metrics", "points_collected_total", "Metric points accepted.", counter)
	add("metrics", "points_rejected_total", "Metric points rejected as invalid.", counter)
	add("metrics", "points_evicted_total", "Metric points evicted by the ring buffer.", counter)
	add("metrics", "points_buffered", "Metric points currently buffered.", gauge)
	add("metrics", "collection_errors_total", "Metric source collection failures.", counter)
	add("metrics", "latest_value", "Most recent value of each metric series.", gauge, "metric", "service", "role")

	add("health", "checks_registered", "Registered health checks.", gauge)
	add("health", "checks_executed_total", "Health check executions.", counter)
	add("health", "checks_failed_total", "Health check executions that did not pass.", counter)
	add("health", "checks_timed_out_total", "Health check executions that timed out.", counter)
	add("health", "service_score", "Service health score from 0 to 100.", gauge, "service", "role")
	add("health", "service_healthy", "1 when the service status is healthy.", gauge, "service", "role")

	add("alerts", "triggered_total", "Alerts created.", counter)
	add("alerts", "active", "Alerts not yet resolved or expired.", gauge)
	add("alerts", "escalations_total", "Escalation steps taken.", counter)
	add("alerts", "notifications_sent_total", "Successful notification attempts.", counter)
	add("alerts", "notifications_failed_total", "Failed notification attempts.", counter)
	add("alerts", "queue_dropped_total", "Dispatch items dropped on queue overflow.", counter)

	add("traces", "spans_started_total", "Spans started.", counter)
	add("traces", "spans_dropped_total", "Spans dropped by sampling.", counter)
	add("traces", "spans_evicted_total", "Completed spans evicted by the ring buffer.", counter)
	add("traces", "active_spans", "Spans in flight.", gauge)
	add("traces", "traces_stored", "Assembled traces held in memory.", gauge)
	add("traces", "queue_dropped_total", "Span finishes dropped on queue overflow.", counter)

	add("logs", "ingested_total", "Log entries ingested, by level.", counter, "level")
	add("logs", "parse_failures_total", "Raw log lines that failed to parse.", counter)
	add("logs", "pattern_matches_total", "Pattern matches recorded.", counter)
	add("logs", "buffered", "Log entries currently buffered.", gauge)
	add("logs", "queue_dropped_total", "Log entries skipped on queue overflow.", counter)
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d.d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	emit := func(key string, v float64, labels ...string) {
		d := c.descs[key]
		ch <- prometheus.MustNewConstMetric(d.d, d.typ, v, labels...)
	}

	if m := c.src.Metrics; m != nil {
		s := m.Stats()
		emit("metrics_points_collected_total", float64(s.TotalCollected))
		emit("metrics_points_rejected_total", float64(s.Rejected))
		emit("metrics_points_evicted_total", float64(s.Evicted))
		emit("metrics_points_buffered", float64(s.Buffered))
		emit("metrics_collection_errors_total", float64(s.CollectionErrors))
		for _, p := range m.LatestValues() {
			emit("metrics_latest_value", p.Value, p.Name, p.ServiceName, string(p.ServiceRole))
		}
	}

	if h := c.src.Health; h != nil {
		s := h.Stats()
		emit("health_checks_registered", float64(s.RegisteredChecks))
		emit("health_checks_executed_total", float64(s.TotalExecuted))
		emit("health_checks_failed_total", float64(s.TotalFailed))
		emit("health_checks_timed_out_total", float64(s.TotalTimeouts))
		for _, sh := range h.ServiceHealths() {
			healthy := 0.0
			if sh.OverallStatus == models.HealthHealthy {
				healthy = 1
			}
			emit("health_service_score", sh.HealthScore, sh.ServiceName, string(sh.ServiceRole))
			emit("health_service_healthy", healthy, sh.ServiceName, string(sh.ServiceRole))
		}
	}

	if a := c.src.Alerts; a != nil {
		s := a.Stats()
		emit("alerts_triggered_total", float64(s.Triggered))
		emit("alerts_active", float64(s.Active))
		emit("alerts_escalations_total", float64(s.Escalations))
		emit("alerts_notifications_sent_total", float64(s.NotificationsSent))
		emit("alerts_notifications_failed_total", float64(s.NotificationsFailed))
		emit("alerts_queue_dropped_total", float64(s.QueueDropped))
	}

	if t := c.src.Traces; t != nil {
		s := t.Stats()
		emit("traces_spans_started_total", float64(s.SpansStarted))
		emit("traces_spans_dropped_total", float64(s.SpansDropped))
		emit("traces_spans_evicted_total", float64(s.SpansEvicted))
		emit("traces_active_spans", float64(s.ActiveSpans))
		emit("traces_traces_stored", float64(s.Traces))
		emit("traces_queue_dropped_total", float64(s.QueueDropped))
	}

	if l := c.src.Logs; l != nil {
		s := l.Stats()
		for level, n := range l.Totals().ByLevel {
			emit("logs_ingested_total", float64(n), string(level))
		}
		emit("logs_parse_failures_total", float64(s.ParseFailures))
		emit("logs_pattern_matches_total", float64(s.PatternMatches))
		emit("logs_buffered", float64(s.Buffered))
		emit("logs_queue_dropped_total", float64(s.QueueDropped))
	}
}

// NewRegistry returns a registry holding c plus the Go runtime and process
// collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the text exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/valter-silva-au/obscore/internal/alerting"
	"github.com/valter-silva-au/obscore/internal/health"
	"github.com/valter-silva-au/obscore/internal/logs"
	"github.com/valter-silva-au/obscore/internal/metrics"
	"github.com/valter-silva-au/obscore/internal/tracing"
	"github.com/valter-silva-au/obscore/pkg/models"
)

const maxBodyBytes = 10 << 20

// decodeOneOrMany accepts a JSON object or an array of objects.
func decodeOneOrMany[T any](r *http.Request) ([]T, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	if body[0] == '[' {
		var items []T
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("decoding body: %w", err)
		}
		return items, nil
	}
	var item T
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("decoding body: %w", err)
	}
	return []T{item}, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

func queryFloat(r *http.Request, key string, def float64) (float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number", key)
	}
	return f, nil
}

func queryRole(r *http.Request) (models.ServiceRole, error) {
	v := r.URL.Query().Get("role")
	if v == "" {
		return "", nil
	}
	return models.ParseServiceRole(v)
}

// sinceMinutes turns ?minutes=N into a lower time bound; zero means none.
func sinceMinutes(r *http.Request) (time.Time, error) {
	m, err := queryInt(r, "minutes", 0)
	if err != nil || m == 0 {
		return time.Time{}, err
	}
	return time.Now().Add(-time.Duration(m) * time.Minute), nil
}

// Metrics

func (s *Server) handleIngestMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		s.unavailable(w, "metrics")
		return
	}
	points, err := decodeOneOrMany[models.MetricPoint](r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	accepted := 0
	for _, p := range points {
		if s.deps.Metrics.CollectMetricPoint(p) {
			accepted++
		}
	}
	s.respondJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted, "rejected": len(points) - accepted})
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		s.unavailable(w, "metrics")
		return
	}
	q := r.URL.Query()
	name := q.Get("name")
	if name == "" {
		s.respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	role, err := queryRole(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	query := metrics.AggregateQuery{Name: name, Role: role, ServiceNames: q["service"]}
	for _, m := range q["method"] {
		method, err := models.ParseAggregationMethod(m)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		query.Methods = append(query.Methods, method)
	}
	minutes, err := queryInt(r, "minutes", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if minutes > 0 {
		now := time.Now()
		query.TimeRange = &models.TimeRange{Start: now.Add(-time.Duration(minutes) * time.Minute), End: now}
	}
	s.respondJSON(w, http.StatusOK, s.deps.Metrics.AggregateMetrics(query))
}

func (s *Server) handleLatestMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Metrics == nil {
		s.unavailable(w, "metrics")
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Metrics.LatestValues())
}

func (s *Server) handleMetricTrend(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		s.unavailable(w, "metrics")
		return
	}
	days, err := queryInt(r, "days", 7)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	role, err := queryRole(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Metrics.AnalyzeMetricTrends(mux.Vars(r)["name"], days, role))
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		s.unavailable(w, "metrics")
		return
	}
	multiplier, err := queryFloat(r, "multiplier", 2)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	minutes, err := queryInt(r, "minutes", 60)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Metrics.DetectAnomalies(mux.Vars(r)["name"], multiplier, time.Duration(minutes)*time.Minute))
}

func (s *Server) handleServiceMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		s.unavailable(w, "metrics")
		return
	}
	hours, err := queryInt(r, "hours", 24)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Metrics.GetServiceMetrics(mux.Vars(r)["service"], hours, r.URL.Query()["name"]))
}

// Health

func (s *Server) handlePlatformHealth(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Health == nil {
		s.unavailable(w, "health")
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Health.GetPlatformHealthOverview())
}

func (s *Server) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		s.unavailable(w, "health")
		return
	}
	service := mux.Vars(r)["service"]
	sh, ok := s.deps.Health.GetServiceHealth(service)
	if !ok {
		s.respondError(w, http.StatusNotFound, "no health data for service "+service)
		return
	}
	s.respondJSON(w, http.StatusOK, sh)
}

func (s *Server) handleListChecks(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Health == nil {
		s.unavailable(w, "health")
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Health.Checks())
}

func (s *Server) handleRunCheck(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		s.unavailable(w, "health")
		return
	}
	res, err := s.deps.Health.ExecuteHealthCheck(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, health.ErrCheckNotFound) {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealthResults(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		s.unavailable(w, "health")
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	s.respondJSON(w, http.StatusOK, s.deps.Health.GetResults(health.ResultFilter{
		CheckID:     q.Get("check_id"),
		ServiceName: q.Get("service"),
		Status:      models.HealthStatus(q.Get("status")),
		Limit:       limit,
	}))
}

// Logs

func (s *Server) handleIngestLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		s.unavailable(w, "logs")
		return
	}
	entries, err := decodeOneOrMany[models.LogEntry](r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string][]string{"log_ids": s.deps.Logs.IngestLogBatch(entries)})
}

// handleIngestRawLogs ingests the body line by line in the format given by
// ?format= (plain by default).
func (s *Server) handleIngestRawLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		s.unavailable(w, "logs")
		return
	}
	q := r.URL.Query()
	service := q.Get("service")
	role, err := queryRole(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	format := models.LogFormat(strings.ToLower(q.Get("format")))
	switch format {
	case "":
		format = models.FormatPlain
	case models.FormatJSON, models.FormatStructured, models.FormatPlain:
	default:
		s.respondError(w, http.StatusBadRequest, "format must be json, structured or plain")
		return
	}

	ids := []string{}
	sc := bufio.NewScanner(io.LimitReader(r.Body, maxBodyBytes))
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		if id := s.deps.Logs.IngestRawLog(strings.TrimRight(sc.Text(), "\r"), service, role, format); id != "" {
			ids = append(ids, id)
		}
	}
	if err := sc.Err(); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("reading body: %v", err))
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string][]string{"log_ids": ids})
}

func logFilter(r *http.Request) (logs.LogFilter, error) {
	q := r.URL.Query()
	f := logs.LogFilter{
		ServiceName: q.Get("service"),
		TraceID:     q.Get("trace_id"),
		RequestID:   q.Get("request_id"),
		UserID:      q.Get("user_id"),
	}
	var err error
	if f.ServiceRole, err = queryRole(r); err != nil {
		return f, err
	}
	for _, l := range q["level"] {
		level, err := models.ParseLogLevel(l)
		if err != nil {
			return f, err
		}
		f.Levels = append(f.Levels, level)
	}
	if v := q.Get("min_level"); v != "" {
		if f.MinLevel, err = models.ParseLogLevel(v); err != nil {
			return f, err
		}
	}
	if f.Since, err = sinceMinutes(r); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(r, "limit", 100); err != nil {
		return f, err
	}
	return f, nil
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		s.unavailable(w, "logs")
		return
	}
	f, err := logFilter(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Logs.GetLogs(f))
}

func (s *Server) handleSearchLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		s.unavailable(w, "logs")
		return
	}
	f, err := logFilter(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Logs.SearchLogs(r.URL.Query().Get("q"), f))
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		s.unavailable(w, "logs")
		return
	}
	e, err := s.deps.Logs.GetLog(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, e)
}

func (s *Server) handleLogStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		s.unavailable(w, "logs")
		return
	}
	hours, err := queryInt(r, "hours", 24)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Logs.GetLogStatistics(hours))
}

func (s *Server) handleErrorPatterns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		s.unavailable(w, "logs")
		return
	}
	hours, err := queryInt(r, "hours", 24)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Logs.AnalyzeErrorPatterns(hours))
}

func (s *Server) handleLogSummary(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		s.unavailable(w, "logs")
		return
	}
	hours, err := queryInt(r, "hours", 24)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Logs.GetServiceLogSummary(mux.Vars(r)["service"], hours))
}

// Traces

func (s *Server) handleGetTraces(w http.ResponseWriter, r *http.Request) {
	if s.deps.Traces == nil {
		s.unavailable(w, "tracing")
		return
	}
	q := r.URL.Query()
	minDuration, err := queryFloat(r, "min_duration_ms", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	since, err := sinceMinutes(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Traces.GetTraces(tracing.TraceFilter{
		ServiceName:   q.Get("service"),
		Operation:     q.Get("operation"),
		MinDurationMs: minDuration,
		ErrorsOnly:    q.Get("errors") == "true",
		Since:         since,
		Limit:         limit,
	}))
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	if s.deps.Traces == nil {
		s.unavailable(w, "tracing")
		return
	}
	t, err := s.deps.Traces.GetTrace(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, t)
}

func (s *Server) hoursQuery(w http.ResponseWriter, r *http.Request, fn func(hours int) any) {
	if s.deps.Traces == nil {
		s.unavailable(w, "tracing")
		return
	}
	hours, err := queryInt(r, "hours", 24)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, fn(hours))
}

func (s *Server) handleDependencies(w http.ResponseWriter, r *http.Request) {
	s.hoursQuery(w, r, func(h int) any { return s.deps.Traces.GetServiceDependencies(h) })
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	s.hoursQuery(w, r, func(h int) any { return s.deps.Traces.GetOperationPerformance(h) })
}

func (s *Server) handleTraceErrors(w http.ResponseWriter, r *http.Request) {
	s.hoursQuery(w, r, func(h int) any { return s.deps.Traces.GetErrorAnalysis(h) })
}

// Alerts

func (s *Server) handleTriggerAlert(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		s.unavailable(w, "alerting")
		return
	}
	var p models.AlertPayload
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&p); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("decoding body: %v", err))
		return
	}
	if p.ServiceName == "" {
		s.respondError(w, http.StatusBadRequest, "service_name is required")
		return
	}
	if p.Severity != "" {
		if _, err := models.ParseSeverity(string(p.Severity)); err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	alert, ok := s.deps.Alerts.TriggerAlert(p)
	if !ok {
		s.respondJSON(w, http.StatusOK, map[string]bool{"triggered": false})
		return
	}
	s.respondJSON(w, http.StatusCreated, alert)
}

func (s *Server) handleGetAlerts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		s.unavailable(w, "alerting")
		return
	}
	q := r.URL.Query()
	f := alerting.AlertFilter{ServiceName: q.Get("service")}
	for _, st := range q["status"] {
		f.Statuses = append(f.Statuses, models.AlertStatus(st))
	}
	if v := q.Get("severity"); v != "" {
		sev, err := models.ParseSeverity(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Severity = sev
	}
	var err error
	if f.ServiceRole, err = queryRole(r); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Limit, err = queryInt(r, "limit", 100); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Alerts.GetAlerts(f))
}

func (s *Server) handleAlertSummary(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Alerts == nil {
		s.unavailable(w, "alerting")
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Alerts.Summary())
}

func (s *Server) handleAlertTrends(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		s.unavailable(w, "alerting")
		return
	}
	days, err := queryInt(r, "days", 7)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Alerts.Trends(days))
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		s.unavailable(w, "alerting")
		return
	}
	a, err := s.deps.Alerts.GetAlert(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, a)
}

type actionRequest struct {
	By      string `json:"by"`
	Minutes int    `json:"minutes"`
}

func (s *Server) handleAlertAction(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		s.unavailable(w, "alerting")
		return
	}
	var req actionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("decoding body: %v", err))
			return
		}
	}
	if req.By == "" {
		req.By = "api"
	}

	vars := mux.Vars(r)
	id := vars["id"]
	var (
		alert models.Alert
		err   error
	)
	switch vars["action"] {
	case "acknowledge":
		alert, err = s.deps.Alerts.AcknowledgeAlert(id, req.By)
	case "investigate":
		alert, err = s.deps.Alerts.StartInvestigation(id, req.By)
	case "resolve":
		alert, err = s.deps.Alerts.ResolveAlert(id, req.By)
	case "suppress":
		if req.Minutes <= 0 {
			s.respondError(w, http.StatusBadRequest, "minutes must be positive")
			return
		}
		alert, err = s.deps.Alerts.SuppressAlert(id, time.Duration(req.Minutes)*time.Minute, req.By)
	}
	switch {
	case errors.Is(err, alerting.ErrAlertNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, alerting.ErrInvalidTransition):
		s.respondError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	default:
		s.respondJSON(w, http.StatusOK, alert)
	}
}

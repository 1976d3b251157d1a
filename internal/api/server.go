// Package api exposes ingestion and query endpoints for every engine over
// HTTP, plus a websocket tail of ingested logs.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/valter-silva-au/obscore/internal/alerting"
	"github.com/valter-silva-au/obscore/internal/health"
	"github.com/valter-silva-au/obscore/internal/logging"
	"github.com/valter-silva-au/obscore/internal/logs"
	"github.com/valter-silva-au/obscore/internal/metrics"
	"github.com/valter-silva-au/obscore/internal/tracing"
	"github.com/valter-silva-au/obscore/pkg/models"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// selfService names the API itself in its own spans and request metrics.
const selfService = "obscore-api"

// Deps are the engines the API serves. Any may be nil, in which case its
// routes answer 503.
type Deps struct {
	Metrics *metrics.Aggregator
	Health  *health.Orchestrator
	Alerts  *alerting.Manager
	Traces  *tracing.Collector
	Logs    *logs.Aggregator
	// Exposition is mounted at /metrics when set.
	Exposition http.Handler
}

// Server routes HTTP requests to the engines.
type Server struct {
	cfg    models.ServerConfig
	deps   Deps
	router *mux.Router
	logger *zap.Logger
	srv    *http.Server
	addr   string
}

// NewServer builds the router. logger may be nil.
func NewServer(cfg models.ServerConfig, deps Deps, logger *zap.Logger) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: mux.NewRouter(),
		logger: logging.OrNop(logger).Named("api"),
	}
	s.setupRoutes()
	s.router.Use(s.tracingMiddleware, s.loggingMiddleware, s.recoveryMiddleware)
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleLiveness).Methods(http.MethodGet)
	if s.deps.Exposition != nil {
		s.router.Handle("/metrics", s.deps.Exposition).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/metrics", s.handleIngestMetrics).Methods(http.MethodPost)
	v1.HandleFunc("/metrics/aggregate", s.handleAggregate).Methods(http.MethodGet)
	v1.HandleFunc("/metrics/latest", s.handleLatestMetrics).Methods(http.MethodGet)
	v1.HandleFunc("/metrics/{name}/trend", s.handleMetricTrend).Methods(http.MethodGet)
	v1.HandleFunc("/metrics/{name}/anomalies", s.handleAnomalies).Methods(http.MethodGet)
	v1.HandleFunc("/services/{service}/metrics", s.handleServiceMetrics).Methods(http.MethodGet)

	v1.HandleFunc("/health", s.handlePlatformHealth).Methods(http.MethodGet)
	v1.HandleFunc("/health/services/{service}", s.handleServiceHealth).Methods(http.MethodGet)
	v1.HandleFunc("/health/checks", s.handleListChecks).Methods(http.MethodGet)
	v1.HandleFunc("/health/checks/{id}/run", s.handleRunCheck).Methods(http.MethodPost)
	v1.HandleFunc("/health/results", s.handleHealthResults).Methods(http.MethodGet)

	v1.HandleFunc("/logs", s.handleIngestLogs).Methods(http.MethodPost)
	v1.HandleFunc("/logs/raw", s.handleIngestRawLogs).Methods(http.MethodPost)
	v1.HandleFunc("/logs", s.handleGetLogs).Methods(http.MethodGet)
	v1.HandleFunc("/logs/search", s.handleSearchLogs).Methods(http.MethodGet)
	v1.HandleFunc("/logs/stats", s.handleLogStats).Methods(http.MethodGet)
	v1.HandleFunc("/logs/patterns", s.handleErrorPatterns).Methods(http.MethodGet)
	v1.HandleFunc("/logs/tail", s.handleTail).Methods(http.MethodGet)
	v1.HandleFunc("/logs/{id}", s.handleGetLog).Methods(http.MethodGet)
	v1.HandleFunc("/services/{service}/logs/summary", s.handleLogSummary).Methods(http.MethodGet)

	v1.HandleFunc("/traces", s.handleGetTraces).Methods(http.MethodGet)
	v1.HandleFunc("/traces/dependencies", s.handleDependencies).Methods(http.MethodGet)
	v1.HandleFunc("/traces/operations", s.handleOperations).Methods(http.MethodGet)
	v1.HandleFunc("/traces/errors", s.handleTraceErrors).Methods(http.MethodGet)
	v1.HandleFunc("/traces/{id}", s.handleGetTrace).Methods(http.MethodGet)

	v1.HandleFunc("/alerts", s.handleTriggerAlert).Methods(http.MethodPost)
	v1.HandleFunc("/alerts", s.handleGetAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/summary", s.handleAlertSummary).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/trends", s.handleAlertTrends).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id}", s.handleGetAlert).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id}/{action:acknowledge|investigate|resolve|suppress}", s.handleAlertAction).Methods(http.MethodPost)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.ListenAddr, err)
	}
	s.srv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.addr = ln.Addr().String()
	s.logger.Info("api server listening", zap.String("addr", s.addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server stopped unexpectedly", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound listen address once Start has returned.
func (s *Server) Addr() string {
	return s.addr
}

// Stop shuts the server down, waiting up to five seconds for requests.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down api server: %w", err)
	}
	s.logger.Info("api server stopped")
	return nil
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusRecorder captures the response code. It passes Hijack through so
// websocket upgrades work behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.logger.Error("handler panicked",
					zap.String("path", r.URL.Path),
					zap.Any("panic", v),
				)
				s.respondError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// tracingMiddleware continues the caller's trace from the request headers,
// wraps the request in a server span and returns the span context in the
// response headers.
func (s *Server) tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Traces == nil {
			next.ServeHTTP(w, r)
			return
		}
		route := routeName(r)
		ctx := tracing.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, spanID := s.deps.Traces.StartSpan(ctx, r.Method+" "+route, selfService, models.RoleCorePlatform, tracing.StartOptions{
			Kind: models.SpanServer,
			Tags: map[string]string{"http.method": r.Method, "http.route": route},
		})
		tracing.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		errMsg := ""
		if rec.status >= http.StatusInternalServerError {
			errMsg = http.StatusText(rec.status)
		}
		s.deps.Traces.FinishSpan(spanID, "", errMsg, map[string]string{"http.status_code": strconv.Itoa(rec.status)})
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		s.logger.Debug("request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", elapsed),
		)
		if s.deps.Metrics != nil {
			s.deps.Metrics.Record("http_request_duration_ms", float64(elapsed)/float64(time.Millisecond),
				models.RoleCorePlatform, selfService, models.MetricTimer,
				map[string]string{"route": routeName(r), "method": r.Method, "status": strconv.Itoa(rec.status)})
		}
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) unavailable(w http.ResponseWriter, engine string) {
	s.respondError(w, http.StatusServiceUnavailable, engine+" is not enabled")
}

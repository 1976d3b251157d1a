// Package metrics implements the in-memory metrics aggregator: a bounded
// store of raw metric points from many services with on-demand aggregation,
// trend and anomaly queries.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valter-silva-au/obscore/internal/clock"
	"github.com/valter-silva-au/obscore/internal/lifecycle"
	"github.com/valter-silva-au/obscore/internal/logging"
	"github.com/valter-silva-au/obscore/internal/ringbuf"
	"github.com/valter-silva-au/obscore/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidSource is returned when a metric source cannot be registered.
var ErrInvalidSource = errors.New("invalid metric source")

// Sample is one value reported by a Collector. The owning source supplies
// role and service name.
type Sample struct {
	Name     string
	Value    float64
	Type     models.MetricType
	Tags     map[string]string
	Metadata map[string]any
}

// Collector pulls samples from a metric source.
type Collector interface {
	CollectMetrics(ctx context.Context) ([]Sample, error)
}

// CollectorFunc adapts a function to the Collector interface.
type CollectorFunc func(ctx context.Context) ([]Sample, error)

// CollectMetrics calls f.
func (f CollectorFunc) CollectMetrics(ctx context.Context) ([]Sample, error) {
	return f(ctx)
}

// Handler is invoked synchronously for every stored point.
type Handler func(models.MetricPoint)

// SourceStatus describes a registered metric source.
type SourceStatus struct {
	Name             string             `json:"name"`
	ServiceRole      models.ServiceRole `json:"service_role"`
	ServiceName      string             `json:"service_name"`
	IntervalSeconds  int                `json:"interval_seconds"`
	HasCollector     bool               `json:"has_collector"`
	LastCollected    time.Time          `json:"last_collected"`
	MetricsCollected int64              `json:"metrics_collected"`
	Failures         int64              `json:"failures"`
	LastError        string             `json:"last_error,omitempty"`
}

type source struct {
	status    SourceStatus
	collector Collector
	interval  time.Duration
}

// Stats are the aggregator's self-counters.
type Stats struct {
	TotalCollected   int64 `json:"total_collected"`
	Rejected         int64 `json:"rejected"`
	Evicted          int64 `json:"evicted"`
	Buffered         int   `json:"buffered"`
	Sources          int   `json:"sources"`
	CollectionErrors int64 `json:"collection_errors"`
	HandlerPanics    int64 `json:"handler_panics"`
	CacheHits        int64 `json:"cache_hits"`
	CacheMisses      int64 `json:"cache_misses"`
}

// Aggregator stores metric points and answers aggregation queries.
type Aggregator struct {
	cfg    models.MetricsConfig
	logger *zap.Logger
	clock  clock.Clock
	group  *lifecycle.Group

	mu       sync.RWMutex
	points   *ringbuf.Buffer[models.MetricPoint]
	sources  map[string]*source
	handlers []Handler

	cacheMu  sync.Mutex
	cache    map[string]map[string]cacheEntry // metric name -> key -> entry
	cacheGen map[string]uint64                // metric name -> invalidation count

	// afterScan runs between reading points and caching the result. Tests
	// use it to interleave collection with aggregation.
	afterScan func()

	collected        atomic.Int64
	rejected         atomic.Int64
	collectionErrors atomic.Int64
	handlerPanics    atomic.Int64
	cacheHits        atomic.Int64
	cacheMisses      atomic.Int64
}

// NewAggregator creates an Aggregator. logger and clk may be nil.
func NewAggregator(cfg models.MetricsConfig, logger *zap.Logger, clk clock.Clock) *Aggregator {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100000
	}
	if cfg.RetentionHours <= 0 {
		cfg.RetentionHours = 168
	}
	if cfg.CollectConcurrency <= 0 {
		cfg.CollectConcurrency = 10
	}
	return &Aggregator{
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("metrics"),
		clock:   clock.OrReal(clk),
		group:   lifecycle.NewGroup("metrics aggregator"),
		points:  ringbuf.New[models.MetricPoint](cfg.BufferSize),
		sources: make(map[string]*source),
		cache:    make(map[string]map[string]cacheEntry),
		cacheGen: make(map[string]uint64),
	}
}

// Start launches the collection and retention loops.
func (a *Aggregator) Start(ctx context.Context) error {
	err := a.group.Start(ctx,
		func(ctx context.Context) {
			lifecycle.Every(ctx, seconds(a.cfg.CollectionIntervalSeconds, 60), a.logger, "metric collection", func(ctx context.Context) {
				a.collect(ctx, false)
			})
		},
		func(ctx context.Context) {
			lifecycle.Every(ctx, seconds(a.cfg.CleanupIntervalSeconds, 3600), a.logger, "metric cleanup", func(context.Context) {
				a.CleanupOldData()
			})
		},
	)
	if err != nil {
		return err
	}
	a.logger.Info("metrics aggregator started", zap.Int("buffer_size", a.cfg.BufferSize))
	return nil
}

// Stop cancels the background loops.
func (a *Aggregator) Stop() error {
	if err := a.group.Stop(); err != nil {
		return err
	}
	a.logger.Info("metrics aggregator stopped")
	return nil
}

// RegisterMetricSource adds or replaces a source. collector may be nil for
// push-only sources. Re-registering a name updates it in place.
func (a *Aggregator) RegisterMetricSource(name string, role models.ServiceRole, serviceName string, collector Collector, interval time.Duration) error {
	if name == "" {
		a.logger.Error("metric source registration failed", zap.Error(ErrInvalidSource))
		return fmt.Errorf("%w: name is required", ErrInvalidSource)
	}
	if _, err := models.ParseServiceRole(string(role)); err != nil {
		a.logger.Error("metric source registration failed", zap.String("source", name), zap.Error(err))
		return fmt.Errorf("%w: %s", ErrInvalidSource, err)
	}
	if interval <= 0 {
		interval = seconds(a.cfg.CollectionIntervalSeconds, 60)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	src, ok := a.sources[name]
	if !ok {
		src = &source{}
		a.sources[name] = src
	}
	src.collector = collector
	src.interval = interval
	src.status.Name = name
	src.status.ServiceRole = role
	src.status.ServiceName = serviceName
	src.status.IntervalSeconds = int(interval / time.Second)
	src.status.HasCollector = collector != nil
	a.logger.Debug("metric source registered", zap.String("source", name), zap.Bool("update", ok))
	return nil
}

// UnregisterMetricSource removes a source. It reports whether it existed.
func (a *Aggregator) UnregisterMetricSource(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.sources[name]
	delete(a.sources, name)
	return ok
}

// Sources returns the status of every registered source sorted by name.
func (a *Aggregator) Sources() []SourceStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]SourceStatus, 0, len(a.sources))
	for _, s := range a.sources {
		out = append(out, s.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddHandler registers a handler called for every stored point.
func (a *Aggregator) AddHandler(h Handler) {
	a.mu.Lock()
	a.handlers = append(a.handlers, h)
	a.mu.Unlock()
}

// CollectMetricPoint stores p. A zero timestamp is set to now. Invalid points
// (empty name, NaN or infinite value) are counted and dropped; the return
// value reports whether the point was stored.
func (a *Aggregator) CollectMetricPoint(p models.MetricPoint) bool {
	if p.Name == "" || math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
		a.rejected.Add(1)
		a.logger.Warn("rejected metric point", zap.String("name", p.Name), zap.Float64("value", p.Value))
		return false
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = a.clock.Now()
	}
	if p.MetricType == "" {
		p.MetricType = models.MetricGauge
	}

	a.mu.Lock()
	a.points.Push(p)
	handlers := a.handlers
	a.mu.Unlock()

	a.collected.Add(1)
	a.invalidate(p.Name)

	for _, h := range handlers {
		if lifecycle.SafeCall(a.logger, "metric handler", func() { h(p) }) {
			a.handlerPanics.Add(1)
		}
	}
	return true
}

// Record is shorthand for CollectMetricPoint with the common fields.
func (a *Aggregator) Record(name string, value float64, role models.ServiceRole, serviceName string, typ models.MetricType, tags map[string]string) bool {
	return a.CollectMetricPoint(models.MetricPoint{
		Name:        name,
		Value:       value,
		ServiceRole: role,
		ServiceName: serviceName,
		MetricType:  typ,
		Tags:        tags,
	})
}

// CollectFromAllSources polls every source with a collector, bounded by
// collect_concurrency, and returns the number of points stored per source.
// A failing source records zero and does not affect the others.
func (a *Aggregator) CollectFromAllSources(ctx context.Context) map[string]int {
	return a.collect(ctx, true)
}

func (a *Aggregator) collect(ctx context.Context, force bool) map[string]int {
	now := a.clock.Now()

	a.mu.RLock()
	due := make(map[string]*source)
	for name, s := range a.sources {
		if s.collector == nil {
			continue
		}
		if !force && !s.status.LastCollected.IsZero() && now.Sub(s.status.LastCollected) < s.interval {
			continue
		}
		due[name] = s
	}
	a.mu.RUnlock()

	results := make(map[string]int, len(due))
	var resultsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.CollectConcurrency)
	for name, s := range due {
		g.Go(func() error {
			n, err := a.collectSource(gctx, s)
			resultsMu.Lock()
			results[name] = n
			resultsMu.Unlock()
			if err != nil {
				a.collectionErrors.Add(1)
				a.logger.Warn("metric source collection failed", zap.String("source", name), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (a *Aggregator) collectSource(ctx context.Context, s *source) (stored int, err error) {
	a.mu.RLock()
	collector := s.collector
	role := s.status.ServiceRole
	service := s.status.ServiceName
	name := s.status.Name
	a.mu.RUnlock()

	var samples []Sample
	if lifecycle.SafeCall(a.logger, "metric collector "+name, func() {
		samples, err = collector.CollectMetrics(ctx)
	}) {
		err = fmt.Errorf("collector panicked")
	}

	if err == nil {
		for _, smp := range samples {
			if a.CollectMetricPoint(models.MetricPoint{
				Name:        smp.Name,
				Value:       smp.Value,
				ServiceRole: role,
				ServiceName: service,
				MetricType:  smp.Type,
				Tags:        smp.Tags,
				Metadata:    smp.Metadata,
			}) {
				stored++
			}
		}
	}

	a.mu.Lock()
	s.status.LastCollected = a.clock.Now()
	s.status.MetricsCollected += int64(stored)
	if err != nil {
		s.status.Failures++
		s.status.LastError = err.Error()
	} else {
		s.status.LastError = ""
	}
	a.mu.Unlock()
	return stored, err
}

// CleanupOldData drops points and cached aggregates older than the retention
// window and returns the number of points removed.
func (a *Aggregator) CleanupOldData() int {
	cutoff := a.clock.Now().Add(-time.Duration(a.cfg.RetentionHours) * time.Hour)

	a.mu.Lock()
	removed := a.points.Retain(func(p models.MetricPoint) bool {
		return !p.Timestamp.Before(cutoff)
	})
	a.mu.Unlock()

	a.cacheMu.Lock()
	for name, entries := range a.cache {
		for key, e := range entries {
			if e.createdAt.Before(cutoff) || a.clock.Now().Sub(e.createdAt) > a.cacheTTL() {
				delete(entries, key)
			}
		}
		if len(entries) == 0 {
			delete(a.cache, name)
		}
	}
	a.cacheMu.Unlock()

	if removed > 0 {
		a.logger.Info("purged expired metric points", zap.Int("removed", removed))
	}
	return removed
}

// Stats returns a snapshot of the self-counters.
func (a *Aggregator) Stats() Stats {
	a.mu.RLock()
	buffered := a.points.Len()
	evicted := a.points.Evicted()
	sources := len(a.sources)
	a.mu.RUnlock()
	return Stats{
		TotalCollected:   a.collected.Load(),
		Rejected:         a.rejected.Load(),
		Evicted:          evicted,
		Buffered:         buffered,
		Sources:          sources,
		CollectionErrors: a.collectionErrors.Load(),
		HandlerPanics:    a.handlerPanics.Load(),
		CacheHits:        a.cacheHits.Load(),
		CacheMisses:      a.cacheMisses.Load(),
	}
}

// LatestValues returns the most recent point of every
// (name, role, service) series, sorted by name then service.
func (a *Aggregator) LatestValues() []models.MetricPoint {
	type seriesKey struct {
		name    string
		role    models.ServiceRole
		service string
	}
	latest := make(map[seriesKey]models.MetricPoint)

	a.mu.RLock()
	a.points.Each(func(p models.MetricPoint) bool {
		k := seriesKey{p.Name, p.ServiceRole, p.ServiceName}
		if cur, ok := latest[k]; !ok || !p.Timestamp.Before(cur.Timestamp) {
			latest[k] = p
		}
		return true
	})
	a.mu.RUnlock()

	out := make([]models.MetricPoint, 0, len(latest))
	for _, p := range latest {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		if out[i].ServiceName != out[j].ServiceName {
			return out[i].ServiceName < out[j].ServiceName
		}
		return out[i].ServiceRole < out[j].ServiceRole
	})
	return out
}

func seconds(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}

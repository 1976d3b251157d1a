// Package alerting turns failure events into deduplicated, correlated alerts
// with a guarded lifecycle, timed escalation and notification dispatch.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/valter-silva-au/obscore/internal/clock"
	"github.com/valter-silva-au/obscore/internal/lifecycle"
	"github.com/valter-silva-au/obscore/internal/logging"
	"github.com/valter-silva-au/obscore/internal/ringbuf"
	"github.com/valter-silva-au/obscore/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrInvalidRule is returned when a rule or policy cannot be registered.
var ErrInvalidRule = errors.New("invalid alert rule")

// Handler is called synchronously for every newly stored alert.
type Handler func(alert models.Alert)

// Stats are the manager's self-counters.
type Stats struct {
	Stored              int   `json:"stored"`
	Active              int   `json:"active"`
	Triggered           int64 `json:"triggered"`
	Unmatched           int64 `json:"unmatched"`
	CooldownSuppressed  int64 `json:"cooldown_suppressed"`
	Resolved            int64 `json:"resolved"`
	Escalations         int64 `json:"escalations"`
	Expired             int64 `json:"expired"`
	NotificationsSent   int64 `json:"notifications_sent"`
	NotificationsFailed int64 `json:"notifications_failed"`
	QueueDepth          int   `json:"queue_depth"`
	QueueDropped        int64 `json:"queue_dropped"`
}

type dispatchItem struct {
	alertID  string
	channels []string
	kind     string
	level    models.EscalationLevel
}

// Manager stores rules and alerts and drives their lifecycle.
type Manager struct {
	cfg    models.AlertingConfig
	logger *zap.Logger
	clock  clock.Clock
	group  *lifecycle.Group
	queue  *ringbuf.Queue[dispatchItem]

	mu              sync.RWMutex
	rules           map[string]models.AlertRule
	policies        map[string]models.EscalationPolicy
	lastFired       map[string]time.Time
	alerts          map[string]*models.Alert
	handlers        []Handler
	journal         Journal
	resolvedCount   int64
	avgResolutionMs float64

	chanMu   sync.RWMutex
	channels map[string]Channel
	limiters map[string]*rate.Limiter

	triggered          atomic.Int64
	unmatched          atomic.Int64
	cooldownSuppressed atomic.Int64
	escalations        atomic.Int64
	expired            atomic.Int64
	notifySent         atomic.Int64
	notifyFailed       atomic.Int64
}

// NewManager creates a Manager with the log channel registered. logger and
// clk may be nil.
func NewManager(cfg models.AlertingConfig, logger *zap.Logger, clk clock.Clock) *Manager {
	if cfg.DefaultCooldownMinutes <= 0 {
		cfg.DefaultCooldownMinutes = 15
	}
	if cfg.CorrelationWindowMinutes <= 0 {
		cfg.CorrelationWindowMinutes = 30
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.NotificationTimeoutSeconds <= 0 {
		cfg.NotificationTimeoutSeconds = 10
	}
	m := &Manager{
		cfg:       cfg,
		logger:    logging.OrNop(logger).Named("alerting"),
		clock:     clock.OrReal(clk),
		group:     lifecycle.NewGroup("alert manager"),
		rules:     make(map[string]models.AlertRule),
		policies:  make(map[string]models.EscalationPolicy),
		lastFired: make(map[string]time.Time),
		alerts:    make(map[string]*models.Alert),
		channels:  make(map[string]Channel),
		limiters:  make(map[string]*rate.Limiter),
	}
	m.queue = ringbuf.NewQueue[dispatchItem](cfg.QueueSize, m.onQueueOverflow)
	m.RegisterChannel("log", NewLogChannel(m.logger))
	return m
}

// SetJournal wires an audit journal. Call before Start.
func (m *Manager) SetJournal(j Journal) {
	m.mu.Lock()
	m.journal = j
	m.mu.Unlock()
}

// AddHandler registers a handler called for every new alert.
func (m *Manager) AddHandler(h Handler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

// RegisterChannel adds or replaces a named notification channel with its
// own rate limiter.
func (m *Manager) RegisterChannel(name string, ch Channel) {
	limit := rate.Inf
	burst := 1
	if per := m.cfg.ChannelRatePerMinute; per > 0 {
		limit = rate.Limit(float64(per) / 60)
		burst = per
	}
	m.chanMu.Lock()
	m.channels[name] = ch
	m.limiters[name] = rate.NewLimiter(limit, burst)
	m.chanMu.Unlock()
}

// Channels lists the registered channel names.
func (m *Manager) Channels() []string {
	m.chanMu.RLock()
	defer m.chanMu.RUnlock()
	out := make([]string, 0, len(m.channels))
	for name := range m.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Start launches the dispatch, escalation and retention loops.
func (m *Manager) Start(ctx context.Context) error {
	err := m.group.Start(ctx,
		m.dispatchLoop,
		func(ctx context.Context) {
			lifecycle.Every(ctx, seconds(m.cfg.EscalationIntervalSeconds, 60), m.logger, "alert escalation", func(context.Context) {
				m.RunMaintenance()
				m.RunEscalation()
			})
		},
		func(ctx context.Context) {
			lifecycle.Every(ctx, seconds(m.cfg.CleanupIntervalSeconds, 3600), m.logger, "alert cleanup", func(context.Context) {
				m.CleanupOldData()
			})
		},
	)
	if err != nil {
		return err
	}
	m.logger.Info("alert manager started", zap.Strings("channels", m.Channels()))
	return nil
}

// Stop cancels the loops and delivers any notifications still queued.
func (m *Manager) Stop() error {
	if err := m.group.Stop(); err != nil {
		return err
	}
	if n := m.DispatchPending(context.Background()); n > 0 {
		m.logger.Info("flushed pending notifications", zap.Int("count", n))
	}
	m.logger.Info("alert manager stopped")
	return nil
}

// RegisterEscalationPolicy adds or replaces a policy.
func (m *Manager) RegisterEscalationPolicy(p models.EscalationPolicy) error {
	if p.PolicyID == "" {
		return fmt.Errorf("%w: policy_id is required", ErrInvalidRule)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: policy %q has no steps", ErrInvalidRule, p.PolicyID)
	}
	for _, s := range p.Steps {
		if s.Level < models.EscalationL1 || s.Level > models.EscalationL4 {
			return fmt.Errorf("%w: policy %q: level must be 1-4, got %d", ErrInvalidRule, p.PolicyID, s.Level)
		}
	}
	p.Steps = append([]models.EscalationStep(nil), p.Steps...)
	m.mu.Lock()
	m.policies[p.PolicyID] = p
	m.mu.Unlock()
	return nil
}

// RegisterRule adds or replaces a rule. Its escalation policy, if any, must
// already be registered.
func (m *Manager) RegisterRule(r models.AlertRule) error {
	if r.RuleID == "" {
		return fmt.Errorf("%w: rule_id is required", ErrInvalidRule)
	}
	if r.Severity.Rank() == 0 {
		return fmt.Errorf("%w: rule %q: unknown severity %q", ErrInvalidRule, r.RuleID, r.Severity)
	}
	for _, role := range r.ServiceRoleFilters {
		if _, err := models.ParseServiceRole(string(role)); err != nil {
			return fmt.Errorf("%w: rule %q: %s", ErrInvalidRule, r.RuleID, err)
		}
	}
	if len(r.NotificationChannels) == 0 {
		r.NotificationChannels = []string{"log"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r.EscalationPolicy != "" {
		if _, ok := m.policies[r.EscalationPolicy]; !ok {
			return fmt.Errorf("%w: rule %q: unknown escalation policy %q", ErrInvalidRule, r.RuleID, r.EscalationPolicy)
		}
	}
	m.rules[r.RuleID] = r
	m.logger.Debug("alert rule registered", zap.String("rule_id", r.RuleID), zap.String("severity", string(r.Severity)))
	return nil
}

// RemoveRule deletes a rule. Alerts it already produced are kept.
func (m *Manager) RemoveRule(ruleID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rules[ruleID]
	delete(m.rules, ruleID)
	return ok
}

// Rules returns the registered rules sorted by id.
func (m *Manager) Rules() []models.AlertRule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AlertRule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

// ruleMatches applies a rule's service, role and tag filters to a payload.
// Payload severity and source are visible to tag filters as the "severity"
// and "source" tags unless the payload sets those tags itself.
func ruleMatches(r models.AlertRule, p models.AlertPayload) bool {
	if !r.Enabled {
		return false
	}
	if len(r.ServiceFilters) > 0 && !contains(r.ServiceFilters, p.ServiceName) {
		return false
	}
	if len(r.ServiceRoleFilters) > 0 && !contains(r.ServiceRoleFilters, p.ServiceRole) {
		return false
	}
	for k, want := range r.TagFilters {
		got, ok := p.Tags[k]
		if !ok {
			switch k {
			case "severity":
				got, ok = string(p.Severity), p.Severity != ""
			case "source":
				got, ok = p.Source, p.Source != ""
			}
		}
		if !ok || got != want {
			return false
		}
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// selectRule returns the matching rule with the highest severity; ties go to
// the lowest rule id.
func selectRule(rules map[string]models.AlertRule, p models.AlertPayload) (models.AlertRule, bool) {
	var best models.AlertRule
	found := false
	for _, r := range rules {
		if !ruleMatches(r, p) {
			continue
		}
		if !found || r.Severity.Rank() > best.Severity.Rank() ||
			(r.Severity.Rank() == best.Severity.Rank() && r.RuleID < best.RuleID) {
			best, found = r, true
		}
	}
	return best, found
}

// TriggerAlert matches the payload against the rules and stores a new alert
// unless nothing matches or the winning rule is cooling down. It returns the
// stored alert and whether one was created.
func (m *Manager) TriggerAlert(p models.AlertPayload) (models.Alert, bool) {
	now := m.clock.Now()

	m.mu.Lock()
	rule, ok := selectRule(m.rules, p)
	if !ok {
		m.mu.Unlock()
		m.unmatched.Add(1)
		m.logger.Debug("alert payload matched no rule", zap.String("title", p.Title), zap.String("service", p.ServiceName))
		return models.Alert{}, false
	}

	var cooldown time.Duration
	switch {
	case rule.CooldownMinutes > 0:
		cooldown = time.Duration(rule.CooldownMinutes) * time.Minute
	case rule.CooldownMinutes == 0:
		cooldown = time.Duration(m.cfg.DefaultCooldownMinutes) * time.Minute
	}
	if last, fired := m.lastFired[rule.RuleID]; fired && now.Sub(last) < cooldown {
		m.mu.Unlock()
		m.cooldownSuppressed.Add(1)
		m.logger.Debug("alert suppressed by cooldown", zap.String("rule_id", rule.RuleID))
		return models.Alert{}, false
	}
	m.lastFired[rule.RuleID] = now

	title := p.Title
	if title == "" {
		title = rule.Name
	}
	p.Tags = copyTags(p.Tags)
	a := &models.Alert{
		AlertID:          uuid.NewString(),
		RuleID:           rule.RuleID,
		Title:            title,
		Description:      p.Description,
		Severity:         rule.Severity,
		Status:           models.AlertTriggered,
		Source:           p,
		ServiceName:      p.ServiceName,
		ServiceRole:      p.ServiceRole,
		TriggeredAt:      now,
		EscalationLevel:  models.EscalationL1,
		LastTransitionAt: now,
	}
	a.CorrelationID = m.correlateLocked(a, now)
	m.alerts[a.AlertID] = a
	out := a.Clone()
	handlers := m.handlers
	m.writeJournalLocked(entryFor(a, EventTriggered, "", now))
	m.mu.Unlock()

	m.triggered.Add(1)
	m.logger.Info("alert triggered",
		zap.String("alert_id", out.AlertID),
		zap.String("rule_id", out.RuleID),
		zap.String("severity", string(out.Severity)),
		zap.String("service", out.ServiceName),
		zap.String("correlation_id", out.CorrelationID),
	)

	m.queue.Push(dispatchItem{
		alertID:  out.AlertID,
		channels: rule.NotificationChannels,
		kind:     KindTrigger,
		level:    models.EscalationL1,
	})
	for _, h := range handlers {
		lifecycle.SafeCall(m.logger, "alert handler", func() { h(out) })
	}
	return out, true
}

// correlateLocked returns the correlation id of the most recent open alert
// for the same service within the correlation window, or a fresh id.
func (m *Manager) correlateLocked(a *models.Alert, now time.Time) string {
	window := time.Duration(m.cfg.CorrelationWindowMinutes) * time.Minute
	var best *models.Alert
	for _, other := range m.alerts {
		if other.ServiceName != a.ServiceName || other.Status.IsTerminal() {
			continue
		}
		if now.Sub(other.TriggeredAt) > window {
			continue
		}
		if best == nil || other.TriggeredAt.After(best.TriggeredAt) {
			best = other
		}
	}
	if best != nil {
		return best.CorrelationID
	}
	return uuid.NewString()
}

func copyTags(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m *Manager) writeJournalLocked(e JournalEntry) {
	if m.journal == nil {
		return
	}
	if err := m.journal.Write(e); err != nil {
		m.logger.Warn("writing alert journal", zap.String("alert_id", e.AlertID), zap.Error(err))
	}
}

// transition applies fn to an alert under the lock and journals the result.
func (m *Manager) transition(alertID, event, actor string, fn func(a *models.Alert, now time.Time) error) (models.Alert, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return models.Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	if err := fn(a, now); err != nil {
		return a.Clone(), err
	}
	m.writeJournalLocked(entryFor(a, event, actor, now))
	m.logger.Info("alert transition",
		zap.String("alert_id", alertID),
		zap.String("status", string(a.Status)),
		zap.String("by", actor),
	)
	return a.Clone(), nil
}

// AcknowledgeAlert moves a triggered alert to acknowledged.
func (m *Manager) AcknowledgeAlert(alertID, by string) (models.Alert, error) {
	return m.transition(alertID, EventAcknowledged, by, func(a *models.Alert, now time.Time) error {
		return acknowledge(a, by, now)
	})
}

// StartInvestigation moves an acknowledged alert to investigating.
func (m *Manager) StartInvestigation(alertID, by string) (models.Alert, error) {
	return m.transition(alertID, EventInvestigating, by, func(a *models.Alert, now time.Time) error {
		return investigate(a, by, now)
	})
}

// ResolveAlert resolves any non-terminal alert and updates the running
// average resolution time.
func (m *Manager) ResolveAlert(alertID, by string) (models.Alert, error) {
	return m.transition(alertID, EventResolved, by, func(a *models.Alert, now time.Time) error {
		if err := resolve(a, by, now); err != nil {
			return err
		}
		m.recordResolutionLocked(a, now)
		return nil
	})
}

func (m *Manager) recordResolutionLocked(a *models.Alert, now time.Time) {
	m.resolvedCount++
	ms := float64(now.Sub(a.TriggeredAt).Milliseconds())
	m.avgResolutionMs += (ms - m.avgResolutionMs) / float64(m.resolvedCount)
}

// SuppressAlert silences an active alert for d. When the suppression lapses
// the alert returns to its previous status.
func (m *Manager) SuppressAlert(alertID string, d time.Duration, by string) (models.Alert, error) {
	return m.transition(alertID, EventSuppressed, by, func(a *models.Alert, now time.Time) error {
		return suppress(a, now.Add(d), now)
	})
}

// RunMaintenance lifts lapsed suppressions, auto-resolves alerts whose rule
// asks for it and expires stale active alerts. It returns the number of
// alerts changed.
func (m *Manager) RunMaintenance() int {
	now := m.clock.Now()
	expireAfter := time.Duration(m.cfg.ExpireAfterHours) * time.Hour

	m.mu.Lock()
	defer m.mu.Unlock()
	changed := 0
	for _, a := range m.alerts {
		switch {
		case unsuppressIfDue(a, now):
			m.writeJournalLocked(entryFor(a, EventUnsuppressed, "", now))
			changed++
		case autoResolveIfDue(a, time.Duration(m.rules[a.RuleID].AutoResolveMinutes)*time.Minute, now):
			m.recordResolutionLocked(a, now)
			m.writeJournalLocked(entryFor(a, EventResolved, "auto-resolve", now))
			changed++
		case expireIfStale(a, expireAfter, now):
			m.expired.Add(1)
			m.writeJournalLocked(entryFor(a, EventExpired, "", now))
			changed++
		}
	}
	if changed > 0 {
		m.logger.Info("alert maintenance applied", zap.Int("changed", changed))
	}
	return changed
}

// RunEscalation escalates every alert whose policy step is due and queues
// the step's notifications. It returns the number of escalations.
func (m *Manager) RunEscalation() int {
	now := m.clock.Now()
	var items []dispatchItem

	m.mu.Lock()
	for _, a := range m.alerts {
		rule, ok := m.rules[a.RuleID]
		if !ok || rule.EscalationPolicy == "" {
			continue
		}
		policy, ok := m.policies[rule.EscalationPolicy]
		if !ok {
			continue
		}
		step, due := nextEscalation(a, policy, now)
		if !due {
			continue
		}
		applyEscalation(a, step, now)
		e := entryFor(a, EventEscalated, "", now)
		e.Data = map[string]any{"level": a.EscalationLevel.String(), "count": a.EscalationCount}
		m.writeJournalLocked(e)
		m.logger.Warn("alert escalated",
			zap.String("alert_id", a.AlertID),
			zap.String("level", a.EscalationLevel.String()),
			zap.Int("count", a.EscalationCount),
		)
		items = append(items, dispatchItem{
			alertID:  a.AlertID,
			channels: step.Channels,
			kind:     KindEscalation,
			level:    a.EscalationLevel,
		})
	}
	m.mu.Unlock()

	for _, it := range items {
		m.escalations.Add(1)
		m.queue.Push(it)
	}
	return len(items)
}

// CleanupOldData deletes resolved and expired alerts whose terminal stamp is
// older than the retention window. It returns the number deleted.
func (m *Manager) CleanupOldData() int {
	cutoff := m.clock.Now().AddDate(0, 0, -m.cfg.RetentionDays)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, a := range m.alerts {
		if at, ok := terminalAt(a); ok && at.Before(cutoff) {
			delete(m.alerts, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("purged old alerts", zap.Int("removed", removed))
	}
	return removed
}

// Stats returns a snapshot of the self-counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	stored := len(m.alerts)
	active := 0
	for _, a := range m.alerts {
		if a.Status.IsActive() {
			active++
		}
	}
	resolved := m.resolvedCount
	m.mu.RUnlock()
	return Stats{
		Stored:              stored,
		Active:              active,
		Triggered:           m.triggered.Load(),
		Unmatched:           m.unmatched.Load(),
		CooldownSuppressed:  m.cooldownSuppressed.Load(),
		Resolved:            resolved,
		Escalations:         m.escalations.Load(),
		Expired:             m.expired.Load(),
		NotificationsSent:   m.notifySent.Load(),
		NotificationsFailed: m.notifyFailed.Load(),
		QueueDepth:          m.queue.Len(),
		QueueDropped:        m.queue.Dropped(),
	}
}

func seconds(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}

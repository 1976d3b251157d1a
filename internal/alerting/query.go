package alerting

import (
	"fmt"
	"sort"
	"time"

	"github.com/valter-silva-au/obscore/pkg/models"
)

// AlertFilter selects stored alerts. Zero fields match everything.
type AlertFilter struct {
	Statuses    []models.AlertStatus
	Severity    models.Severity
	ServiceName string
	ServiceRole models.ServiceRole
	Since       time.Time
	Until       time.Time
	Limit       int
}

func (f AlertFilter) matches(a *models.Alert) bool {
	if len(f.Statuses) > 0 && !contains(f.Statuses, a.Status) {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.ServiceName != "" && a.ServiceName != f.ServiceName {
		return false
	}
	if f.ServiceRole != "" && a.ServiceRole != f.ServiceRole {
		return false
	}
	if !f.Since.IsZero() && a.TriggeredAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && a.TriggeredAt.After(f.Until) {
		return false
	}
	return true
}

// GetAlerts returns matching alerts, newest first.
func (m *Manager) GetAlerts(f AlertFilter) []models.Alert {
	m.mu.RLock()
	out := make([]models.Alert, 0)
	for _, a := range m.alerts {
		if f.matches(a) {
			out = append(out, a.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].TriggeredAt.Equal(out[j].TriggeredAt) {
			return out[i].TriggeredAt.After(out[j].TriggeredAt)
		}
		return out[i].AlertID < out[j].AlertID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// GetActiveAlerts returns triggered, acknowledged and investigating alerts.
func (m *Manager) GetActiveAlerts() []models.Alert {
	return m.GetAlerts(AlertFilter{Statuses: []models.AlertStatus{
		models.AlertTriggered, models.AlertAcknowledged, models.AlertInvestigating,
	}})
}

// GetCorrelatedAlerts returns every alert sharing correlationID, oldest first.
func (m *Manager) GetCorrelatedAlerts(correlationID string) []models.Alert {
	m.mu.RLock()
	var out []models.Alert
	for _, a := range m.alerts {
		if a.CorrelationID == correlationID {
			out = append(out, a.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.Before(out[j].TriggeredAt) })
	return out
}

// GetAlert returns one alert by id.
func (m *Manager) GetAlert(alertID string) (models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return models.Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	return a.Clone(), nil
}

// Summary counts stored alerts by severity, status and role.
func (m *Manager) Summary() models.AlertSummary {
	s := models.AlertSummary{
		BySeverity: make(map[models.Severity]int),
		ByStatus:   make(map[models.AlertStatus]int),
		ByRole:     make(map[models.ServiceRole]int),
	}
	m.mu.RLock()
	for _, a := range m.alerts {
		s.Total++
		if a.Status.IsActive() {
			s.Active++
		}
		s.BySeverity[a.Severity]++
		s.ByStatus[a.Status]++
		if a.ServiceRole != "" {
			s.ByRole[a.ServiceRole]++
		}
	}
	s.TotalResolved = m.resolvedCount
	s.AverageResolutionMins = m.avgResolutionMs / float64(time.Minute/time.Millisecond)
	m.mu.RUnlock()
	s.TotalTriggered = m.triggered.Load()
	s.TotalEscalations = m.escalations.Load()
	return s
}

// Trends buckets alerts triggered in the last days by UTC day, oldest first.
// Days without alerts are included with zero counts.
func (m *Manager) Trends(days int) []models.AlertTrendBucket {
	if days <= 0 {
		days = 7
	}
	now := m.clock.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	first := today.AddDate(0, 0, -(days - 1))

	buckets := make([]models.AlertTrendBucket, days)
	index := make(map[string]int, days)
	for i := range buckets {
		day := first.AddDate(0, 0, i).Format("2006-01-02")
		buckets[i] = models.AlertTrendBucket{
			Day:        day,
			BySeverity: make(map[models.Severity]int),
			ByStatus:   make(map[models.AlertStatus]int),
			ByRole:     make(map[models.ServiceRole]int),
		}
		index[day] = i
	}

	m.mu.RLock()
	for _, a := range m.alerts {
		i, ok := index[a.TriggeredAt.UTC().Format("2006-01-02")]
		if !ok {
			continue
		}
		buckets[i].Count++
		buckets[i].BySeverity[a.Severity]++
		buckets[i].ByStatus[a.Status]++
		buckets[i].ByRole[a.ServiceRole]++
	}
	m.mu.RUnlock()
	return buckets
}

// ReadJournal returns journal entries matching filter, or nil when no
// journal is configured.
func (m *Manager) ReadJournal(filter JournalFilter) ([]JournalEntry, error) {
	m.mu.RLock()
	j := m.journal
	m.mu.RUnlock()
	if j == nil {
		return nil, nil
	}
	return j.Read(filter)
}

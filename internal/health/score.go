package health

import (
	"sort"
	"time"

	"github.com/valter-silva-au/obscore/internal/lifecycle"
	"github.com/valter-silva-au/obscore/pkg/models"
	"go.uber.org/zap"
)

// statusScore maps a result status to its 0-100 contribution.
func statusScore(s models.HealthStatus) float64 {
	switch s {
	case models.HealthHealthy:
		return 100
	case models.HealthWarning:
		return 60
	case models.HealthCritical:
		return 20
	}
	return 40
}

// scoredResult pairs a result with the weight of the check that produced it.
type scoredResult struct {
	result models.HealthResult
	weight float64
}

// healthScore is the priority-weighted mean of the status scores. Maintenance
// results are ignored; no scorable results give 0.
func healthScore(latest []scoredResult) float64 {
	var sum, weights float64
	for _, sr := range latest {
		if sr.result.Status == models.HealthMaintenance {
			continue
		}
		sum += statusScore(sr.result.Status) * sr.weight
		weights += sr.weight
	}
	if weights == 0 {
		return 0
	}
	score := sum / weights
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// uptime is the percentage of healthy results among the non-maintenance
// results given.
func uptime(results []models.HealthResult) float64 {
	var healthy, total int
	for _, r := range results {
		if r.Status == models.HealthMaintenance {
			continue
		}
		total++
		if r.Status == models.HealthHealthy {
			healthy++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(healthy) / float64(total) * 100
}

// worstStatus returns the worst non-maintenance status, maintenance when
// every result is in maintenance, and unknown when there are none.
func worstStatus(latest []scoredResult) models.HealthStatus {
	if len(latest) == 0 {
		return models.HealthUnknown
	}
	worst := models.HealthMaintenance
	for _, sr := range latest {
		if sr.result.Status.Severity() > worst.Severity() {
			worst = sr.result.Status
		}
	}
	return worst
}

// computeServiceHealth builds the roll-up for one service from its results
// in the lookback window. Overall status, score and issues use each check's
// latest result; uptime uses them all.
func computeServiceHealth(name string, role models.ServiceRole, window []models.HealthResult, weights map[string]float64, now time.Time) models.ServiceHealth {
	latestByCheck := make(map[string]models.HealthResult)
	for _, r := range window {
		if cur, ok := latestByCheck[r.CheckID]; !ok || !r.Timestamp.Before(cur.Timestamp) {
			latestByCheck[r.CheckID] = r
		}
	}

	latest := make([]scoredResult, 0, len(latestByCheck))
	var checkResults []models.HealthResult
	issues := 0
	for id, r := range latestByCheck {
		w, ok := weights[id]
		if !ok {
			w = models.PriorityMedium.Weight()
		}
		latest = append(latest, scoredResult{result: r, weight: w})
		checkResults = append(checkResults, r)
		if r.Status != models.HealthHealthy && r.Status != models.HealthMaintenance {
			issues++
		}
		if role == "" {
			role = r.ServiceRole
		}
	}
	sort.Slice(checkResults, func(i, j int) bool { return checkResults[i].CheckID < checkResults[j].CheckID })

	return models.ServiceHealth{
		ServiceName:      name,
		ServiceRole:      role,
		OverallStatus:    worstStatus(latest),
		HealthScore:      healthScore(latest),
		ActiveIssues:     issues,
		UptimePercentage: uptime(window),
		LastChecked:      now,
		CheckResults:     checkResults,
	}
}

func (o *Orchestrator) refreshService(name string) {
	now := o.clock.Now()
	cutoff := now.Add(-time.Duration(o.cfg.UptimeLookbackHours) * time.Hour)

	o.mu.Lock()
	weights := make(map[string]float64)
	var role models.ServiceRole
	for id, rc := range o.checks {
		if rc.ServiceName == name {
			weights[id] = rc.Priority.Weight()
			role = rc.ServiceRole
		}
	}
	window := o.results.Filter(func(r models.HealthResult) bool {
		return r.ServiceName == name && !r.Timestamp.Before(cutoff)
	})
	sh := computeServiceHealth(name, role, window, weights, now)
	previous, existed := o.services[name]
	o.services[name] = sh
	o.mu.Unlock()

	if existed && previous.OverallStatus == sh.OverallStatus {
		return
	}
	prevStatus := models.HealthUnknown
	if existed {
		prevStatus = previous.OverallStatus
	} else if sh.OverallStatus == models.HealthUnknown {
		return
	}

	o.logger.Info("service health changed",
		zap.String("service", name),
		zap.String("from", string(prevStatus)),
		zap.String("to", string(sh.OverallStatus)),
	)
	o.handlerMu.RLock()
	handlers := o.changeHandlers
	o.handlerMu.RUnlock()
	for _, h := range handlers {
		lifecycle.SafeCall(o.logger, "health change handler", func() { h(prevStatus, sh) })
	}
}

// refreshAll recomputes every known service so uptime follows the lookback
// window even when no new results arrive.
func (o *Orchestrator) refreshAll() {
	o.mu.RLock()
	names := make(map[string]bool, len(o.services))
	for name := range o.services {
		names[name] = true
	}
	for _, rc := range o.checks {
		names[rc.ServiceName] = true
	}
	o.mu.RUnlock()
	for name := range names {
		o.refreshService(name)
	}
}

// GetPlatformHealthOverview rolls every service up into one platform status:
// critical if any service is critical, else warning if any is warning, else
// healthy. Unknown services count as warning; maintenance is ignored.
func (o *Orchestrator) GetPlatformHealthOverview() models.PlatformHealth {
	o.mu.RLock()
	services := make(map[string]models.ServiceHealth, len(o.services))
	for name, sh := range o.services {
		services[name] = sh
	}
	o.mu.RUnlock()
	return platformOverview(services, o.clock.Now())
}

func platformOverview(services map[string]models.ServiceHealth, now time.Time) models.PlatformHealth {
	ph := models.PlatformHealth{
		Status:      models.HealthHealthy,
		Roles:       make(map[models.ServiceRole]models.RoleHealth),
		Services:    services,
		GeneratedAt: now,
	}
	if len(services) == 0 {
		ph.Status = models.HealthUnknown
		return ph
	}

	roleScores := make(map[models.ServiceRole]float64)
	var total float64
	for _, sh := range services {
		ph.ServiceCount++
		ph.TotalIssues += sh.ActiveIssues
		total += sh.HealthScore

		rh := ph.Roles[sh.ServiceRole]
		if rh.Status == "" {
			rh.Status = models.HealthHealthy
		}
		rh.ServiceCount++
		roleScores[sh.ServiceRole] += sh.HealthScore
		switch sh.OverallStatus {
		case models.HealthCritical:
			rh.CriticalCount++
			rh.Status = models.HealthCritical
			ph.Status = models.HealthCritical
		case models.HealthWarning, models.HealthUnknown:
			rh.WarningCount++
			if rh.Status != models.HealthCritical {
				rh.Status = models.HealthWarning
			}
			if ph.Status != models.HealthCritical {
				ph.Status = models.HealthWarning
			}
		}
		ph.Roles[sh.ServiceRole] = rh
	}
	for role, rh := range ph.Roles {
		rh.AverageScore = roleScores[role] / float64(rh.ServiceCount)
		ph.Roles[role] = rh
	}
	ph.AverageScore = total / float64(ph.ServiceCount)
	return ph
}

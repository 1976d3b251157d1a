package alerting

import (
	"errors"
	"fmt"
	"time"

	"github.com/valter-silva-au/obscore/pkg/models"
)

var (
	// ErrAlertNotFound is returned for an unknown alert id.
	ErrAlertNotFound = errors.New("alert not found")
	// ErrInvalidTransition is returned when a lifecycle move is not allowed
	// from the alert's current status. The alert is left unchanged.
	ErrInvalidTransition = errors.New("invalid alert transition")
)

func invalid(a *models.Alert, to models.AlertStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
}

func stamp(t time.Time) *time.Time { return &t }

// acknowledge moves TRIGGERED to ACKNOWLEDGED.
func acknowledge(a *models.Alert, by string, now time.Time) error {
	if a.Status != models.AlertTriggered {
		return invalid(a, models.AlertAcknowledged)
	}
	a.Status = models.AlertAcknowledged
	a.AcknowledgedAt = stamp(now)
	a.AcknowledgedBy = by
	a.LastTransitionAt = now
	return nil
}

// investigate moves ACKNOWLEDGED to INVESTIGATING.
func investigate(a *models.Alert, by string, now time.Time) error {
	if a.Status != models.AlertAcknowledged {
		return invalid(a, models.AlertInvestigating)
	}
	a.Status = models.AlertInvestigating
	a.InvestigatingAt = stamp(now)
	a.InvestigatingBy = by
	a.LastTransitionAt = now
	return nil
}

// resolve moves any non-terminal alert to RESOLVED.
func resolve(a *models.Alert, by string, now time.Time) error {
	if a.Status.IsTerminal() {
		return invalid(a, models.AlertResolved)
	}
	a.Status = models.AlertResolved
	a.ResolvedAt = stamp(now)
	a.ResolvedBy = by
	a.SuppressedUntil = nil
	a.LastTransitionAt = now
	return nil
}

// suppress silences an active alert until until, remembering the status to
// return to.
func suppress(a *models.Alert, until, now time.Time) error {
	if !a.Status.IsActive() || !until.After(now) {
		return invalid(a, models.AlertSuppressed)
	}
	a.SuppressedFrom = a.Status
	a.Status = models.AlertSuppressed
	a.SuppressedUntil = stamp(until)
	a.LastTransitionAt = now
	return nil
}

// unsuppressIfDue restores a suppressed alert whose suppression has lapsed.
// It reports whether the alert changed.
func unsuppressIfDue(a *models.Alert, now time.Time) bool {
	if a.Status != models.AlertSuppressed || a.SuppressedUntil == nil || now.Before(*a.SuppressedUntil) {
		return false
	}
	a.Status = a.SuppressedFrom
	if a.Status == "" {
		a.Status = models.AlertTriggered
	}
	a.SuppressedFrom = ""
	a.SuppressedUntil = nil
	a.LastTransitionAt = now
	return true
}

// expireIfStale moves an active alert with no transition for maxAge to
// EXPIRED. A zero maxAge disables expiry.
func expireIfStale(a *models.Alert, maxAge time.Duration, now time.Time) bool {
	if maxAge <= 0 || !a.Status.IsActive() || now.Sub(a.LastTransitionAt) < maxAge {
		return false
	}
	a.Status = models.AlertExpired
	a.ExpiredAt = stamp(now)
	a.LastTransitionAt = now
	return true
}

// autoResolveIfDue resolves an active alert older than after.
func autoResolveIfDue(a *models.Alert, after time.Duration, now time.Time) bool {
	if after <= 0 || !a.Status.IsActive() || now.Sub(a.TriggeredAt) < after {
		return false
	}
	return resolve(a, "auto-resolve", now) == nil
}

// terminalAt returns when the alert entered its terminal state, or false.
func terminalAt(a *models.Alert) (time.Time, bool) {
	switch {
	case a.Status == models.AlertResolved && a.ResolvedAt != nil:
		return *a.ResolvedAt, true
	case a.Status == models.AlertExpired && a.ExpiredAt != nil:
		return *a.ExpiredAt, true
	}
	return time.Time{}, false
}

// nextEscalation decides whether the alert is due for another escalation
// under policy at now, and returns the step to apply. Step k is the k-th
// escalation; once the steps run out the last step repeats every
// RepeatIntervalMinutes until MaxEscalations.
func nextEscalation(a *models.Alert, policy models.EscalationPolicy, now time.Time) (models.EscalationStep, bool) {
	if len(policy.Steps) == 0 || a.Status.IsTerminal() || a.Status == models.AlertSuppressed {
		return models.EscalationStep{}, false
	}
	k := a.EscalationCount
	if policy.MaxEscalations > 0 && k >= policy.MaxEscalations {
		return models.EscalationStep{}, false
	}

	var step models.EscalationStep
	var delay time.Duration
	if k < len(policy.Steps) {
		step = policy.Steps[k]
		delay = time.Duration(step.DelayMinutes) * time.Minute
	} else {
		if policy.RepeatIntervalMinutes <= 0 {
			return models.EscalationStep{}, false
		}
		step = policy.Steps[len(policy.Steps)-1]
		delay = time.Duration(policy.RepeatIntervalMinutes) * time.Minute
	}

	since := a.TriggeredAt
	if a.EscalatedAt != nil {
		since = *a.EscalatedAt
	}
	if now.Sub(since) < delay {
		return models.EscalationStep{}, false
	}
	return step, true
}

// applyEscalation bumps the alert's level (capped at L4, never decreasing).
func applyEscalation(a *models.Alert, step models.EscalationStep, now time.Time) {
	level := step.Level
	if level > models.EscalationL4 {
		level = models.EscalationL4
	}
	if level > a.EscalationLevel {
		a.EscalationLevel = level
	}
	a.EscalationCount++
	a.EscalatedAt = stamp(now)
}

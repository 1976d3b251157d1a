package alerting

import (
	"testing"
	"time"

	"github.com/valter-silva-au/obscore/internal/clock"
	"github.com/valter-silva-au/obscore/pkg/models"
	"pgregory.net/rapid"
)

// Feature: alert management, Property 1: a rule never produces two alerts
// closer together than its cooldown.
func TestProperty_CooldownSpacing(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		clk := clock.NewManual(testStart)
		m := NewManager(models.AlertingConfig{}, nil, clk)
		cooldown := rapid.IntRange(1, 120).Draw(t, "cooldown")
		if err := m.RegisterRule(models.AlertRule{RuleID: "r", Severity: models.SeverityHigh, CooldownMinutes: cooldown, Enabled: true}); err != nil {
			t.Fatal(err)
		}

		n := rapid.IntRange(1, 50).Draw(t, "triggers")
		var fired []time.Time
		for i := 0; i < n; i++ {
			clk.Advance(time.Duration(rapid.IntRange(0, 90).Draw(t, "gap")) * time.Minute)
			if a, ok := m.TriggerAlert(payload("api", models.SeverityHigh)); ok {
				fired = append(fired, a.TriggeredAt)
			}
		}

		if len(fired) == 0 {
			t.Fatal("the first trigger always creates an alert")
		}
		for i := 1; i < len(fired); i++ {
			if gap := fired[i].Sub(fired[i-1]); gap < time.Duration(cooldown)*time.Minute {
				t.Fatalf("alerts %d and %d only %s apart with cooldown %dm", i-1, i, gap, cooldown)
			}
		}
		if got := len(m.GetAlerts(AlertFilter{})); got != len(fired) {
			t.Fatalf("stored %d alerts, fired %d", got, len(fired))
		}
	})
}

// Feature: alert management, Property 2: rejected transitions leave the
// alert unchanged.
func TestProperty_InvalidTransitionsAreNoOps(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := NewManager(models.AlertingConfig{}, nil, clock.NewManual(testStart))
		if err := m.RegisterRule(models.AlertRule{RuleID: "r", Severity: models.SeverityHigh, Enabled: true}); err != nil {
			t.Fatal(err)
		}
		a, _ := m.TriggerAlert(payload("api", models.SeverityHigh))

		ops := rapid.SliceOfN(rapid.IntRange(0, 3), 1, 20).Draw(t, "ops")
		for _, op := range ops {
			before, _ := m.GetAlert(a.AlertID)
			var err error
			switch op {
			case 0:
				_, err = m.AcknowledgeAlert(a.AlertID, "u")
			case 1:
				_, err = m.StartInvestigation(a.AlertID, "u")
			case 2:
				_, err = m.ResolveAlert(a.AlertID, "u")
			case 3:
				_, err = m.SuppressAlert(a.AlertID, time.Hour, "u")
			}
			after, _ := m.GetAlert(a.AlertID)
			if err != nil && (after.Status != before.Status || after.LastTransitionAt != before.LastTransitionAt) {
				t.Fatalf("op %d failed but changed the alert: %s -> %s", op, before.Status, after.Status)
			}
			if before.Status.IsTerminal() && err == nil {
				t.Fatalf("op %d succeeded on terminal alert", op)
			}
		}
	})
}

package cli

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/valter-silva-au/obscore/pkg/models"
)

func triggerTestAlert(t *testing.T, b *testBackend, ruleID string, sev models.Severity, svc string) models.Alert {
	t.Helper()
	if err := b.alerts.RegisterRule(models.AlertRule{
		RuleID:         ruleID,
		Name:           ruleID + " rule",
		Severity:       sev,
		ServiceFilters: []string{svc},
		Enabled:        true,
	}); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}
	a, ok := b.alerts.TriggerAlert(models.AlertPayload{
		Title:       svc + " degraded",
		ServiceName: svc,
		ServiceRole: models.RoleApp,
	})
	if !ok {
		t.Fatalf("no alert triggered for %s", svc)
	}
	return a
}

func TestAlertsCmd_NoAlerts(t *testing.T) {
	newTestBackend(t)

	out, err := runCLI(t, "alerts")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "No active alerts.") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestAlertsCmd_ListsMostSevereFirst(t *testing.T) {
	b := newTestBackend(t)
	low := triggerTestAlert(t, b, "low", models.SeverityLow, "web")
	crit := triggerTestAlert(t, b, "crit", models.SeverityCritical, "api")

	out, err := runCLI(t, "alerts")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "2 active alert(s)") {
		t.Errorf("expected count line, got: %q", out)
	}
	ci, li := strings.Index(out, crit.AlertID), strings.Index(out, low.AlertID)
	if ci < 0 || li < 0 || ci > li {
		t.Errorf("critical alert should be listed before low:\n%s", out)
	}
	if !strings.Contains(out, "[CRITICAL] api degraded") {
		t.Errorf("expected severity and title, got: %q", out)
	}
}

func TestAlertsCmd_JSONAndFilters(t *testing.T) {
	b := newTestBackend(t)
	triggerTestAlert(t, b, "low", models.SeverityLow, "web")
	crit := triggerTestAlert(t, b, "crit", models.SeverityCritical, "api")

	out, err := runCLI(t, "alerts", "--json", "--service", "api")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var alerts []models.Alert
	if err := json.Unmarshal([]byte(out), &alerts); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(alerts) != 1 || alerts[0].AlertID != crit.AlertID {
		t.Errorf("expected only the api alert, got %+v", alerts)
	}

	if _, err := runCLI(t, "alerts", "--severity", "urgent"); err == nil {
		t.Error("expected error for unknown severity")
	}
}

func TestAlertsCmd_Transitions(t *testing.T) {
	b := newTestBackend(t)
	a := triggerTestAlert(t, b, "crit", models.SeverityCritical, "api")

	out, err := runCLI(t, "alerts", "ack", a.AlertID, "--by", "alice")
	if err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if !strings.Contains(out, "is now acknowledged") {
		t.Errorf("unexpected output: %q", out)
	}
	got, err := b.alerts.GetAlert(a.AlertID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AcknowledgedBy != "alice" {
		t.Errorf("AcknowledgedBy = %q, want alice", got.AcknowledgedBy)
	}

	// Acknowledging twice is not a valid transition.
	_, err = runCLI(t, "alerts", "ack", a.AlertID)
	if err == nil || !strings.Contains(err.Error(), "409") {
		t.Errorf("expected 409 error, got %v", err)
	}

	if _, err := runCLI(t, "alerts", "investigate", a.AlertID); err != nil {
		t.Fatalf("investigate failed: %v", err)
	}
	out, err = runCLI(t, "alerts", "resolve", a.AlertID)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !strings.Contains(out, "is now resolved") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestAlertsCmd_Suppress(t *testing.T) {
	b := newTestBackend(t)
	a := triggerTestAlert(t, b, "crit", models.SeverityCritical, "api")

	if _, err := runCLI(t, "alerts", "suppress", a.AlertID, "--for", "10s"); err == nil {
		t.Error("expected error for a sub-minute suppression")
	}

	out, err := runCLI(t, "alerts", "suppress", a.AlertID, "--for", "30m")
	if err != nil {
		t.Fatalf("suppress failed: %v", err)
	}
	if !strings.Contains(out, "is now suppressed") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestAlertsCmd_UnknownAlert(t *testing.T) {
	newTestBackend(t)
	_, err := runCLI(t, "alerts", "resolve", "does-not-exist")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("expected 404 error, got %v", err)
	}
}

func TestAlertsCmd_ServerUnreachable(t *testing.T) {
	orig := serverURL
	defer func() { serverURL = orig }()
	serverURL = "http://127.0.0.1:1"

	_, err := runCLI(t, "alerts")
	if err == nil || !strings.Contains(err.Error(), "listing alerts") {
		t.Errorf("expected listing error, got %v", err)
	}
}

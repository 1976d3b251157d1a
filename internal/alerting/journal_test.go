package alerting

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/valter-silva-au/obscore/pkg/models"
)

func TestJSONLJournal_FilterAndSkipMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	j, err := NewJSONLJournal(path)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	for i, typ := range []string{EventTriggered, EventAcknowledged, EventResolved} {
		e := JournalEntry{Time: testStart.Add(time.Duration(i) * time.Hour), Type: typ, AlertID: "a-1"}
		if err := j.Write(e); err != nil {
			t.Fatal(err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("{not json\n\n")
	_ = f.Close()
	if err := j.Write(JournalEntry{Time: testStart, Type: EventTriggered, AlertID: "a-2"}); err != nil {
		t.Fatal(err)
	}

	all, err := j.Read(JournalFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(all))
	}

	since := testStart.Add(30 * time.Minute)
	until := testStart.Add(90 * time.Minute)
	got, _ := j.Read(JournalFilter{Since: &since, Until: &until})
	if len(got) != 1 || got[0].Type != EventAcknowledged {
		t.Errorf("time window: %+v", got)
	}
	got, _ = j.Read(JournalFilter{Type: EventTriggered})
	if len(got) != 2 {
		t.Errorf("type filter: expected 2, got %d", len(got))
	}
	got, _ = j.Read(JournalFilter{AlertID: "a-2"})
	if len(got) != 1 {
		t.Errorf("alert filter: expected 1, got %d", len(got))
	}
}

func TestManager_ReadJournalWithoutJournal(t *testing.T) {
	m, _ := newTestManager(t, models.AlertingConfig{})
	entries, err := m.ReadJournal(JournalFilter{})
	if err != nil || entries != nil {
		t.Errorf("expected nil, nil; got %v, %v", entries, err)
	}
}

package alerting

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/valter-silva-au/obscore/pkg/models"
)

// Journal entry types.
const (
	EventTriggered     = "alert.triggered"
	EventAcknowledged  = "alert.acknowledged"
	EventInvestigating = "alert.investigating"
	EventResolved      = "alert.resolved"
	EventSuppressed    = "alert.suppressed"
	EventUnsuppressed  = "alert.unsuppressed"
	EventEscalated     = "alert.escalated"
	EventExpired       = "alert.expired"
)

// JournalEntry records one alert lifecycle transition.
type JournalEntry struct {
	Time          time.Time          `json:"time"`
	Type          string             `json:"type"`
	AlertID       string             `json:"alert_id"`
	RuleID        string             `json:"rule_id,omitempty"`
	Severity      models.Severity    `json:"severity,omitempty"`
	Status        models.AlertStatus `json:"status"`
	ServiceName   string             `json:"service_name,omitempty"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	Actor         string             `json:"actor,omitempty"`
	Data          map[string]any     `json:"data,omitempty"`
}

// JournalFilter specifies criteria for reading entries.
type JournalFilter struct {
	Since   *time.Time
	Until   *time.Time
	Type    string
	AlertID string
}

// Journal is an append-only audit log of alert transitions.
type Journal interface {
	Write(entry JournalEntry) error
	Read(filter JournalFilter) ([]JournalEntry, error)
	Close() error
}

// jsonlJournal implements Journal using an append-only JSONL file.
type jsonlJournal struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// NewJSONLJournal opens (or creates) a JSONL journal at path.
func NewJSONLJournal(path string) (Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening alert journal: %w", err)
	}
	return &jsonlJournal{path: path, file: f}, nil
}

// Write appends one JSON-encoded entry followed by a newline.
func (j *jsonlJournal) Write(entry JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshalling journal entry: %w", err)
	}
	data = append(data, '\n')

	if _, err := j.file.Write(data); err != nil {
		return fmt.Errorf("writing journal entry: %w", err)
	}
	return nil
}

// Read scans the journal and returns the entries matching filter.
func (j *jsonlJournal) Read(filter JournalFilter) ([]JournalEntry, error) {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening alert journal for reading: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []JournalEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e JournalEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue // skip malformed lines
		}
		if matchesJournalFilter(e, filter) {
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning alert journal: %w", err)
	}
	return entries, nil
}

// Close closes the journal file.
func (j *jsonlJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("closing alert journal: %w", err)
	}
	return nil
}

func matchesJournalFilter(e JournalEntry, filter JournalFilter) bool {
	if filter.Since != nil && e.Time.Before(*filter.Since) {
		return false
	}
	if filter.Until != nil && e.Time.After(*filter.Until) {
		return false
	}
	if filter.Type != "" && e.Type != filter.Type {
		return false
	}
	if filter.AlertID != "" && e.AlertID != filter.AlertID {
		return false
	}
	return true
}

func entryFor(a *models.Alert, typ, actor string, now time.Time) JournalEntry {
	return JournalEntry{
		Time:          now,
		Type:          typ,
		AlertID:       a.AlertID,
		RuleID:        a.RuleID,
		Severity:      a.Severity,
		Status:        a.Status,
		ServiceName:   a.ServiceName,
		CorrelationID: a.CorrelationID,
		Actor:         actor,
	}
}

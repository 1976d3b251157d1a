package logs

import (
	"testing"
	"time"

	"github.com/valter-silva-au/obscore/internal/clock"
	"github.com/valter-silva-au/obscore/pkg/models"
	"pgregory.net/rapid"
)

// Feature: log aggregation, Property 1: the buffer and index never exceed
// capacity and always hold the same entries.
func TestProperty_BufferAndIndexAgree(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 20).Draw(t, "capacity")
		a := NewAggregator(models.LogsConfig{BufferSize: capacity}, nil, clock.NewManual(testStart))
		n := rapid.IntRange(0, 60).Draw(t, "entries")
		var ids []string
		for i := 0; i < n; i++ {
			ids = append(ids, a.IngestLogEntry(models.LogEntry{Message: "m", ServiceName: "svc"}))
		}

		s := a.Stats()
		want := min(n, capacity)
		if s.Buffered != want || s.Indexed != want {
			t.Fatalf("buffered %d indexed %d, want %d", s.Buffered, s.Indexed, want)
		}
		for i, id := range ids {
			_, err := a.GetLog(id)
			if kept := i >= n-want; kept != (err == nil) {
				t.Fatalf("entry %d of %d: kept=%v err=%v", i, n, kept, err)
			}
		}
	})
}

// Feature: log aggregation, Property 2: after cleanup no entry older than
// the retention window is queryable and every newer one is.
func TestProperty_RetentionCutoff(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		retention := rapid.IntRange(1, 48).Draw(t, "retention_hours")
		clk := clock.NewManual(testStart)
		a := NewAggregator(models.LogsConfig{RetentionHours: retention}, nil, clk)

		ages := rapid.SliceOfN(rapid.IntRange(0, 96*60), 0, 40).Draw(t, "ages_minutes")
		now := testStart.Add(100 * time.Hour)
		for _, m := range ages {
			a.IngestLogEntry(models.LogEntry{Message: "m", Timestamp: now.Add(-time.Duration(m) * time.Minute)})
		}
		clk.Set(now)
		a.CleanupOldData()

		cutoff := now.Add(-time.Duration(retention) * time.Hour)
		expected := 0
		for _, m := range ages {
			if !now.Add(-time.Duration(m) * time.Minute).Before(cutoff) {
				expected++
			}
		}
		got := a.GetLogs(LogFilter{})
		if len(got) != expected {
			t.Fatalf("queryable %d, want %d", len(got), expected)
		}
		for _, e := range got {
			if e.Timestamp.Before(cutoff) {
				t.Fatalf("entry at %v survived cutoff %v", e.Timestamp, cutoff)
			}
		}
	})
}

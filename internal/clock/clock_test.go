package clock

import (
	"testing"
	"time"
)

func TestManual_AdvanceAndSet(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewManual(start)

	if !c.Now().Equal(start) {
		t.Fatalf("expected %v, got %v", start, c.Now())
	}

	c.Advance(90 * time.Minute)
	if want := start.Add(90 * time.Minute); !c.Now().Equal(want) {
		t.Errorf("after Advance expected %v, got %v", want, c.Now())
	}

	later := start.Add(48 * time.Hour)
	c.Set(later)
	if !c.Now().Equal(later) {
		t.Errorf("after Set expected %v, got %v", later, c.Now())
	}
}

func TestOrReal(t *testing.T) {
	if _, ok := OrReal(nil).(realClock); !ok {
		t.Fatal("expected real clock for nil input")
	}
	m := NewManual(time.Unix(0, 0))
	if OrReal(m) != Clock(m) {
		t.Fatal("expected the supplied clock to be returned")
	}
	if loc := Real().Now().Location(); loc != time.UTC {
		t.Errorf("expected UTC, got %v", loc)
	}
}

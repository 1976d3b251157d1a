package logs

import (
	"testing"
	"time"

	"github.com/valter-silva-au/obscore/pkg/models"
)

func TestParseJSON(t *testing.T) {
	p, err := parseJSON(`{"msg":"charge failed","severity":"ERR","logger":"billing.charge","ts":1748779200,
		"trace_id":"abc","span_id":"def","user_id":"u1","request_id":"r1","tags":{"env":"prod","shard":3},
		"exception":"TimeoutError","stack_trace":"at charge()","amount":12.5}`)
	if err != nil {
		t.Fatal(err)
	}
	e := p.entry
	if e.Message != "charge failed" || e.Level != models.LevelError || e.LoggerName != "billing.charge" {
		t.Errorf("core fields: %+v", e)
	}
	if !e.Timestamp.Equal(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp = %v", e.Timestamp)
	}
	if e.TraceID != "abc" || e.SpanID != "def" || e.UserID != "u1" || e.RequestID != "r1" {
		t.Errorf("correlation ids: %+v", e)
	}
	if e.Tags["env"] != "prod" || e.Tags["shard"] != "3" {
		t.Errorf("tags = %v", e.Tags)
	}
	if e.ExceptionType != "TimeoutError" || e.StackTrace != "at charge()" {
		t.Errorf("exception fields: %+v", e)
	}
	if len(e.Fields) != 1 || e.Fields["amount"] == nil {
		t.Errorf("fields = %v", e.Fields)
	}

	p, err = parseJSON(`{"message":"x","timestamp":"2025-06-01T12:00:00.5Z","time_ms":1748779200500}`)
	if err != nil {
		t.Fatal(err)
	}
	if p.entry.Timestamp.Nanosecond() != 500000000 || p.entry.Level != "" {
		t.Errorf("rfc3339 timestamp or level: %+v", p.entry)
	}

	for _, bad := range []string{`not json`, `[1,2]`, `null`, ``} {
		if _, err := parseJSON(bad); err == nil {
			t.Errorf("parseJSON(%q) should fail", bad)
		}
	}
}

func TestParseStructured(t *testing.T) {
	p := parseStructured(`ts=2025-06-01T12:00:00Z level=warn msg="disk almost full" service=storage disk=sda1 pct=91`)
	e := p.entry
	if e.Message != "disk almost full" || e.Level != models.LevelWarning || p.service != "storage" {
		t.Errorf("unexpected entry %+v service=%s", e, p.service)
	}
	if e.Fields["disk"] != "sda1" || e.Fields["pct"] != "91" {
		t.Errorf("fields = %v", e.Fields)
	}
	if !e.Timestamp.Equal(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp = %v", e.Timestamp)
	}

	loose := parseStructured(`starting worker pool size=4`)
	if loose.entry.Message != "starting worker pool" || loose.entry.Fields["size"] != "4" {
		t.Errorf("loose tokens: %+v", loose.entry)
	}
}

func TestParsePlain(t *testing.T) {
	cases := []struct {
		raw   string
		level models.LogLevel
		msg   string
		ts    bool
	}{
		{"2025-06-01 12:00:00,123 ERROR payment gateway unreachable", models.LevelError, "ERROR payment gateway unreachable", true},
		{"[2025-06-01T12:00:00Z] FATAL disk unreadable", models.LevelCritical, "FATAL disk unreadable", true},
		{"[2025-06-01T12:00:00Z] FATAL error loading config", models.LevelError, "FATAL error loading config", true},
		{"CRITICAL error while writing", models.LevelError, "CRITICAL error while writing", false},
		{"FATAL: unhandled ERROR", models.LevelError, "FATAL: unhandled ERROR", false},
		{"3 ERRORS occurred", models.LevelError, "3 ERRORS occurred", false},
		{"WARNINGS raised", models.LevelWarning, "WARNINGS raised", false},
		{"critical warning: fan speed", models.LevelWarning, "critical warning: fan speed", false},
		{"Warning: cache nearly full", models.LevelWarning, "Warning: cache nearly full", false},
		{"debug handshake complete", models.LevelDebug, "debug handshake complete", false},
		{"request served", models.LevelInfo, "request served", false},
		{"errors=0 informational", models.LevelError, "errors=0 informational", false},
		{"informational banner", models.LevelInfo, "informational banner", false},
	}
	for _, tc := range cases {
		p := parsePlain(tc.raw)
		if p.entry.Level != tc.level {
			t.Errorf("%q: level %s, want %s", tc.raw, p.entry.Level, tc.level)
		}
		if p.entry.Message != tc.msg {
			t.Errorf("%q: message %q, want %q", tc.raw, p.entry.Message, tc.msg)
		}
		if got := !p.entry.Timestamp.IsZero(); got != tc.ts {
			t.Errorf("%q: timestamp parsed = %v", tc.raw, got)
		}
	}
	if p := parsePlain("2025-06-01 12:00:00,123 x"); p.entry.Timestamp.Nanosecond() != 123000000 {
		t.Errorf("fractional seconds lost: %v", p.entry.Timestamp)
	}
}

func TestNormalizeMessage(t *testing.T) {
	cases := map[string]string{
		"timeout after 30s":        "timeout after <N>s",
		"user 42 not found in 7ms": "user <N> not found in <N>ms",
		"  no digits  ":            "no digits",
	}
	for in, want := range cases {
		if got := normalizeMessage(in); got != want {
			t.Errorf("normalizeMessage(%q) = %q, want %q", in, got, want)
		}
	}
}

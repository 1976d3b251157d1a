package logs

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/valter-silva-au/obscore/pkg/models"
)

// parsed is the result of decoding one raw line. Zero fields are filled in
// by the aggregator.
type parsed struct {
	entry   models.LogEntry
	service string
}

// parseJSON decodes a JSON object. Well-known keys map onto entry fields;
// everything else lands in Fields.
func parseJSON(raw string) (parsed, error) {
	var obj map[string]any
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return parsed{}, fmt.Errorf("decoding json log: %w", err)
	}
	if obj == nil {
		return parsed{}, fmt.Errorf("decoding json log: not an object")
	}

	var p parsed
	e := &p.entry
	fields := make(map[string]any)
	for k, v := range obj {
		s := stringify(v)
		switch k {
		case "message", "msg":
			e.Message = s
		case "level", "severity", "lvl":
			e.Level = levelOrInfo(s)
		case "logger", "logger_name":
			e.LoggerName = s
		case "timestamp", "time", "ts", "@timestamp":
			if t, ok := parseTimestampValue(v); ok {
				e.Timestamp = t
			} else {
				fields[k] = v
			}
		case "trace_id":
			e.TraceID = s
		case "span_id":
			e.SpanID = s
		case "user_id":
			e.UserID = s
		case "request_id":
			e.RequestID = s
		case "service", "service_name":
			p.service = s
		case "stack_trace", "stacktrace":
			e.StackTrace = s
		case "exception_type", "exception":
			e.ExceptionType = s
		case "tags":
			if m, ok := v.(map[string]any); ok {
				e.Tags = make(map[string]string, len(m))
				for tk, tv := range m {
					e.Tags[tk] = stringify(tv)
				}
			} else {
				fields[k] = v
			}
		default:
			fields[k] = v
		}
	}
	if len(fields) > 0 {
		e.Fields = fields
	}
	return p, nil
}

// parseStructured decodes key=value pairs separated by whitespace. Values
// may be double-quoted to contain spaces. Tokens without '=' are kept as
// the message when no message key is present.
func parseStructured(raw string) parsed {
	var p parsed
	e := &p.entry
	fields := make(map[string]any)
	var loose []string
	for _, tok := range splitTokens(raw) {
		k, v, ok := strings.Cut(tok, "=")
		if !ok || k == "" {
			loose = append(loose, tok)
			continue
		}
		v = strings.Trim(v, `"'`)
		switch k {
		case "msg", "message":
			e.Message = v
		case "level", "lvl", "severity":
			e.Level = levelOrInfo(v)
		case "logger":
			e.LoggerName = v
		case "ts", "time", "timestamp":
			if t, ok := parseTimestamp(v); ok {
				e.Timestamp = t
			} else {
				fields[k] = v
			}
		case "trace_id":
			e.TraceID = v
		case "span_id":
			e.SpanID = v
		case "user_id":
			e.UserID = v
		case "request_id":
			e.RequestID = v
		case "service":
			p.service = v
		default:
			fields[k] = v
		}
	}
	if e.Message == "" {
		e.Message = strings.Join(loose, " ")
	}
	if e.Message == "" {
		e.Message = raw
	}
	if len(fields) > 0 {
		e.Fields = fields
	}
	return p
}

// splitTokens splits on whitespace outside double quotes.
func splitTokens(s string) []string {
	var out []string
	var b strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			b.WriteRune(r)
		case (r == ' ' || r == '\t') && !quoted:
			if b.Len() > 0 {
				out = append(out, b.String())
				b.Reset()
			}
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

// plainLevels are searched case-insensitively as substrings; the first
// keyword found in this order wins.
var plainLevels = []struct {
	keywords []string
	level    models.LogLevel
}{
	{[]string{"error"}, models.LevelError},
	{[]string{"warn"}, models.LevelWarning},
	{[]string{"info"}, models.LevelInfo},
	{[]string{"debug"}, models.LevelDebug},
	{[]string{"critical", "fatal"}, models.LevelCritical},
}

var leadingTimestamp = regexp.MustCompile(`^\[?(\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?(?:Z|[+-]\d{2}:?\d{2})?)\]?\s*`)

// parsePlain detects the level by keyword and strips a leading timestamp. The rest of the line is the message.
func parsePlain(raw string) parsed {
	var p parsed
	e := &p.entry
	msg := raw
	if m := leadingTimestamp.FindStringSubmatch(raw); m != nil {
		if t, ok := parseTimestamp(strings.Replace(m[1], ",", ".", 1)); ok {
			e.Timestamp = t
			msg = raw[len(m[0]):]
		}
	}
	e.Level = models.LevelInfo
	lower := strings.ToLower(msg)
levels:
	for _, l := range plainLevels {
		for _, kw := range l.keywords {
			if strings.Contains(lower, kw) {
				e.Level = l.level
				break levels
			}
		}
	}
	e.Message = msg
	return p
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05-0700",
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// parseTimestampValue accepts a timestamp string or a Unix epoch in seconds
// or milliseconds.
func parseTimestampValue(v any) (time.Time, bool) {
	switch x := v.(type) {
	case string:
		return parseTimestamp(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return time.Time{}, false
		}
		if f > 1e12 {
			return time.UnixMilli(int64(f)).UTC(), true
		}
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC(), true
	}
	return time.Time{}, false
}

func levelOrInfo(s string) models.LogLevel {
	l, err := models.ParseLogLevel(s)
	if err != nil {
		return models.LevelInfo
	}
	return l
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

// Package timeutil normalizes the timestamp representations found across
// telemetry backends into UTC time.Time values.
package timeutil

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	dps "github.com/markusmobius/go-dateparser"
)

// Thresholds used to guess the unit of a bare epoch number. Anything below
// secondsCeiling is seconds, and so on up to nanoseconds.
const (
	secondsCeiling = 1e11
	millisCeiling  = 1e14
	microsCeiling  = 1e17
)

var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC850,
	time.ANSIC,
	"2006-01-02",
}

// FromEpoch converts an epoch number in s, ms, µs or ns into a UTC time,
// choosing the unit from its magnitude.
func FromEpoch(v float64) time.Time {
	abs := math.Abs(v)
	switch {
	case abs < secondsCeiling:
		sec, frac := math.Modf(v)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC()
	case abs < millisCeiling:
		return time.UnixMicro(int64(v * 1e3)).UTC()
	case abs < microsCeiling:
		return time.UnixMicro(int64(v)).UTC()
	default:
		return time.Unix(0, int64(v)).UTC()
	}
}

// FromEpochInt is FromEpoch for integers, exact at nanosecond precision.
func FromEpochInt(n int64) time.Time {
	abs := n
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs < secondsCeiling:
		return time.Unix(n, 0).UTC()
	case abs < millisCeiling:
		return time.UnixMilli(n).UTC()
	case abs < microsCeiling:
		return time.UnixMicro(n).UTC()
	default:
		return time.Unix(0, n).UTC()
	}
}

// FromUnixNano converts OTLP style nanosecond timestamps.
func FromUnixNano(ns uint64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(ns)).UTC()
}

// Parse accepts epoch numbers (as strings), RFC3339 variants and a handful of
// common layouts, then falls back to free-form date parsing.
func Parse(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return FromEpochInt(n), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return FromEpoch(f), nil
	}

	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}

	parser := dps.Parser{}
	cfg := &dps.Configuration{
		PreferredDateSource: dps.CurrentPeriod,
	}
	parsed, err := parser.Parse(cfg, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q: %w", s, err)
	}
	if parsed.IsZero() {
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	}
	return parsed.Time.UTC(), nil
}

// ParseAny normalizes the timestamp shapes produced by JSON decoding:
// strings, float64 / int epochs and time.Time values.
func ParseAny(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return Parse(t)
	case float64:
		return FromEpoch(t), nil
	case int64:
		return FromEpochInt(t), nil
	case int:
		return FromEpochInt(int64(t)), nil
	case uint64:
		return FromUnixNano(t), nil
	case nil:
		return time.Time{}, fmt.Errorf("missing timestamp")
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

// ParseRelative resolves API inputs such as "now-15m", "now", epoch seconds
// or any absolute timestamp accepted by Parse, relative to now.
func ParseRelative(s string, now time.Time) (time.Time, error) {
	trimmed := strings.ToLower(strings.TrimSpace(s))
	if trimmed == "now" {
		return now.UTC(), nil
	}
	if strings.HasPrefix(trimmed, "now-") {
		d, err := time.ParseDuration(strings.TrimPrefix(trimmed, "now-"))
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid relative timestamp %q: %w", s, err)
		}
		return now.Add(-d).UTC(), nil
	}
	return Parse(s)
}

// Package models defines the shared core data structures used throughout rootscope.
package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SpanStatus is the terminal status of a span.
type SpanStatus string

const (
	StatusOK    SpanStatus = "OK"
	StatusError SpanStatus = "ERROR"
)

// StatusDescriptionAttr is the span attribute holding the status message.
const StatusDescriptionAttr = "otel.status_description"

// Span is one unit of work inside a trace.
type Span struct {
	TraceID       string         `json:"trace_id"`
	SpanID        string         `json:"span_id"`
	ParentID      string         `json:"parent_id,omitempty"`
	ServiceName   string         `json:"service_name"`
	OperationName string         `json:"operation_name"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       time.Time      `json:"end_time"`
	Status        SpanStatus     `json:"status"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	Events        []SpanEvent    `json:"events,omitempty"`
}

// StatusMessage returns the status description recorded on the span.
func (s Span) StatusMessage() string {
	msg, _ := s.Attributes[StatusDescriptionAttr].(string)
	return msg
}

// SpanEvent is a timestamped annotation recorded on a span.
type SpanEvent struct {
	Name       string         `json:"name"`
	Timestamp  time.Time      `json:"timestamp"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// IsError reports whether the span finished with an error status.
func (s Span) IsError() bool {
	return s.Status == StatusError
}

// HasParent reports whether the span declares a parent span.
func (s Span) HasParent() bool {
	return s.ParentID != ""
}

// Duration returns the wall-clock duration of the span, never negative.
func (s Span) Duration() time.Duration {
	d := s.EndTime.Sub(s.StartTime)
	if d < 0 {
		return 0
	}
	return d
}

// LogRecord is a single log line, optionally correlated with a trace.
type LogRecord struct {
	TraceID     string            `json:"trace_id,omitempty"`
	SpanID      string            `json:"span_id,omitempty"`
	ServiceName string            `json:"service_name"`
	Timestamp   time.Time         `json:"timestamp"`
	Severity    string            `json:"severity"`
	Message     string            `json:"message"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Level returns the normalized severity of the record.
func (l LogRecord) Level() SeverityLevel {
	return ParseSeverity(l.Severity)
}

// MetricPoint is one sample of a per-service time series.
type MetricPoint struct {
	ServiceName string            `json:"service_name"`
	MetricName  string            `json:"metric_name"`
	Timestamp   time.Time         `json:"timestamp"`
	Value       float64           `json:"value"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// SeverityLevel orders log severities so they can be compared.
type SeverityLevel int

const (
	SeverityUnknown SeverityLevel = iota
	SeverityTrace
	SeverityDebug
	SeverityInfo
	SeverityWarn
	SeverityError
	SeverityFatal
)

func (l SeverityLevel) String() string {
	switch l {
	case SeverityTrace:
		return "TRACE"
	case SeverityDebug:
		return "DEBUG"
	case SeverityInfo:
		return "INFO"
	case SeverityWarn:
		return "WARN"
	case SeverityError:
		return "ERROR"
	case SeverityFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseSeverity maps textual severities ("warn", "WARNING", "E") and OTLP
// severity numbers (1-24) onto a SeverityLevel.
func ParseSeverity(s string) SeverityLevel {
	s = strings.TrimSpace(s)
	if s == "" {
		return SeverityUnknown
	}
	if n, err := strconv.Atoi(s); err == nil {
		switch {
		case n <= 0:
			return SeverityUnknown
		case n <= 4:
			return SeverityTrace
		case n <= 8:
			return SeverityDebug
		case n <= 12:
			return SeverityInfo
		case n <= 16:
			return SeverityWarn
		case n <= 20:
			return SeverityError
		default:
			return SeverityFatal
		}
	}

	switch strings.ToLower(s) {
	case "trace", "t", "trc":
		return SeverityTrace
	case "debug", "d", "dbg":
		return SeverityDebug
	case "info", "i", "inf", "information", "notice":
		return SeverityInfo
	case "warn", "warning", "w", "wrn":
		return SeverityWarn
	case "error", "err", "e", "erro":
		return SeverityError
	case "fatal", "f", "crit", "critical", "panic", "emerg", "alert":
		return SeverityFatal
	}
	return SeverityUnknown
}

// TimeRange is a closed interval of wall-clock time.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate ensures the range is non-empty and ordered.
func (r TimeRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return NewError(KindInvalidRequest, "time range requires both start and end")
	}
	if r.End.Before(r.Start) {
		return NewError(KindInvalidRequest, "time range end %s is before start %s",
			r.End.Format(time.RFC3339), r.Start.Format(time.RFC3339))
	}
	return nil
}

// Contains reports whether t falls inside the range, bounds included.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// Pad widens the range by d on both sides.
func (r TimeRange) Pad(d time.Duration) TimeRange {
	return TimeRange{Start: r.Start.Add(-d), End: r.End.Add(d)}
}

// Duration returns the length of the range.
func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%s, %s]", r.Start.Format(time.RFC3339Nano), r.End.Format(time.RFC3339Nano))
}

// Telemetry bundles everything retrieved for one analysis request.
// Values handed out by the telemetry index are shared and must be treated as
// read-only; use Clone before mutating.
type Telemetry struct {
	TraceID string        `json:"trace_id,omitempty"`
	Window  TimeRange     `json:"window"`
	Spans   []Span        `json:"spans"`
	Logs    []LogRecord   `json:"logs"`
	Metrics []MetricPoint `json:"metrics"`
}

// Clone returns a copy whose slices can be modified independently.
func (t *Telemetry) Clone() *Telemetry {
	if t == nil {
		return nil
	}
	return &Telemetry{
		TraceID: t.TraceID,
		Window:  t.Window,
		Spans:   append([]Span(nil), t.Spans...),
		Logs:    append([]LogRecord(nil), t.Logs...),
		Metrics: append([]MetricPoint(nil), t.Metrics...),
	}
}

// Services returns the sorted distinct service names observed in spans.
func (t *Telemetry) Services() []string {
	return ServicesOf(t.Spans)
}

// ServicesOf returns the sorted distinct service names of the given spans.
func ServicesOf(spans []Span) []string {
	seen := make(map[string]struct{}, len(spans))
	for _, s := range spans {
		seen[s.ServiceName] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SpanWindow returns the interval covered by the spans. The zero range is
// returned for an empty slice.
func SpanWindow(spans []Span) TimeRange {
	var r TimeRange
	for i, s := range spans {
		end := s.EndTime
		if end.Before(s.StartTime) {
			end = s.StartTime
		}
		if i == 0 || s.StartTime.Before(r.Start) {
			r.Start = s.StartTime
		}
		if i == 0 || end.After(r.End) {
			r.End = end
		}
	}
	return r
}

// Package otlp converts OpenTelemetry protobuf payloads into rootscope models.
package otlp

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"rootscope/internal/models"
	"rootscope/internal/timeutil"
)

// UnknownService is used when a resource carries no service.name attribute.
const UnknownService = "unknown_service"

// ServiceName returns the service.name resource attribute.
func ServiceName(res *resourcepb.Resource) string {
	for _, attr := range res.GetAttributes() {
		if attr.GetKey() == "service.name" {
			if name := attr.GetValue().GetStringValue(); name != "" {
				return name
			}
		}
	}
	return UnknownService
}

// Spans flattens resource spans into model spans.
func Spans(resourceSpans []*tracepb.ResourceSpans) []models.Span {
	var out []models.Span
	for _, rs := range resourceSpans {
		service := ServiceName(rs.GetResource())
		for _, ss := range rs.GetScopeSpans() {
			for _, s := range ss.GetSpans() {
				out = append(out, Span(s, service))
			}
		}
	}
	return out
}

// Span converts one OTLP span. UNSET status maps to OK.
func Span(s *tracepb.Span, service string) models.Span {
	status := models.StatusOK
	if s.GetStatus().GetCode() == tracepb.Status_STATUS_CODE_ERROR {
		status = models.StatusError
	}

	events := make([]models.SpanEvent, 0, len(s.GetEvents()))
	for _, e := range s.GetEvents() {
		events = append(events, models.SpanEvent{
			Name:       e.GetName(),
			Timestamp:  timeutil.FromUnixNano(e.GetTimeUnixNano()),
			Attributes: Attributes(e.GetAttributes()),
		})
	}

	attrs := Attributes(s.GetAttributes())
	if msg := s.GetStatus().GetMessage(); msg != "" {
		if attrs == nil {
			attrs = make(map[string]any, 1)
		}
		attrs[models.StatusDescriptionAttr] = msg
	}

	return models.Span{
		TraceID:       hex.EncodeToString(s.GetTraceId()),
		SpanID:        hex.EncodeToString(s.GetSpanId()),
		ParentID:      hex.EncodeToString(s.GetParentSpanId()),
		ServiceName:   service,
		OperationName: s.GetName(),
		StartTime:     timeutil.FromUnixNano(s.GetStartTimeUnixNano()),
		EndTime:       timeutil.FromUnixNano(s.GetEndTimeUnixNano()),
		Status:        status,
		Attributes:    attrs,
		Events:        events,
	}
}

// Logs flattens resource logs into model log records.
func Logs(resourceLogs []*logspb.ResourceLogs) []models.LogRecord {
	var out []models.LogRecord
	for _, rl := range resourceLogs {
		service := ServiceName(rl.GetResource())
		for _, sl := range rl.GetScopeLogs() {
			for _, l := range sl.GetLogRecords() {
				out = append(out, Log(l, service))
			}
		}
	}
	return out
}

// Log converts one OTLP log record. The observed time stands in for a
// missing event time.
func Log(l *logspb.LogRecord, service string) models.LogRecord {
	ts := l.GetTimeUnixNano()
	if ts == 0 {
		ts = l.GetObservedTimeUnixNano()
	}
	severity := l.GetSeverityText()
	if severity == "" && l.GetSeverityNumber() != logspb.SeverityNumber_SEVERITY_NUMBER_UNSPECIFIED {
		severity = strconv.Itoa(int(l.GetSeverityNumber()))
	}

	attrs := make(map[string]string, len(l.GetAttributes()))
	for k, v := range Attributes(l.GetAttributes()) {
		attrs[k] = fmt.Sprint(v)
	}

	return models.LogRecord{
		TraceID:     hex.EncodeToString(l.GetTraceId()),
		SpanID:      hex.EncodeToString(l.GetSpanId()),
		ServiceName: service,
		Timestamp:   timeutil.FromUnixNano(ts),
		Severity:    severity,
		Message:     valueString(l.GetBody()),
		Attributes:  attrs,
	}
}

// Metrics flattens gauges, sums and histograms into metric points.
// Histogram points become their mean (sum / count).
func Metrics(resourceMetrics []*metricspb.ResourceMetrics) []models.MetricPoint {
	var out []models.MetricPoint
	for _, rm := range resourceMetrics {
		service := ServiceName(rm.GetResource())
		for _, sm := range rm.GetScopeMetrics() {
			for _, m := range sm.GetMetrics() {
				out = append(out, metricPoints(m, service)...)
			}
		}
	}
	return out
}

func metricPoints(m *metricspb.Metric, service string) []models.MetricPoint {
	var out []models.MetricPoint
	number := func(dps []*metricspb.NumberDataPoint) {
		for _, dp := range dps {
			v := dp.GetAsDouble()
			if _, ok := dp.GetValue().(*metricspb.NumberDataPoint_AsInt); ok {
				v = float64(dp.GetAsInt())
			}
			out = append(out, models.MetricPoint{
				ServiceName: service,
				MetricName:  m.GetName(),
				Timestamp:   timeutil.FromUnixNano(dp.GetTimeUnixNano()),
				Value:       v,
				Labels:      stringAttributes(dp.GetAttributes()),
			})
		}
	}

	switch {
	case m.GetGauge() != nil:
		number(m.GetGauge().GetDataPoints())
	case m.GetSum() != nil:
		number(m.GetSum().GetDataPoints())
	case m.GetHistogram() != nil:
		for _, dp := range m.GetHistogram().GetDataPoints() {
			if dp.GetCount() == 0 {
				continue
			}
			out = append(out, models.MetricPoint{
				ServiceName: service,
				MetricName:  m.GetName(),
				Timestamp:   timeutil.FromUnixNano(dp.GetTimeUnixNano()),
				Value:       dp.GetSum() / float64(dp.GetCount()),
				Labels:      stringAttributes(dp.GetAttributes()),
			})
		}
	}
	return out
}

// Attributes converts key/values into scalar values. Arrays and maps are
// flattened to their string form.
func Attributes(kvs []*commonpb.KeyValue) map[string]any {
	if len(kvs) == 0 {
		return nil
	}
	out := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		out[kv.GetKey()] = scalar(kv.GetValue())
	}
	return out
}

func stringAttributes(kvs []*commonpb.KeyValue) map[string]string {
	if len(kvs) == 0 {
		return nil
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		out[kv.GetKey()] = valueString(kv.GetValue())
	}
	return out
}

func scalar(v *commonpb.AnyValue) any {
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue
	case *commonpb.AnyValue_BoolValue:
		return val.BoolValue
	case *commonpb.AnyValue_IntValue:
		return val.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return val.DoubleValue
	case nil:
		return nil
	default:
		return valueString(v)
	}
}

func valueString(v *commonpb.AnyValue) string {
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue
	case *commonpb.AnyValue_BoolValue:
		return strconv.FormatBool(val.BoolValue)
	case *commonpb.AnyValue_IntValue:
		return strconv.FormatInt(val.IntValue, 10)
	case *commonpb.AnyValue_DoubleValue:
		return strconv.FormatFloat(val.DoubleValue, 'g', -1, 64)
	case *commonpb.AnyValue_BytesValue:
		return hex.EncodeToString(val.BytesValue)
	case *commonpb.AnyValue_ArrayValue:
		parts := make([]string, 0, len(val.ArrayValue.GetValues()))
		for _, item := range val.ArrayValue.GetValues() {
			parts = append(parts, valueString(item))
		}
		return "[" + strings.Join(parts, ",") + "]"
	case *commonpb.AnyValue_KvlistValue:
		parts := make([]string, 0, len(val.KvlistValue.GetValues()))
		for _, kv := range val.KvlistValue.GetValues() {
			parts = append(parts, kv.GetKey()+"="+valueString(kv.GetValue()))
		}
		return "{" + strings.Join(parts, ",") + "}"
	default:
		return ""
	}
}

package otlp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"rootscope/internal/models"
)

func resource(service string) *resourcepb.Resource {
	return &resourcepb.Resource{Attributes: []*commonpb.KeyValue{
		{Key: "service.name", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: service}}},
	}}
}

func TestSpans(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	rs := []*tracepb.ResourceSpans{{
		Resource: resource("checkout-service"),
		ScopeSpans: []*tracepb.ScopeSpans{{Spans: []*tracepb.Span{{
			TraceId:           []byte{0x5b, 0x8a, 0xa5},
			SpanId:            []byte{0x01},
			ParentSpanId:      []byte{0x02},
			Name:              "PlaceOrder",
			StartTimeUnixNano: uint64(start.UnixNano()),
			EndTimeUnixNano:   uint64(start.Add(325 * time.Millisecond).UnixNano()),
			Status:            &tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR, Message: "Timeout calling payment-service"},
			Attributes: []*commonpb.KeyValue{
				{Key: "http.status_code", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: 504}}},
			},
		}, {
			SpanId: []byte{0x03},
			Status: &tracepb.Status{Code: tracepb.Status_STATUS_CODE_UNSET},
		}}}},
	}}

	spans := Spans(rs)
	require.Len(t, spans, 2)
	s := spans[0]
	assert.Equal(t, "5b8aa5", s.TraceID)
	assert.Equal(t, "02", s.ParentID)
	assert.Equal(t, "checkout-service", s.ServiceName)
	assert.Equal(t, models.StatusError, s.Status)
	assert.Equal(t, 325*time.Millisecond, s.Duration())
	assert.Equal(t, int64(504), s.Attributes["http.status_code"])
	assert.Equal(t, "Timeout calling payment-service", s.Attributes["otel.status_description"])

	assert.Equal(t, models.StatusOK, spans[1].Status)
	assert.False(t, spans[1].HasParent())
}

func TestLogsUseSeverityNumberFallback(t *testing.T) {
	rl := []*logspb.ResourceLogs{{
		Resource: resource("payment-service"),
		ScopeLogs: []*logspb.ScopeLogs{{LogRecords: []*logspb.LogRecord{{
			ObservedTimeUnixNano: 1709287200000000000,
			SeverityNumber:       logspb.SeverityNumber_SEVERITY_NUMBER_ERROR,
			Body:                 &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "connection refused"}},
			TraceId:              []byte{0xab},
		}}}},
	}}

	logs := Logs(rl)
	require.Len(t, logs, 1)
	assert.Equal(t, models.SeverityError, logs[0].Level())
	assert.Equal(t, "ab", logs[0].TraceID)
	assert.Equal(t, "", logs[0].SpanID)
	assert.Equal(t, int64(1709287200), logs[0].Timestamp.Unix())
}

func TestMetrics(t *testing.T) {
	ts := uint64(1709287200000000000)
	sum := 1700.0
	rm := []*metricspb.ResourceMetrics{{
		Resource: resource("payment-service"),
		ScopeMetrics: []*metricspb.ScopeMetrics{{Metrics: []*metricspb.Metric{
			{Name: "error_rate", Data: &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{DataPoints: []*metricspb.NumberDataPoint{
				{TimeUnixNano: ts, Value: &metricspb.NumberDataPoint_AsDouble{AsDouble: 0.23}},
			}}}},
			{Name: "requests", Data: &metricspb.Metric_Sum{Sum: &metricspb.Sum{DataPoints: []*metricspb.NumberDataPoint{
				{TimeUnixNano: ts, Value: &metricspb.NumberDataPoint_AsInt{AsInt: 42}},
			}}}},
			{Name: "latency_ms", Data: &metricspb.Metric_Histogram{Histogram: &metricspb.Histogram{DataPoints: []*metricspb.HistogramDataPoint{
				{TimeUnixNano: ts, Count: 2, Sum: &sum},
				{TimeUnixNano: ts, Count: 0},
			}}}},
		}}},
	}}

	points := Metrics(rm)
	require.Len(t, points, 3)
	assert.Equal(t, 0.23, points[0].Value)
	assert.Equal(t, 42.0, points[1].Value)
	assert.Equal(t, 850.0, points[2].Value)
	assert.Equal(t, "payment-service", points[2].ServiceName)
}

func TestServiceNameMissing(t *testing.T) {
	assert.Equal(t, UnknownService, ServiceName(nil))
}

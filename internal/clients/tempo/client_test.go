package tempo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"

	"rootscope/internal/models"
)

var start = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func traceBytes(t *testing.T, traceID []byte) []byte {
	t.Helper()
	svc := func(name string) *resourcepb.Resource {
		return &resourcepb.Resource{Attributes: []*commonpb.KeyValue{{
			Key: "service.name", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: name}},
		}}}
	}
	data := &tracepb.TracesData{ResourceSpans: []*tracepb.ResourceSpans{
		{Resource: svc("frontend"), ScopeSpans: []*tracepb.ScopeSpans{{Spans: []*tracepb.Span{{
			TraceId: traceID, SpanId: []byte{0x01}, Name: "GET /checkout",
			StartTimeUnixNano: uint64(start.UnixNano()), EndTimeUnixNano: uint64(start.Add(25 * time.Millisecond).UnixNano()),
		}}}}},
		{Resource: svc("checkout-service"), ScopeSpans: []*tracepb.ScopeSpans{{Spans: []*tracepb.Span{{
			TraceId: traceID, SpanId: []byte{0x02}, ParentSpanId: []byte{0x01}, Name: "PlaceOrder",
			StartTimeUnixNano: uint64(start.UnixNano()), EndTimeUnixNano: uint64(start.Add(325 * time.Millisecond).UnixNano()),
			Status: &tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR},
		}}}}},
	}}
	b, err := proto.Marshal(data)
	require.NoError(t, err)
	return b
}

func TestBuildQueries(t *testing.T) {
	assert.Equal(t, `{ resource.service.name = "cart" }`, BuildServiceQuery("cart"))
	assert.Equal(t, `{ resource.service.name = "a" || resource.service.name = "b" }`, BuildServiceQuery("a", "b"))
	assert.Equal(t, "{}", BuildServiceQuery())
	assert.Equal(t, `{ resource.service.name = "checkout" && status = error }`, BuildErrorSpansQuery("checkout"))
}

func TestTraceSpans(t *testing.T) {
	payload := traceBytes(t, []byte{0xab, 0xcd})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/traces/abcd", r.URL.Path)
		assert.Equal(t, "application/protobuf", r.Header.Get("Accept"))
		w.WriteHeader(http.StatusOK)
		w.Write(payload)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, 10, nil)
	spans, err := client.TraceSpans(context.Background(), "abcd")

	require.NoError(t, err)
	require.Len(t, spans, 2)
	assert.Equal(t, "frontend", spans[0].ServiceName)
	assert.Equal(t, "01", spans[1].ParentID)
	assert.True(t, spans[1].IsError())
}

func TestTraceSpansNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, 10, nil)
	_, err := client.TraceSpans(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestWindowSpansFiltersServices(t *testing.T) {
	payload := traceBytes(t, []byte{0x01})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/search":
			assert.Equal(t, `{ resource.service.name = "checkout-service" }`, r.URL.Query().Get("q"))
			w.Write([]byte(`{"traces": [{"traceID": "01", "rootServiceName": "frontend", "startTimeUnixNano": "1709287200000000000"}]}`))
		case "/api/traces/01":
			w.Write(payload)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, 10, nil)
	spans, err := client.WindowSpans(context.Background(), []string{"checkout-service"},
		models.TimeRange{Start: start.Add(-time.Minute), End: start.Add(time.Minute)})

	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, "checkout-service", spans[0].ServiceName)
}

func TestWindowSpansSkipsExpiredTraces(t *testing.T) {
	payload := traceBytes(t, []byte{0x01})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/search":
			w.Write([]byte(`{"traces": [{"traceID": "01"}, {"traceID": "02"}]}`))
		case "/api/traces/01":
			w.Write(payload)
		case "/api/traces/02":
			w.WriteHeader(http.StatusNotFound)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, 10, nil)
	spans, err := client.WindowSpans(context.Background(), nil,
		models.TimeRange{Start: start.Add(-time.Minute), End: start.Add(time.Minute)})

	require.NoError(t, err)
	assert.Len(t, spans, 2)
}

func TestWindowSpansFailsOnBackendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/search" {
			w.Write([]byte(`{"traces": [{"traceID": "01"}]}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, 10, nil)
	_, err := client.WindowSpans(context.Background(), nil,
		models.TimeRange{Start: start.Add(-time.Minute), End: start.Add(time.Minute)})
	assert.ErrorContains(t, err, "unexpected status code from tempo: 500")
	assert.NotErrorIs(t, err, models.ErrNotFound)
}

func TestFindTracesErrorsFirst(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") == BuildErrorSpansQuery("payment") {
			w.Write([]byte(`{"traces": [{"traceID": "err-1"}]}`))
			return
		}
		w.Write([]byte(`{"traces": [{"traceID": "ok-1"}, {"traceID": "err-1"}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, 10, nil)
	ids, err := client.FindTraces(context.Background(), "payment",
		models.TimeRange{Start: start, End: start.Add(time.Minute)}, 5)

	require.NoError(t, err)
	assert.Equal(t, []string{"err-1", "ok-1"}, ids)
}

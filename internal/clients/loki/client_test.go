package loki

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rootscope/internal/models"
)

var window = models.TimeRange{
	Start: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC),
}

func TestTraceLogs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/loki/api/v1/query_range", r.URL.Path)
		assert.Equal(t, `{service_name=~"checkout-service|frontend"} |= "5b8aa5"`, r.URL.Query().Get("query"))
		assert.Equal(t, "1709287200000000000", r.URL.Query().Get("start"))
		w.Write([]byte(`{
			"status": "success",
			"data": {
				"resultType": "streams",
				"result": [{
					"stream": {"service_name": "checkout-service", "level": "error"},
					"values": [
						["1709287200300000000", "Timeout calling payment-service trace_id=5b8aa5"],
						["1709287200400000000", "retrying", {"trace_id": "5b8aa5", "span_id": "5fb397"}],
						["garbage", "skipped"]
					]
				}]
			}
		}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, "", 100, nil)
	logs, err := client.TraceLogs(context.Background(), "5b8aa5", []string{"checkout-service", "frontend"}, window)

	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "checkout-service", logs[0].ServiceName)
	assert.Equal(t, models.SeverityError, logs[0].Level())
	assert.Equal(t, "5b8aa5", logs[0].TraceID)
	assert.Equal(t, int64(1709287200300), logs[0].Timestamp.UnixMilli())
	assert.Equal(t, "5fb397", logs[1].SpanID)
}

func TestWindowLogsExtractsTraceID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `{app=~".+"}`, r.URL.Query().Get("query"))
		w.Write([]byte(`{"status":"success","data":{"resultType":"streams","result":[{
			"stream": {"app": "payment-service"},
			"values": [
				["1709287200000000000", "{\"traceId\": \"0AF7651916CD43DD8448EB211C80319C\", \"msg\": \"db timeout\"}"],
				["1709287201000000000", "healthy"]
			]}]}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, "app", 100, nil)
	logs, err := client.WindowLogs(context.Background(), nil, window)

	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "payment-service", logs[0].ServiceName)
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", logs[0].TraceID)
	assert.Equal(t, "", logs[1].TraceID)
}

func TestQueryStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, "", 100, nil)
	_, err := client.WindowLogs(context.Background(), []string{"a"}, window)
	assert.Error(t, err)
}

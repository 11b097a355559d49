package prometheus

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
	End:   time.Date(2024, 3, 1, 10, 1, 0, 0, time.UTC),
}

func TestServiceMetrics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/query_range", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, `latency{svc="payment-service"}`, r.Form.Get("query"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{
			"status": "success",
			"data": {
				"resultType": "matrix",
				"result": [
					{
						"metric": {"svc": "payment-service"},
						"values": [[1709287200, "120"], [1709287215, "850"], [1709287230, "NaN"]]
					}
				]
			}
		}`))
	}))
	defer server.Close()

	client, err := NewClient(server.URL, map[string]string{"latency_p95_ms": `latency{svc="{{service}}"}`}, 15*time.Second, nil)
	require.NoError(t, err)

	points, err := client.ServiceMetrics(context.Background(), []string{"payment-service"}, window)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, "payment-service", points[1].ServiceName)
	assert.Equal(t, "latency_p95_ms", points[1].MetricName)
	assert.Equal(t, 850.0, points[1].Value)
	assert.Equal(t, int64(1709287215), points[1].Timestamp.Unix())
}

func TestServiceMetricsAllFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil, 0, nil)
	require.NoError(t, err)

	_, err = client.ServiceMetrics(context.Background(), []string{"a"}, window)
	assert.Error(t, err)
}

func TestServiceMetricsNoServices(t *testing.T) {
	client, err := NewClient("http://localhost:9090", nil, 0, nil)
	require.NoError(t, err)

	points, err := client.ServiceMetrics(context.Background(), nil, window)
	require.NoError(t, err)
	assert.Empty(t, points)
}

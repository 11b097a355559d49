package ingest

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"rootscope/internal/models"
	"rootscope/internal/telemetry"
)

func resource(service string) *resourcepb.Resource {
	return &resourcepb.Resource{Attributes: []*commonpb.KeyValue{{
		Key: "service.name", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: service}},
	}}}
}

func TestReceiverExportOverGRPC(t *testing.T) {
	store := telemetry.NewMemoryStore(0)
	recv := NewReceiver(store, nil)

	lis := bufconn.Listen(1 << 20)
	go recv.ServeListener(lis)
	defer recv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := uint64(time.Now().UnixNano())
	_, err = coltracepb.NewTraceServiceClient(conn).Export(ctx, &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: resource("checkout-service"),
			ScopeSpans: []*tracepb.ScopeSpans{{Spans: []*tracepb.Span{{
				TraceId: []byte{0x5b, 0x8a}, SpanId: []byte{0x01}, Name: "PlaceOrder",
				StartTimeUnixNano: now, EndTimeUnixNano: now + 1000,
				Status: &tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR},
			}}}},
		}},
	})
	require.NoError(t, err)

	_, err = collogspb.NewLogsServiceClient(conn).Export(ctx, &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: resource("checkout-service"),
			ScopeLogs: []*logspb.ScopeLogs{{LogRecords: []*logspb.LogRecord{{
				TimeUnixNano: now, SeverityText: "ERROR", TraceId: []byte{0x5b, 0x8a},
				Body: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "Timeout calling payment-service"}},
			}}}},
		}},
	})
	require.NoError(t, err)

	spans, err := store.TraceSpans(ctx, "5b8a")
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, models.StatusError, spans[0].Status)

	logs, err := store.TraceLogs(ctx, "5b8a", nil, models.TimeRange{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "checkout-service", logs[0].ServiceName)
}

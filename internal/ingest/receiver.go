// Package ingest runs an OTLP gRPC receiver that feeds the in-memory telemetry store.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"

	"rootscope/internal/metrics"
	"rootscope/internal/models"
	"rootscope/internal/otlp"
)

// Sink receives converted telemetry. telemetry.MemoryStore implements it.
type Sink interface {
	AddSpans(spans ...models.Span)
	AddLogs(logs ...models.LogRecord)
	AddMetrics(points ...models.MetricPoint)
}

// Receiver implements the OTLP trace, logs and metrics Export services.
type Receiver struct {
	sink   Sink
	logger *slog.Logger
	server *grpc.Server
}

// NewReceiver creates a receiver writing into sink.
func NewReceiver(sink Sink, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Receiver{sink: sink, logger: logger, server: grpc.NewServer()}
	coltracepb.RegisterTraceServiceServer(r.server, &traceService{r: r})
	collogspb.RegisterLogsServiceServer(r.server, &logsService{r: r})
	colmetricspb.RegisterMetricsServiceServer(r.server, &metricsService{r: r})
	return r
}

// Serve listens on addr until Stop is called.
func (r *Receiver) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	r.logger.Info("OTLP receiver listening", "addr", lis.Addr().String())
	return r.ServeListener(lis)
}

// ServeListener serves on an existing listener.
func (r *Receiver) ServeListener(lis net.Listener) error {
	if err := r.server.Serve(lis); err != nil {
		return fmt.Errorf("otlp receiver: %w", err)
	}
	return nil
}

// Stop drains in-flight exports and stops the server.
func (r *Receiver) Stop() {
	r.server.GracefulStop()
}

type traceService struct {
	coltracepb.UnimplementedTraceServiceServer
	r *Receiver
}

func (s *traceService) Export(_ context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	spans := otlp.Spans(req.GetResourceSpans())
	for _, sp := range spans {
		if sp.ServiceName == otlp.UnknownService {
			s.r.logger.Warn("Service name not found in resource spans", "trace_id", sp.TraceID)
			break
		}
	}
	s.r.sink.AddSpans(spans...)
	metrics.IngestedRecords.WithLabelValues("spans").Add(float64(len(spans)))
	return &coltracepb.ExportTraceServiceResponse{}, nil
}

type logsService struct {
	collogspb.UnimplementedLogsServiceServer
	r *Receiver
}

func (s *logsService) Export(_ context.Context, req *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	logs := otlp.Logs(req.GetResourceLogs())
	s.r.sink.AddLogs(logs...)
	metrics.IngestedRecords.WithLabelValues("logs").Add(float64(len(logs)))
	return &collogspb.ExportLogsServiceResponse{}, nil
}

type metricsService struct {
	colmetricspb.UnimplementedMetricsServiceServer
	r *Receiver
}

func (s *metricsService) Export(_ context.Context, req *colmetricspb.ExportMetricsServiceRequest) (*colmetricspb.ExportMetricsServiceResponse, error) {
	points := otlp.Metrics(req.GetResourceMetrics())
	s.r.sink.AddMetrics(points...)
	metrics.IngestedRecords.WithLabelValues("metrics").Add(float64(len(points)))
	return &colmetricspb.ExportMetricsServiceResponse{}, nil
}

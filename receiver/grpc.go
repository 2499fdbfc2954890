package receiver

import (
	"context"
	"time"

	otelprep "github.com/honeycombio/otelprep"
	"github.com/honeycombio/otelprep/otlp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	collectorlogs "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	collectormetrics "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
)

// authInterceptor rejects calls whose bearer token does not match token.
// An empty token accepts everything.
func authInterceptor(token string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ri := otlp.GetRequestInfoFromGrpcMetadata(ctx)
		if err := ri.Authenticate(token); err != nil {
			return nil, otlp.AsGRPCError(err)
		}
		return handler(ctx, req)
	}
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("duration", time.Since(start)),
			zap.String("code", status.Code(err).String()),
		}
		if err != nil {
			logger.Warn("gRPC export failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("gRPC export", fields...)
		}
		return resp, err
	}
}

func reportExport(ctx context.Context, signal string, req proto.Message, count int) {
	otelprep.SetAttributes(ctx, map[string]any{
		"otlp.signal":        signal,
		"otlp.request_bytes": proto.Size(req),
		"otlp.record_count":  count,
	})
}

type traceService struct {
	collectortrace.UnimplementedTraceServiceServer
	r *Receiver
}

func (s *traceService) Export(ctx context.Context, req *collectortrace.ExportTraceServiceRequest) (*collectortrace.ExportTraceServiceResponse, error) {
	spans, err := otlp.DecodeTraceRequest(req)
	if err != nil {
		return nil, otlp.AsGRPCError(err)
	}
	reportExport(ctx, "traces", req, len(spans))
	if err := s.r.write(ctx, toRecords(spans, otlp.Span.ToMap)); err != nil {
		return nil, otlp.AsGRPCError(err)
	}
	return &collectortrace.ExportTraceServiceResponse{}, nil
}

type logsService struct {
	collectorlogs.UnimplementedLogsServiceServer
	r *Receiver
}

func (s *logsService) Export(ctx context.Context, req *collectorlogs.ExportLogsServiceRequest) (*collectorlogs.ExportLogsServiceResponse, error) {
	logs, err := otlp.DecodeLogsRequest(req)
	if err != nil {
		return nil, otlp.AsGRPCError(err)
	}
	reportExport(ctx, "logs", req, len(logs))
	if err := s.r.write(ctx, toRecords(logs, otlp.OpenTelemetryLog.ToMap)); err != nil {
		return nil, otlp.AsGRPCError(err)
	}
	return &collectorlogs.ExportLogsServiceResponse{}, nil
}

type metricsService struct {
	collectormetrics.UnimplementedMetricsServiceServer
	r *Receiver
}

func (s *metricsService) Export(ctx context.Context, req *collectormetrics.ExportMetricsServiceRequest) (*collectormetrics.ExportMetricsServiceResponse, error) {
	metrics, err := otlp.DecodeMetricsRequest(req)
	if err != nil {
		return nil, otlp.AsGRPCError(err)
	}
	reportExport(ctx, "metrics", req, len(metrics))
	if err := s.r.write(ctx, toRecords(metrics, otlp.Metric.ToMap)); err != nil {
		return nil, otlp.AsGRPCError(err)
	}
	return &collectormetrics.ExportMetricsServiceResponse{}, nil
}

// Package receiver accepts OTLP exports over gRPC and HTTP and writes the
// decoded records to the buffer.
package receiver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/honeycombio/otelprep/buffer"
	"github.com/honeycombio/otelprep/config"
	"github.com/honeycombio/otelprep/otlp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	_ "google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	collectorlogs "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	collectormetrics "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
)

// errBufferFull tells clients to back off and retry.
var errBufferFull = otlp.OTLPError{
	Message:        "buffer is full, retry later",
	HTTPStatusCode: http.StatusServiceUnavailable,
	GRPCStatusCode: codes.ResourceExhausted,
}

type Receiver struct {
	grpcConf config.GRPCConfig
	httpConf config.HTTPConfig
	buf      *buffer.Buffer
	logger   *zap.Logger

	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	tlsConfig  *tls.Config
}

func New(grpcConf config.GRPCConfig, httpConf config.HTTPConfig, buf *buffer.Buffer, logger *zap.Logger) (*Receiver, error) {
	r := &Receiver{
		grpcConf: grpcConf,
		httpConf: httpConf,
		buf:      buf,
		logger:   logger.Named("receiver"),
	}

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(int(grpcConf.MaxRecvMsgSize)),
		grpc.ChainUnaryInterceptor(loggingInterceptor(r.logger), authInterceptor(grpcConf.AuthToken)),
	}
	if grpcConf.TLS.Enabled() {
		cert, err := tls.LoadX509KeyPair(grpcConf.TLS.CertFile, grpcConf.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS certificate: %w", err)
		}
		r.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(r.tlsConfig)))
	}

	r.grpcServer = grpc.NewServer(opts...)
	collectortrace.RegisterTraceServiceServer(r.grpcServer, &traceService{r: r})
	collectorlogs.RegisterLogsServiceServer(r.grpcServer, &logsService{r: r})
	collectormetrics.RegisterMetricsServiceServer(r.grpcServer, &metricsService{r: r})

	if grpcConf.HealthCheck {
		r.health = health.NewServer()
		healthpb.RegisterHealthServer(r.grpcServer, r.health)
	}
	if grpcConf.ProtoReflection {
		reflection.Register(r.grpcServer)
	}
	return r, nil
}

// Serve runs the gRPC server on lis until Shutdown.
func (r *Receiver) Serve(lis net.Listener) error {
	r.logger.Info("starting OTLP gRPC server", zap.String("address", lis.Addr().String()))
	if err := r.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Start listens on the configured addresses and serves in the background.
func (r *Receiver) Start() error {
	lis, err := net.Listen("tcp", r.grpcConf.Address)
	if err != nil {
		return fmt.Errorf("create gRPC listener: %w", err)
	}
	go func() {
		if err := r.Serve(lis); err != nil {
			r.logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	if !r.httpConf.Enabled {
		return nil
	}
	r.httpServer = &http.Server{
		Addr:              r.httpConf.Address,
		Handler:           r.Handler(),
		TLSConfig:         r.tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		r.logger.Info("starting OTLP HTTP server", zap.String("address", r.httpConf.Address))
		var err error
		if r.tlsConfig != nil {
			err = r.httpServer.ListenAndServeTLS("", "")
		} else {
			err = r.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops accepting exports and waits for in-flight ones until ctx
// is done.
func (r *Receiver) Shutdown(ctx context.Context) error {
	if r.health != nil {
		r.health.Shutdown()
	}

	var err error
	if r.httpServer != nil {
		err = multierr.Append(err, r.httpServer.Shutdown(ctx))
	}

	stopped := make(chan struct{})
	go func() {
		r.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
		r.logger.Info("OTLP receiver shut down")
	case <-ctx.Done():
		r.logger.Warn("OTLP receiver shutdown timed out, forcing stop")
		r.grpcServer.Stop()
		err = multierr.Append(err, ctx.Err())
	}
	return err
}

// write hands records to the buffer, mapping a full buffer to errBufferFull.
func (r *Receiver) write(ctx context.Context, records []buffer.Record) error {
	err := r.buf.WriteAll(ctx, records, r.grpcConf.RequestTimeout)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, buffer.ErrSizeOverflow), errors.Is(err, buffer.ErrTimeout):
		r.logger.Warn("dropping export, buffer is full", zap.Int("records", len(records)), zap.Error(err))
		return errBufferFull
	default:
		return err
	}
}

func toRecords[T any](items []T, toMap func(T) map[string]any) []buffer.Record {
	records := make([]buffer.Record, len(items))
	for i, item := range items {
		records[i] = buffer.Record{Data: toMap(item)}
	}
	return records
}

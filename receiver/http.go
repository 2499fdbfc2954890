package receiver

import (
	"context"
	"io"
	"net/http"

	"github.com/honeycombio/otelprep/otlp"
	"go.uber.org/zap"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	collectorlogs "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	collectormetrics "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
)

// Handler serves OTLP/HTTP on the standard signal paths.
func (r *Receiver) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /v1/traces", exportHandler(r, otlp.DecodeTraceRequestFromReader, otlp.Span.ToMap, &collectortrace.ExportTraceServiceResponse{}))
	mux.Handle("POST /v1/logs", exportHandler(r, otlp.DecodeLogsRequestFromReader, otlp.OpenTelemetryLog.ToMap, &collectorlogs.ExportLogsServiceResponse{}))
	mux.Handle("POST /v1/metrics", exportHandler(r, otlp.DecodeMetricsRequestFromReader, otlp.Metric.ToMap, &collectormetrics.ExportMetricsServiceResponse{}))
	return mux
}

func exportHandler[T any](r *Receiver, decode func(context.Context, io.ReadCloser, otlp.RequestInfo) ([]T, error), toMap func(T) map[string]any, response proto.Message) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ri := otlp.GetRequestInfoFromHttpHeaders(req.Header)
		ri.MaxBodySize = int64(r.httpConf.MaxRequestBodySize)

		if err := ri.Authenticate(r.grpcConf.AuthToken); err != nil {
			writeError(w, ri, err)
			return
		}
		items, err := decode(req.Context(), req.Body, ri)
		if err != nil {
			r.logger.Debug("rejecting OTLP/HTTP export", zap.String("path", req.URL.Path), zap.Error(err))
			writeError(w, ri, err)
			return
		}
		if err := r.write(req.Context(), toRecords(items, toMap)); err != nil {
			writeError(w, ri, err)
			return
		}
		writeResponse(w, ri, response)
	}
}

func isProtobuf(contentType string) bool {
	return contentType == "application/protobuf" || contentType == "application/x-protobuf"
}

func writeResponse(w http.ResponseWriter, ri otlp.RequestInfo, response proto.Message) {
	var (
		body []byte
		err  error
	)
	if isProtobuf(ri.ContentType) {
		body, err = proto.Marshal(response)
	} else {
		ri.ContentType = "application/json"
		body, err = protojson.Marshal(response)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ri.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// writeError answers protobuf clients with a google.rpc.Status message and
// everyone else with a JSON body.
func writeError(w http.ResponseWriter, ri otlp.RequestInfo, err error) {
	code := otlp.HTTPStatusCode(err)
	if isProtobuf(ri.ContentType) {
		st := &spb.Status{
			Code:    int32(status.Code(otlp.AsGRPCError(err))),
			Message: err.Error(),
		}
		if body, merr := proto.Marshal(st); merr == nil {
			w.Header().Set("Content-Type", ri.ContentType)
			w.WriteHeader(code)
			_, _ = w.Write(body)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, otlp.AsJson(err))
}

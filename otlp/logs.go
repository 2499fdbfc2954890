package otlp

import (
	"context"
	"encoding/hex"
	"io"

	otelprep "github.com/honeycombio/otelprep"
	collectorLogs "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	logs "go.opentelemetry.io/proto/otlp/logs/v1"
	"google.golang.org/protobuf/proto"
)

// DecodeLogsRequestFromReader decodes an OTLP/HTTP logs request body.
// RequestInfo is the parsed information from the HTTP headers
func DecodeLogsRequestFromReader(ctx context.Context, body io.ReadCloser, ri RequestInfo) ([]OpenTelemetryLog, error) {
	if err := ri.ValidateHeaders(); err != nil {
		return nil, err
	}
	request := &collectorLogs.ExportLogsServiceRequest{}
	if err := parseOtlpRequestBody(body, ri.ContentType, ri.ContentEncoding, request, ri.maxBodySize()); err != nil {
		return nil, err
	}
	records, err := DecodeLogsRequest(request)
	if err != nil {
		return nil, err
	}
	otelprep.SetAttributes(ctx, map[string]any{
		"otlp.signal":        "logs",
		"otlp.request_bytes": proto.Size(request),
		"otlp.record_count":  len(records),
	})
	return records, nil
}

// DecodeLogsRequest flattens every log record of request. Resource
// attributes and record attributes are merged under their own prefixes.
func DecodeLogsRequest(request *collectorLogs.ExportLogsServiceRequest) ([]OpenTelemetryLog, error) {
	records := []OpenTelemetryLog{}
	for _, rl := range request.GetResourceLogs() {
		resourceAttrs, err := getResourceAttributes(rl.GetResource())
		if err != nil {
			return nil, err
		}
		var serviceName string
		if name := getServiceName(rl.GetResource()); name != nil {
			serviceName = *name
		}

		scopeLogs, err := scopeLogsOf(rl)
		if err != nil {
			return nil, err
		}
		for _, sl := range scopeLogs {
			schemaURL := sl.GetSchemaUrl()
			if schemaURL == "" {
				schemaURL = rl.GetSchemaUrl()
			}
			for _, lr := range sl.GetLogRecords() {
				record, err := decodeLogRecord(lr, serviceName, schemaURL, resourceAttrs)
				if err != nil {
					return nil, err
				}
				records = append(records, record)
			}
		}
	}
	return records, nil
}

func decodeLogRecord(lr *logs.LogRecord, serviceName, schemaURL string, resourceAttrs map[string]any) (OpenTelemetryLog, error) {
	logAttrs, err := flattenAttributes(LogAttributesPrefix, lr.GetAttributes())
	if err != nil {
		return OpenTelemetryLog{}, err
	}
	body, err := flattenValue(lr.GetBody())
	if err != nil {
		return OpenTelemetryLog{}, err
	}
	return OpenTelemetryLog{
		ServiceName:            serviceName,
		Time:                   unixNanoToISO8601(lr.GetTimeUnixNano()),
		ObservedTime:           unixNanoToISO8601(lr.GetObservedTimeUnixNano()),
		Body:                   body,
		Attributes:             mergeInto(make(map[string]any, len(resourceAttrs)+len(logAttrs)), resourceAttrs, logAttrs),
		DroppedAttributesCount: lr.GetDroppedAttributesCount(),
		SchemaURL:              schemaURL,
		SeverityNumber:         int32(lr.GetSeverityNumber()),
		SeverityText:           lr.GetSeverityText(),
		Flags:                  lr.GetFlags(),
		TraceID:                hex.EncodeToString(lr.GetTraceId()),
		SpanID:                 hex.EncodeToString(lr.GetSpanId()),
	}, nil
}

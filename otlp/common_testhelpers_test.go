package otlp

import (
	"bytes"
	"errors"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	collectorlogs "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	common "go.opentelemetry.io/proto/otlp/common/v1"
	logs "go.opentelemetry.io/proto/otlp/logs/v1"
	resource "go.opentelemetry.io/proto/otlp/resource/v1"
	trace "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// transforms an OTLP signal request proto struct into a supported Content-Type
// and then encoded appropriately for an HTTP request
func prepareOtlpRequestHttpBody(req proto.Message, contentType string, encoding string) (string, error) {
	var bodyBytes []byte
	var err error
	switch contentType {
	case "application/protobuf", "application/x-protobuf":
		bodyBytes, err = proto.Marshal(req)
	case "application/json":
		bodyBytes, err = protojson.Marshal(req)
	default:
		return "", errors.New("Unknown content-type '" + contentType + "' given for test case. This probably won't go well.")
	}
	if err != nil {
		return "", err
	}
	return encodeBody(bodyBytes, encoding)
}

// Encode a slice of bytes destined to be the body of an HTTP request
// to a target encoding.
func encodeBody(body []byte, encoding string) (string, error) {
	encodedBytes := new(bytes.Buffer)
	switch encoding {
	case "":
		encodedBytes.Write(body)
	case "gzip":
		w := gzip.NewWriter(encodedBytes)
		w.Write(body)
		w.Close()
	case "zstd":
		w, _ := zstd.NewWriter(encodedBytes)
		w.Write(body)
		w.Close()
	default:
		return "", errors.New("Unknown content-encoding '" + encoding + "' given for test case. This probably won't go well.")
	}
	return encodedBytes.String(), nil
}

// e.g. "application/x-protobuf" -> "x-protobuf"
func testCaseNameForContentType(contentType string) string {
	return strings.Split(contentType, "/")[1]
}

func testCaseNameForEncoding(encoding string) string {
	if encoding == "" {
		return "no encoding given assume uncompressed"
	}
	return encoding
}

// appendLegacyScopeUnit adds unit to msg under the deprecated
// instrumentation library field, the way pre-1.0 exporters sent it.
func appendLegacyScopeUnit(msg protoreflect.ProtoMessage, unit proto.Message) error {
	b, err := proto.Marshal(unit)
	if err != nil {
		return err
	}
	m := msg.ProtoReflect()
	raw := append([]byte(nil), m.GetUnknown()...)
	raw = protowire.AppendTag(raw, legacyInstrumentationLibraryField, protowire.BytesType)
	raw = protowire.AppendBytes(raw, b)
	m.SetUnknown(raw)
	return nil
}

func stringKV(key, value string) *common.KeyValue {
	return &common.KeyValue{Key: key, Value: &common.AnyValue{Value: &common.AnyValue_StringValue{StringValue: value}}}
}

func intKV(key string, value int64) *common.KeyValue {
	return &common.KeyValue{Key: key, Value: &common.AnyValue{Value: &common.AnyValue_IntValue{IntValue: value}}}
}

// Build a trace with one root span and two children, spread over two scopes.
func buildExportTraceServiceRequest(traceID []byte, rootID, childAID, childBID []byte, start time.Time) *collectortrace.ExportTraceServiceRequest {
	startNanos := uint64(start.UnixNano())
	return &collectortrace.ExportTraceServiceRequest{
		ResourceSpans: []*trace.ResourceSpans{{
			Resource: &resource.Resource{
				Attributes: []*common.KeyValue{
					stringKV("service.name", "checkout"),
					stringKV("deployment.environment", "prod"),
				},
			},
			ScopeSpans: []*trace.ScopeSpans{{
				Scope: &common.InstrumentationScope{Name: "io.opentelemetry.http", Version: "1.2.3"},
				Spans: []*trace.Span{{
					TraceId:           traceID,
					SpanId:            rootID,
					Name:              "GET /cart",
					Kind:              trace.Span_SPAN_KIND_SERVER,
					StartTimeUnixNano: startNanos,
					EndTimeUnixNano:   startNanos + uint64(50*time.Millisecond),
					Attributes:        []*common.KeyValue{stringKV("http.method", "GET"), intKV("http.status_code", 200)},
					Status:            &trace.Status{Code: trace.Status_STATUS_CODE_OK},
					Events: []*trace.Span_Event{{
						Name:         "cache.miss",
						TimeUnixNano: startNanos + uint64(time.Millisecond),
						Attributes:   []*common.KeyValue{stringKV("cache.key", "cart:42")},
					}},
				}, {
					TraceId:           traceID,
					SpanId:            childAID,
					ParentSpanId:      rootID,
					Name:              "SELECT cart",
					Kind:              trace.Span_SPAN_KIND_CLIENT,
					StartTimeUnixNano: startNanos + uint64(2*time.Millisecond),
					EndTimeUnixNano:   startNanos + uint64(20*time.Millisecond),
					Attributes: []*common.KeyValue{{
						Key: "db.details",
						Value: &common.AnyValue{Value: &common.AnyValue_KvlistValue{KvlistValue: &common.KeyValueList{
							Values: []*common.KeyValue{stringKV("statement.params", "42"), intKV("rows", 3)},
						}}},
					}},
					Status: &trace.Status{Code: trace.Status_STATUS_CODE_ERROR, Message: "timeout"},
				}},
			}, {
				Scope: &common.InstrumentationScope{Name: "custom"},
				Spans: []*trace.Span{{
					TraceId:           traceID,
					SpanId:            childBID,
					ParentSpanId:      rootID,
					Name:              "render",
					Kind:              trace.Span_SPAN_KIND_INTERNAL,
					TraceState:        "ot=th:8",
					StartTimeUnixNano: startNanos + uint64(21*time.Millisecond),
					EndTimeUnixNano:   startNanos + uint64(49*time.Millisecond),
					Links: []*trace.Span_Link{{
						TraceId:    traceID,
						SpanId:     childAID,
						TraceState: "vendor=1",
						Attributes: []*common.KeyValue{stringKV("link.reason", "follows")},
					}},
				}},
			}},
		}},
	}
}

// Build an OTel Logs request. Provide a valid OTel traceID and spanID, a time for the log entry, and a service name.
func buildExportLogsServiceRequest(traceID []byte, spanID []byte, startTimestamp time.Time, testServiceName string) *collectorlogs.ExportLogsServiceRequest {
	return &collectorlogs.ExportLogsServiceRequest{
		ResourceLogs: []*logs.ResourceLogs{{
			Resource: &resource.Resource{
				Attributes: []*common.KeyValue{
					stringKV("resource_attr", "resource_attr_val"),
					stringKV("service.name", testServiceName),
				},
			},
			ScopeLogs: []*logs.ScopeLogs{{
				Scope: &common.InstrumentationScope{
					Name:       "instr_scope_name",
					Version:    "instr_scope_version",
					Attributes: []*common.KeyValue{stringKV("scope_attr", "scope_attr_val")},
				},
				SchemaUrl: "schemaurl",
				LogRecords: []*logs.LogRecord{{
					TraceId:                traceID,
					SpanId:                 spanID,
					TimeUnixNano:           uint64(startTimestamp.UnixNano()),
					ObservedTimeUnixNano:   uint64(startTimestamp.Add(2 * time.Second).UnixNano()),
					SeverityText:           "test_severity_text",
					SeverityNumber:         logs.SeverityNumber_SEVERITY_NUMBER_DEBUG,
					DroppedAttributesCount: 3,
					Body:                   &common.AnyValue{Value: &common.AnyValue_StringValue{StringValue: "Log value"}},
					Attributes:             []*common.KeyValue{stringKV("statement.params", "us-east-1")},
				}},
			}},
		}},
	}
}

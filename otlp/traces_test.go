package otlp

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/honeycombio/otelprep/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	common "go.opentelemetry.io/proto/otlp/common/v1"
	trace "go.opentelemetry.io/proto/otlp/trace/v1"
)

func TestDecodeTraceRequest(t *testing.T) {
	traceID := test.RandomBytes(16)
	rootID, childAID, childBID := test.RandomBytes(8), test.RandomBytes(8), test.RandomBytes(8)
	startTimestamp := time.Date(2020, 5, 24, 14, 0, 0, 0, time.UTC)

	spans, err := DecodeTraceRequest(buildExportTraceServiceRequest(traceID, rootID, childAID, childBID, startTimestamp))
	require.NoError(t, err)
	require.Len(t, spans, 3)

	for _, span := range spans {
		if span.IsRoot() {
			require.NotNil(t, span.TraceGroup)
			require.NotNil(t, span.TraceGroupFields)
		} else {
			assert.Nil(t, span.TraceGroup)
			assert.Nil(t, span.TraceGroupFields)
		}
		assert.Contains(t, span.Attributes, "resource.attributes.service@name")
		assert.Contains(t, span.Attributes, InstrumentationScopeName)
		assert.Contains(t, span.Attributes, StatusCode)
		assert.Equal(t, hex.EncodeToString(traceID), span.TraceID)
		require.NotNil(t, span.ServiceName)
		assert.Equal(t, "checkout", *span.ServiceName)
	}

	root := spans[0]
	assert.Equal(t, hex.EncodeToString(rootID), root.SpanID)
	assert.Equal(t, "", root.ParentSpanID)
	assert.Equal(t, "GET /cart", root.Name)
	assert.Equal(t, "SPAN_KIND_SERVER", root.Kind)
	assert.Equal(t, "2020-05-24T14:00:00Z", root.StartTime)
	assert.Equal(t, "2020-05-24T14:00:00.05Z", root.EndTime)
	assert.Equal(t, int64(50*time.Millisecond), root.DurationInNanos)
	assert.Equal(t, "GET /cart", *root.TraceGroup)
	assert.Equal(t, TraceGroupFields{
		EndTime:         "2020-05-24T14:00:00.05Z",
		DurationInNanos: int64(50 * time.Millisecond),
		StatusCode:      int(trace.Status_STATUS_CODE_OK),
	}, *root.TraceGroupFields)
	assert.Equal(t, map[string]any{
		"resource.attributes.service@name":           "checkout",
		"resource.attributes.deployment@environment": "prod",
		InstrumentationScopeName:                     "io.opentelemetry.http",
		InstrumentationScopeVer:                      "1.2.3",
		"span.attributes.http@method":                "GET",
		"span.attributes.http@status_code":           int64(200),
		StatusCode:                                   1,
	}, root.Attributes)
	require.Len(t, root.Events, 1)
	assert.Equal(t, SpanEvent{
		Name:       "cache.miss",
		Time:       "2020-05-24T14:00:00.001Z",
		Attributes: map[string]any{"cache@key": "cart:42"},
	}, root.Events[0])
	assert.Zero(t, root.AdjustedCount)

	childA := spans[1]
	assert.Equal(t, hex.EncodeToString(rootID), childA.ParentSpanID)
	assert.Equal(t, 2, childA.Attributes[StatusCode])
	assert.Equal(t, "timeout", childA.Attributes[StatusMessage])
	raw, ok := childA.Attributes["span.attributes.db@details"].(string)
	require.True(t, ok)
	var details map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &details))
	assert.Contains(t, details, "statement@params")

	childB := spans[2]
	assert.Equal(t, "custom", childB.Attributes[InstrumentationScopeName])
	assert.NotContains(t, childB.Attributes, InstrumentationScopeVer)
	assert.Equal(t, 2.0, childB.AdjustedCount)
	require.Len(t, childB.Links, 1)
	assert.Equal(t, Link{
		TraceID:    hex.EncodeToString(traceID),
		SpanID:     hex.EncodeToString(childAID),
		TraceState: "vendor=1",
		Attributes: map[string]any{"link@reason": "follows"},
	}, childB.Links[0])
}

func TestDecodeTraceRequestNoSpans(t *testing.T) {
	spans, err := DecodeTraceRequest(&collectortrace.ExportTraceServiceRequest{})
	require.NoError(t, err)
	assert.Empty(t, spans)

	spans, err = DecodeTraceRequest(&collectortrace.ExportTraceServiceRequest{
		ResourceSpans: []*trace.ResourceSpans{{ScopeSpans: []*trace.ScopeSpans{{}}}},
	})
	require.NoError(t, err)
	assert.Empty(t, spans)
}

func TestDecodeTraceRequestFailsOnBytesAttribute(t *testing.T) {
	req := &collectortrace.ExportTraceServiceRequest{
		ResourceSpans: []*trace.ResourceSpans{{
			ScopeSpans: []*trace.ScopeSpans{{
				Spans: []*trace.Span{
					{SpanId: test.RandomBytes(8), Name: "ok"},
					{
						SpanId: test.RandomBytes(8),
						Attributes: []*common.KeyValue{{
							Key:   "payload",
							Value: &common.AnyValue{Value: &common.AnyValue_BytesValue{BytesValue: []byte("raw")}},
						}},
					},
				},
			}},
		}},
	}
	spans, err := DecodeTraceRequest(req)
	assert.True(t, errors.Is(err, ErrUnsupportedEncoding))
	assert.Nil(t, spans)
}

func TestDecodeTraceRequestInstrumentationLibrarySpans(t *testing.T) {
	rs := &trace.ResourceSpans{}
	require.NoError(t, appendLegacyScopeUnit(rs, &trace.ScopeSpans{
		Scope: &common.InstrumentationScope{Name: "legacy-lib", Version: "0.9"},
		Spans: []*trace.Span{{SpanId: test.RandomBytes(8), Name: "old"}},
	}))

	spans, err := DecodeTraceRequest(&collectortrace.ExportTraceServiceRequest{ResourceSpans: []*trace.ResourceSpans{rs}})
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, "old", spans[0].Name)
	assert.Equal(t, "legacy-lib", spans[0].Attributes[InstrumentationScopeName])
	assert.Equal(t, "0.9", spans[0].Attributes[InstrumentationScopeVer])
}

func TestDecodeTraceRequestScopeSpansTakesPrecedence(t *testing.T) {
	rs := &trace.ResourceSpans{
		ScopeSpans: []*trace.ScopeSpans{{
			Scope: &common.InstrumentationScope{Name: "current"},
			Spans: []*trace.Span{{SpanId: test.RandomBytes(8), Name: "new"}},
		}},
	}
	require.NoError(t, appendLegacyScopeUnit(rs, &trace.ScopeSpans{
		Scope: &common.InstrumentationScope{Name: "legacy"},
		Spans: []*trace.Span{{SpanId: test.RandomBytes(8), Name: "old"}},
	}))

	spans, err := DecodeTraceRequest(&collectortrace.ExportTraceServiceRequest{ResourceSpans: []*trace.ResourceSpans{rs}})
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, "new", spans[0].Name)
	assert.Equal(t, "current", spans[0].Attributes[InstrumentationScopeName])
}

func TestDecodeTraceRequestFromReader(t *testing.T) {
	traceID := test.RandomBytes(16)
	req := buildExportTraceServiceRequest(traceID, test.RandomBytes(8), test.RandomBytes(8), test.RandomBytes(8), time.Now())

	for _, contentType := range GetSupportedContentTypes() {
		t.Run(testCaseNameForContentType(contentType), func(t *testing.T) {
			for _, encoding := range GetSupportedContentEncodings() {
				t.Run(testCaseNameForEncoding(encoding), func(t *testing.T) {
					body, err := prepareOtlpRequestHttpBody(req, contentType, encoding)
					require.NoError(t, err)

					ri := RequestInfo{ContentType: contentType, ContentEncoding: encoding}
					spans, err := DecodeTraceRequestFromReader(context.Background(), io.NopCloser(strings.NewReader(body)), ri)
					require.NoError(t, err)
					require.Len(t, spans, 3)
					assert.Equal(t, hex.EncodeToString(traceID), spans[0].TraceID)
				})
			}
		})
	}
}

func TestDecodeTraceRequestFromReaderErrors(t *testing.T) {
	ri := RequestInfo{ContentType: "text/plain"}
	_, err := DecodeTraceRequestFromReader(context.Background(), io.NopCloser(strings.NewReader("")), ri)
	assert.Equal(t, ErrInvalidContentType, err)

	ri = RequestInfo{ContentType: "application/protobuf"}
	_, err = DecodeTraceRequestFromReader(context.Background(), io.NopCloser(strings.NewReader("\xff\xff\xff")), ri)
	assert.True(t, errors.Is(err, ErrFailedParseBody))

	ri = RequestInfo{ContentType: "application/protobuf", ContentEncoding: "brotli"}
	_, err = DecodeTraceRequestFromReader(context.Background(), io.NopCloser(strings.NewReader("")), ri)
	assert.True(t, errors.Is(err, ErrFailedParseBody))
}

func TestDecodeTraceRequestFromReaderEnforcesMaxBodySize(t *testing.T) {
	req := buildExportTraceServiceRequest(test.RandomBytes(16), test.RandomBytes(8), test.RandomBytes(8), test.RandomBytes(8), time.Now())
	body, err := prepareOtlpRequestHttpBody(req, "application/protobuf", "gzip")
	require.NoError(t, err)

	ri := RequestInfo{ContentType: "application/protobuf", ContentEncoding: "gzip", MaxBodySize: 16}
	_, err = DecodeTraceRequestFromReader(context.Background(), io.NopCloser(strings.NewReader(body)), ri)
	assert.True(t, errors.Is(err, ErrFailedParseBody))
}

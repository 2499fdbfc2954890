package otlp

import (
	"context"
	"encoding/hex"
	"io"

	otelprep "github.com/honeycombio/otelprep"
	collectorTrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	trace "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"
)

// DecodeTraceRequestFromReader decodes an OTLP/HTTP trace request body.
// RequestInfo is the parsed information from the HTTP headers
func DecodeTraceRequestFromReader(ctx context.Context, body io.ReadCloser, ri RequestInfo) ([]Span, error) {
	if err := ri.ValidateHeaders(); err != nil {
		return nil, err
	}
	request := &collectorTrace.ExportTraceServiceRequest{}
	if err := parseOtlpRequestBody(body, ri.ContentType, ri.ContentEncoding, request, ri.maxBodySize()); err != nil {
		return nil, err
	}
	spans, err := DecodeTraceRequest(request)
	if err != nil {
		return nil, err
	}
	otelprep.SetAttributes(ctx, map[string]any{
		"otlp.signal":        "traces",
		"otlp.request_bytes": proto.Size(request),
		"otlp.record_count":  len(spans),
	})
	return spans, nil
}

// DecodeTraceRequest flattens every span of request into a Span.
func DecodeTraceRequest(request *collectorTrace.ExportTraceServiceRequest) ([]Span, error) {
	spans := []Span{}
	for _, rs := range request.GetResourceSpans() {
		decoded, err := DecodeResourceSpans(rs)
		if err != nil {
			return nil, err
		}
		spans = append(spans, decoded...)
	}
	return spans, nil
}

// DecodeResourceSpans flattens the spans of a single resource unit.
func DecodeResourceSpans(rs *trace.ResourceSpans) ([]Span, error) {
	resourceAttrs, err := getResourceAttributes(rs.GetResource())
	if err != nil {
		return nil, err
	}
	serviceName := getServiceName(rs.GetResource())

	scopeSpans, err := scopeSpansOf(rs)
	if err != nil {
		return nil, err
	}

	var spans []Span
	for _, ss := range scopeSpans {
		scopeAttrs, err := getScopeAttributes(ss.GetScope())
		if err != nil {
			return nil, err
		}
		for _, span := range ss.GetSpans() {
			decoded, err := decodeSpan(span, serviceName, resourceAttrs, scopeAttrs)
			if err != nil {
				return nil, err
			}
			spans = append(spans, decoded)
		}
	}
	return spans, nil
}

func decodeSpan(span *trace.Span, serviceName *string, resourceAttrs, scopeAttrs map[string]any) (Span, error) {
	spanAttrs, err := flattenAttributes(SpanAttributesPrefix, span.GetAttributes())
	if err != nil {
		return Span{}, err
	}
	// copy resource & scope attributes then span attributes
	attrs := mergeInto(make(map[string]any, len(resourceAttrs)+len(scopeAttrs)+len(spanAttrs)+2),
		resourceAttrs, scopeAttrs, spanAttrs, getStatusAttributes(span.GetStatus()))

	events := make([]SpanEvent, 0, len(span.GetEvents()))
	for _, e := range span.GetEvents() {
		event, err := decodeSpanEvent(e)
		if err != nil {
			return Span{}, err
		}
		events = append(events, event)
	}
	links := make([]Link, 0, len(span.GetLinks()))
	for _, l := range span.GetLinks() {
		link, err := decodeSpanLink(l)
		if err != nil {
			return Span{}, err
		}
		links = append(links, link)
	}

	s := Span{
		TraceID:                hex.EncodeToString(span.GetTraceId()),
		SpanID:                 hex.EncodeToString(span.GetSpanId()),
		ParentSpanID:           hex.EncodeToString(span.GetParentSpanId()),
		TraceState:             span.GetTraceState(),
		Name:                   span.GetName(),
		Kind:                   span.GetKind().String(),
		StartTime:              unixNanoToISO8601(span.GetStartTimeUnixNano()),
		EndTime:                unixNanoToISO8601(span.GetEndTimeUnixNano()),
		DurationInNanos:        int64(span.GetEndTimeUnixNano() - span.GetStartTimeUnixNano()),
		Attributes:             attrs,
		DroppedAttributesCount: span.GetDroppedAttributesCount(),
		DroppedEventsCount:     span.GetDroppedEventsCount(),
		DroppedLinksCount:      span.GetDroppedLinksCount(),
		Events:                 events,
		Links:                  links,
		ServiceName:            serviceName,
		TraceGroup:             getTraceGroup(span),
		TraceGroupFields:       getTraceGroupFields(span),
	}
	if count, ok := adjustedCountFromTraceState(s.TraceState); ok {
		s.AdjustedCount = count
	}
	return s, nil
}

// getTraceGroup names the trace after its root span; other spans have none.
func getTraceGroup(span *trace.Span) *string {
	if len(span.GetParentSpanId()) != 0 {
		return nil
	}
	name := span.GetName()
	return &name
}

func getTraceGroupFields(span *trace.Span) *TraceGroupFields {
	if len(span.GetParentSpanId()) != 0 {
		return nil
	}
	return &TraceGroupFields{
		EndTime:         unixNanoToISO8601(span.GetEndTimeUnixNano()),
		DurationInNanos: int64(span.GetEndTimeUnixNano() - span.GetStartTimeUnixNano()),
		StatusCode:      int(span.GetStatus().GetCode()),
	}
}

func decodeSpanEvent(e *trace.Span_Event) (SpanEvent, error) {
	attrs, err := flattenAttributes("", e.GetAttributes())
	if err != nil {
		return SpanEvent{}, err
	}
	return SpanEvent{
		Name:                   e.GetName(),
		Time:                   unixNanoToISO8601(e.GetTimeUnixNano()),
		Attributes:             attrs,
		DroppedAttributesCount: e.GetDroppedAttributesCount(),
	}, nil
}

func decodeSpanLink(l *trace.Span_Link) (Link, error) {
	attrs, err := flattenAttributes("", l.GetAttributes())
	if err != nil {
		return Link{}, err
	}
	return Link{
		TraceID:                hex.EncodeToString(l.GetTraceId()),
		SpanID:                 hex.EncodeToString(l.GetSpanId()),
		TraceState:             l.GetTraceState(),
		Attributes:             attrs,
		DroppedAttributesCount: l.GetDroppedAttributesCount(),
	}, nil
}

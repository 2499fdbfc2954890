package otlp

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	common "go.opentelemetry.io/proto/otlp/common/v1"
	resource "go.opentelemetry.io/proto/otlp/resource/v1"
	trace "go.opentelemetry.io/proto/otlp/trace/v1"
)

// EncodeSpanAttributes returns the span-local attributes of attrs as wire
// key/values, sorted by key. Every "@" in a key becomes ".", so a key that
// held a literal "@" before decoding does not come back unchanged.
func EncodeSpanAttributes(attrs map[string]any) ([]*common.KeyValue, error) {
	return encodePrefixedAttributes(SpanAttributesPrefix, attrs, nil)
}

// EncodeResourceAttributes returns the resource attributes of attrs except
// service.name, which EncodeResource sets from the span's service name.
func EncodeResourceAttributes(attrs map[string]any) ([]*common.KeyValue, error) {
	return encodePrefixedAttributes(ResourceAttributesPrefix, attrs, func(key string) bool {
		return key == escapedServiceNameAttrKey
	})
}

func encodePrefixedAttributes(prefix string, attrs map[string]any, skip func(string) bool) ([]*common.KeyValue, error) {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if skip != nil && skip(k[len(prefix):]) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kvs := make([]*common.KeyValue, 0, len(keys))
	for _, k := range keys {
		value, err := genericToValue(attrs[k])
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		kvs = append(kvs, &common.KeyValue{Key: unescapeKey(k[len(prefix):]), Value: value})
	}
	return kvs, nil
}

// encodeAttributes encodes an unprefixed map, as carried by span events and
// links.
func encodeAttributes(attrs map[string]any) ([]*common.KeyValue, error) {
	return encodePrefixedAttributes("", attrs, nil)
}

// EncodeResource rebuilds a resource from the resource attributes in attrs,
// adding service.name when serviceName is set.
func EncodeResource(serviceName *string, attrs map[string]any) (*resource.Resource, error) {
	kvs, err := EncodeResourceAttributes(attrs)
	if err != nil {
		return nil, err
	}
	if serviceName != nil {
		kvs = append(kvs, &common.KeyValue{
			Key:   ServiceNameAttribute,
			Value: &common.AnyValue{Value: &common.AnyValue_StringValue{StringValue: *serviceName}},
		})
	}
	return &resource.Resource{Attributes: kvs}, nil
}

// EncodeInstrumentationScope rebuilds the scope from the instrumentationScope
// keys of attrs. Missing keys leave the corresponding field empty.
func EncodeInstrumentationScope(attrs map[string]any) (*common.InstrumentationScope, error) {
	scope := &common.InstrumentationScope{}
	if name, ok := attrs[InstrumentationScopeName].(string); ok {
		scope.Name = name
	}
	if version, ok := attrs[InstrumentationScopeVer].(string); ok {
		scope.Version = version
	}
	kvs, err := encodePrefixedAttributes(ScopeAttributesPrefix, attrs, nil)
	if err != nil {
		return nil, err
	}
	if len(kvs) > 0 {
		scope.Attributes = kvs
	}
	return scope, nil
}

// EncodeStatus rebuilds the span status from the status keys of attrs.
func EncodeStatus(attrs map[string]any) *trace.Status {
	status := &trace.Status{}
	if code, ok := toInt64(attrs[StatusCode]); ok {
		status.Code = trace.Status_StatusCode(code)
	}
	if msg, ok := attrs[StatusMessage].(string); ok {
		status.Message = msg
	}
	return status
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func EncodeSpanEvent(e SpanEvent) (*trace.Span_Event, error) {
	ts, err := ISO8601ToNanos(e.Time)
	if err != nil {
		return nil, err
	}
	attrs, err := encodeAttributes(e.Attributes)
	if err != nil {
		return nil, err
	}
	return &trace.Span_Event{
		Name:                   e.Name,
		TimeUnixNano:           uint64(ts),
		Attributes:             attrs,
		DroppedAttributesCount: e.DroppedAttributesCount,
	}, nil
}

func EncodeSpanLink(l Link) (*trace.Span_Link, error) {
	traceID, err := hex.DecodeString(l.TraceID)
	if err != nil {
		return nil, fmt.Errorf("link trace id: %w", err)
	}
	spanID, err := hex.DecodeString(l.SpanID)
	if err != nil {
		return nil, fmt.Errorf("link span id: %w", err)
	}
	attrs, err := encodeAttributes(l.Attributes)
	if err != nil {
		return nil, err
	}
	return &trace.Span_Link{
		TraceId:                nilIfEmpty(traceID),
		SpanId:                 nilIfEmpty(spanID),
		TraceState:             l.TraceState,
		Attributes:             attrs,
		DroppedAttributesCount: l.DroppedAttributesCount,
	}, nil
}

// EncodeSpan converts s back into a wire span. Resource and scope data in
// the attribute map are not part of the span and are ignored here.
func EncodeSpan(s Span) (*trace.Span, error) {
	ids := make([][]byte, 3)
	for i, id := range []string{s.TraceID, s.SpanID, s.ParentSpanID} {
		b, err := hex.DecodeString(id)
		if err != nil {
			return nil, fmt.Errorf("span id %q: %w", id, err)
		}
		ids[i] = nilIfEmpty(b)
	}
	start, err := ISO8601ToNanos(s.StartTime)
	if err != nil {
		return nil, err
	}
	end, err := ISO8601ToNanos(s.EndTime)
	if err != nil {
		return nil, err
	}
	attrs, err := EncodeSpanAttributes(s.Attributes)
	if err != nil {
		return nil, err
	}

	span := &trace.Span{
		TraceId:                ids[0],
		SpanId:                 ids[1],
		ParentSpanId:           ids[2],
		TraceState:             s.TraceState,
		Name:                   s.Name,
		Kind:                   trace.Span_SpanKind(trace.Span_SpanKind_value[s.Kind]),
		StartTimeUnixNano:      uint64(start),
		EndTimeUnixNano:        uint64(end),
		Attributes:             attrs,
		DroppedAttributesCount: s.DroppedAttributesCount,
		DroppedEventsCount:     s.DroppedEventsCount,
		DroppedLinksCount:      s.DroppedLinksCount,
	}
	if _, ok := s.Attributes[StatusCode]; ok {
		span.Status = EncodeStatus(s.Attributes)
	} else if _, ok := s.Attributes[StatusMessage]; ok {
		span.Status = EncodeStatus(s.Attributes)
	}
	for _, e := range s.Events {
		event, err := EncodeSpanEvent(e)
		if err != nil {
			return nil, err
		}
		span.Events = append(span.Events, event)
	}
	for _, l := range s.Links {
		link, err := EncodeSpanLink(l)
		if err != nil {
			return nil, err
		}
		span.Links = append(span.Links, link)
	}
	return span, nil
}

// EncodeSpanAsResourceUnit wraps s in exactly one scope unit inside exactly
// one resource unit. The original batching of spans is not rebuilt. A span
// that carries no resource, scope or service name data gets empty resource
// and scope messages.
func EncodeSpanAsResourceUnit(s Span) (*trace.ResourceSpans, error) {
	span, err := EncodeSpan(s)
	if err != nil {
		return nil, err
	}
	res, err := EncodeResource(s.ServiceName, s.Attributes)
	if err != nil {
		return nil, err
	}
	scope, err := EncodeInstrumentationScope(s.Attributes)
	if err != nil {
		return nil, err
	}
	return &trace.ResourceSpans{
		Resource: res,
		ScopeSpans: []*trace.ScopeSpans{{
			Scope: scope,
			Spans: []*trace.Span{span},
		}},
	}, nil
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

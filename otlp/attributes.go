package otlp

import (
	"fmt"

	common "go.opentelemetry.io/proto/otlp/common/v1"
	resource "go.opentelemetry.io/proto/otlp/resource/v1"
	trace "go.opentelemetry.io/proto/otlp/trace/v1"
)

// Namespaces used for keys in the flattened attribute map.
const (
	ResourceAttributesPrefix  = "resource.attributes."
	SpanAttributesPrefix      = "span.attributes."
	LogAttributesPrefix       = "log.attributes."
	ExemplarAttributesPrefix  = "exemplar.attributes."
	MetricAttributesPrefix    = "metric.attributes."
	ScopeAttributesPrefix     = "instrumentationScope.attributes."
	InstrumentationScopeName  = "instrumentationScope.name"
	InstrumentationScopeVer   = "instrumentationScope.version"
	StatusCode                = "status.code"
	StatusMessage             = "status.message"
	ServiceNameAttribute      = "service.name"
	escapedServiceNameAttrKey = "service@name"
)

// flattenAttributes converts wire key/values into an attribute map. Every key
// is escaped and prefixed; a repeated key keeps its last value.
func flattenAttributes(prefix string, attributes []*common.KeyValue) (map[string]any, error) {
	attrs := make(map[string]any, len(attributes))
	if err := addAttributesToMap(prefix, attrs, attributes); err != nil {
		return nil, err
	}
	return attrs, nil
}

func addAttributesToMap(prefix string, attrs map[string]any, attributes []*common.KeyValue) error {
	for _, attr := range attributes {
		// ignore entries if the key is empty or value is nil
		if attr.GetKey() == "" || attr.GetValue() == nil {
			continue
		}
		val, err := flattenValue(attr.Value)
		if err != nil {
			return fmt.Errorf("attribute %q: %w", attr.Key, err)
		}
		if val != nil {
			attrs[prefix+escapeKey(attr.Key)] = val
		}
	}
	return nil
}

func getResourceAttributes(r *resource.Resource) (map[string]any, error) {
	return flattenAttributes(ResourceAttributesPrefix, r.GetAttributes())
}

// getScopeAttributes only emits name and version when they are set, so an
// empty scope yields an empty map.
func getScopeAttributes(scope *common.InstrumentationScope) (map[string]any, error) {
	attrs := map[string]any{}
	if scope == nil {
		return attrs, nil
	}
	if scope.Name != "" {
		attrs[InstrumentationScopeName] = scope.Name
	}
	if scope.Version != "" {
		attrs[InstrumentationScopeVer] = scope.Version
	}
	if err := addAttributesToMap(ScopeAttributesPrefix, attrs, scope.Attributes); err != nil {
		return nil, err
	}
	return attrs, nil
}

// getStatusAttributes always reports a status code, falling back to UNSET
// when the span carries no status.
func getStatusAttributes(status *trace.Status) map[string]any {
	attrs := map[string]any{
		StatusCode: int(status.GetCode()),
	}
	if msg := status.GetMessage(); msg != "" {
		attrs[StatusMessage] = msg
	}
	return attrs
}

// getServiceName returns the resource's service.name when it is a string.
func getServiceName(r *resource.Resource) *string {
	for _, attr := range r.GetAttributes() {
		if attr.GetKey() != ServiceNameAttribute {
			continue
		}
		if sv, ok := attr.GetValue().GetValue().(*common.AnyValue_StringValue); ok {
			name := sv.StringValue
			return &name
		}
	}
	return nil
}

func mergeInto(dst map[string]any, srcs ...map[string]any) map[string]any {
	for _, src := range srcs {
		for k, v := range src {
			dst[k] = v
		}
	}
	return dst
}

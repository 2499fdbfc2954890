package otelprep

import "context"

// SetAttributesFunc is a function that can be used to set attributes in telemetry controlled
// by users of this package, such as span.SetAttributes for OTel users.
var SetAttributesFunc func(ctx context.Context, attributes map[string]any) = nil

// SetAttributes is used internally to report request level details through the configured
// SetAttributesFunc. It does nothing until one is set.
func SetAttributes(ctx context.Context, attributes map[string]any) {
	if SetAttributesFunc != nil {
		SetAttributesFunc(ctx, attributes)
	}
}

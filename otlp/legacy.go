package otlp

import (
	"fmt"

	logs "go.opentelemetry.io/proto/otlp/logs/v1"
	metrics "go.opentelemetry.io/proto/otlp/metrics/v1"
	trace "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Resource units used to carry their scope units in a deprecated
// "instrumentation_library_*" field numbered 1000. The message it held is
// wire compatible with today's scope unit (instrumentation library name and
// version share field numbers with the scope), so the raw bytes are decoded
// straight into the current types. Current generated code no longer knows
// the field, which leaves it in the unknown field set.
const legacyInstrumentationLibraryField protowire.Number = 1000

// legacyScopeUnits returns the raw bytes of every field-1000 entry of msg.
func legacyScopeUnits(msg protoreflect.ProtoMessage) ([][]byte, error) {
	raw := msg.ProtoReflect().GetUnknown()
	var units [][]byte
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return nil, fmt.Errorf("reading unknown field tag: %w", protowire.ParseError(n))
		}
		raw = raw[n:]
		if num == legacyInstrumentationLibraryField && typ == protowire.BytesType {
			b, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return nil, fmt.Errorf("reading field %d: %w", num, protowire.ParseError(n))
			}
			units = append(units, b)
			raw = raw[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, raw)
		if n < 0 {
			return nil, fmt.Errorf("skipping field %d: %w", num, protowire.ParseError(n))
		}
		raw = raw[n:]
	}
	return units, nil
}

// scopeSpansOf returns the scope units of rs. The legacy field is only
// consulted when the current one is empty.
func scopeSpansOf(rs *trace.ResourceSpans) ([]*trace.ScopeSpans, error) {
	if len(rs.GetScopeSpans()) > 0 {
		return rs.GetScopeSpans(), nil
	}
	units, err := legacyScopeUnits(rs)
	if err != nil {
		return nil, err
	}
	out := make([]*trace.ScopeSpans, 0, len(units))
	for _, b := range units {
		ss := &trace.ScopeSpans{}
		if err := proto.Unmarshal(b, ss); err != nil {
			return nil, fmt.Errorf("decoding instrumentation library spans: %w", err)
		}
		out = append(out, ss)
	}
	return out, nil
}

func scopeLogsOf(rl *logs.ResourceLogs) ([]*logs.ScopeLogs, error) {
	if len(rl.GetScopeLogs()) > 0 {
		return rl.GetScopeLogs(), nil
	}
	units, err := legacyScopeUnits(rl)
	if err != nil {
		return nil, err
	}
	out := make([]*logs.ScopeLogs, 0, len(units))
	for _, b := range units {
		sl := &logs.ScopeLogs{}
		if err := proto.Unmarshal(b, sl); err != nil {
			return nil, fmt.Errorf("decoding instrumentation library logs: %w", err)
		}
		out = append(out, sl)
	}
	return out, nil
}

func scopeMetricsOf(rm *metrics.ResourceMetrics) ([]*metrics.ScopeMetrics, error) {
	if len(rm.GetScopeMetrics()) > 0 {
		return rm.GetScopeMetrics(), nil
	}
	units, err := legacyScopeUnits(rm)
	if err != nil {
		return nil, err
	}
	out := make([]*metrics.ScopeMetrics, 0, len(units))
	for _, b := range units {
		sm := &metrics.ScopeMetrics{}
		if err := proto.Unmarshal(b, sm); err != nil {
			return nil, fmt.Errorf("decoding instrumentation library metrics: %w", err)
		}
		out = append(out, sm)
	}
	return out, nil
}

package otlp

import (
	"fmt"
	"math"
	"strings"

	common "go.opentelemetry.io/proto/otlp/common/v1"
)

const keyEscape = "@"

// escapeKey replaces the dots in an attribute key so that flattened keys can
// be told apart from the namespace separators.
func escapeKey(key string) string {
	return strings.ReplaceAll(key, ".", keyEscape)
}

func unescapeKey(key string) string {
	return strings.ReplaceAll(key, keyEscape, ".")
}

// valueToGeneric converts a wire value into a plain Go value: nil, bool,
// int64, float64, string, []any or map[string]any. Map keys are escaped the
// same way attribute keys are. Byte values have no generic form.
func valueToGeneric(value *common.AnyValue) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch v := value.Value.(type) {
	case nil:
		return nil, nil
	case *common.AnyValue_BoolValue:
		return v.BoolValue, nil
	case *common.AnyValue_IntValue:
		return v.IntValue, nil
	case *common.AnyValue_DoubleValue:
		return v.DoubleValue, nil
	case *common.AnyValue_StringValue:
		return v.StringValue, nil
	case *common.AnyValue_ArrayValue:
		items := v.ArrayValue.GetValues()
		arr := make([]any, len(items))
		for i, item := range items {
			converted, err := valueToGeneric(item)
			if err != nil {
				return nil, err
			}
			arr[i] = converted
		}
		return arr, nil
	case *common.AnyValue_KvlistValue:
		items := v.KvlistValue.GetValues()
		m := make(map[string]any, len(items))
		for _, item := range items {
			converted, err := valueToGeneric(item.GetValue())
			if err != nil {
				return nil, err
			}
			m[escapeKey(item.GetKey())] = converted
		}
		return m, nil
	case *common.AnyValue_BytesValue:
		return nil, fmt.Errorf("bytes value: %w", ErrUnsupportedEncoding)
	default:
		return nil, fmt.Errorf("value type %T: %w", v, ErrUnsupportedEncoding)
	}
}

// flattenValue returns the form a wire value takes inside an attribute map.
// Scalars are stored as themselves; lists and maps become compact JSON text.
func flattenValue(value *common.AnyValue) (any, error) {
	generic, err := valueToGeneric(value)
	if err != nil {
		return nil, err
	}
	switch generic.(type) {
	case []any, map[string]any:
		b, err := json.Marshal(generic)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return generic, nil
}

// genericToValue is the encode direction of valueToGeneric. Only scalar
// values can be encoded; anything else is rejected rather than stringified.
func genericToValue(value any) (*common.AnyValue, error) {
	switch v := value.(type) {
	case nil:
		return &common.AnyValue{}, nil
	case bool:
		return &common.AnyValue{Value: &common.AnyValue_BoolValue{BoolValue: v}}, nil
	case string:
		return &common.AnyValue{Value: &common.AnyValue_StringValue{StringValue: v}}, nil
	case int:
		return intValue(int64(v)), nil
	case int8:
		return intValue(int64(v)), nil
	case int16:
		return intValue(int64(v)), nil
	case int32:
		return intValue(int64(v)), nil
	case int64:
		return intValue(v), nil
	case uint8:
		return intValue(int64(v)), nil
	case uint16:
		return intValue(int64(v)), nil
	case uint32:
		return intValue(int64(v)), nil
	case uint:
		if uint64(v) > math.MaxInt64 {
			break
		}
		return intValue(int64(v)), nil
	case uint64:
		if v > math.MaxInt64 {
			break
		}
		return intValue(int64(v)), nil
	case float32:
		return &common.AnyValue{Value: &common.AnyValue_DoubleValue{DoubleValue: float64(v)}}, nil
	case float64:
		return &common.AnyValue{Value: &common.AnyValue_DoubleValue{DoubleValue: v}}, nil
	}
	return nil, fmt.Errorf("value of type %T: %w", value, ErrUnsupportedEncoding)
}

func intValue(i int64) *common.AnyValue {
	return &common.AnyValue{Value: &common.AnyValue_IntValue{IntValue: i}}
}

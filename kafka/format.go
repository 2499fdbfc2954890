package kafka

import (
	"fmt"

	"github.com/honeycombio/otelprep/config"
	"github.com/honeycombio/otelprep/otlp"
	"github.com/valyala/fastjson"
	"google.golang.org/protobuf/proto"

	collectorlogs "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	collectormetrics "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
)

// kafkaKeyField carries the record key on every event decoded from it.
const kafkaKeyField = "kafka_key"

// decoder turns one kafka record into zero or more events.
type decoder func(key, value []byte) ([]map[string]any, error)

func newDecoder(format string) (decoder, error) {
	switch format {
	case config.FormatOTLPTraces:
		return decodeOTLPTraces, nil
	case config.FormatOTLPLogs:
		return decodeOTLPLogs, nil
	case config.FormatOTLPMetrics:
		return decodeOTLPMetrics, nil
	case config.FormatJSON:
		var p fastjson.Parser
		return func(_, value []byte) ([]map[string]any, error) {
			v, err := p.ParseBytes(value)
			if err != nil {
				return nil, err
			}
			obj, err := v.Object()
			if err != nil {
				return nil, fmt.Errorf("json record: %w", err)
			}
			return []map[string]any{objectToMap(obj)}, nil
		}, nil
	case config.FormatPlaintext:
		// a keyed line is stored under its key, anything else as "message"
		return func(key, value []byte) ([]map[string]any, error) {
			field := "message"
			if len(key) > 0 {
				field = string(key)
			}
			return []map[string]any{{field: string(value)}}, nil
		}, nil
	}
	return nil, fmt.Errorf("unknown record format %q", format)
}

func decodeOTLPTraces(_, value []byte) ([]map[string]any, error) {
	req := &collectortrace.ExportTraceServiceRequest{}
	if err := proto.Unmarshal(value, req); err != nil {
		return nil, fmt.Errorf("%w: %v", otlp.ErrFailedParseBody, err)
	}
	spans, err := otlp.DecodeTraceRequest(req)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(spans))
	for i, s := range spans {
		out[i] = s.ToMap()
	}
	return out, nil
}

func decodeOTLPLogs(_, value []byte) ([]map[string]any, error) {
	req := &collectorlogs.ExportLogsServiceRequest{}
	if err := proto.Unmarshal(value, req); err != nil {
		return nil, fmt.Errorf("%w: %v", otlp.ErrFailedParseBody, err)
	}
	logs, err := otlp.DecodeLogsRequest(req)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(logs))
	for i, l := range logs {
		out[i] = l.ToMap()
	}
	return out, nil
}

func decodeOTLPMetrics(_, value []byte) ([]map[string]any, error) {
	req := &collectormetrics.ExportMetricsServiceRequest{}
	if err := proto.Unmarshal(value, req); err != nil {
		return nil, fmt.Errorf("%w: %v", otlp.ErrFailedParseBody, err)
	}
	metrics, err := otlp.DecodeMetricsRequest(req)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(metrics))
	for i, m := range metrics {
		out[i] = m.ToMap()
	}
	return out, nil
}

func objectToMap(obj *fastjson.Object) map[string]any {
	m := make(map[string]any, obj.Len())
	obj.Visit(func(key []byte, v *fastjson.Value) {
		m[string(key)] = jsonValue(v)
	})
	return m
}

// jsonValue keeps integers as int64 and every other number as float64.
func jsonValue(v *fastjson.Value) any {
	switch v.Type() {
	case fastjson.TypeObject:
		return objectToMap(v.GetObject())
	case fastjson.TypeArray:
		items := v.GetArray()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = jsonValue(item)
		}
		return out
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	case fastjson.TypeNumber:
		if i, err := v.Int64(); err == nil {
			return i
		}
		return v.GetFloat64()
	case fastjson.TypeTrue:
		return true
	case fastjson.TypeFalse:
		return false
	}
	return nil
}

package kafka

import (
	"testing"

	"github.com/honeycombio/otelprep/config"
	"github.com/honeycombio/otelprep/otlp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/protobuf/proto"

	collectorlogs "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	collectormetrics "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	common "go.opentelemetry.io/proto/otlp/common/v1"
	logs "go.opentelemetry.io/proto/otlp/logs/v1"
	metrics "go.opentelemetry.io/proto/otlp/metrics/v1"
)

func TestNewDecoder(t *testing.T) {
	testCases := []struct {
		name   string
		format string
		key    string
		value  string
		want   []map[string]any
		err    bool
	}{
		{name: "plaintext without key", format: config.FormatPlaintext, value: "hello", want: []map[string]any{{"message": "hello"}}},
		{name: "plaintext with key", format: config.FormatPlaintext, key: "line", value: "hello", want: []map[string]any{{"line": "hello"}}},
		{name: "json object", format: config.FormatJSON, value: `{"n":2,"f":2.5,"s":"x","b":false,"z":null,"l":[1,"a"]}`, want: []map[string]any{{
			"n": int64(2), "f": 2.5, "s": "x", "b": false, "z": nil, "l": []any{int64(1), "a"},
		}}},
		{name: "json not an object", format: config.FormatJSON, value: `[1,2]`, err: true},
		{name: "json malformed", format: config.FormatJSON, value: `{"a":`, err: true},
		{name: "otlp garbage", format: config.FormatOTLPTraces, value: "\xff\xff\xff", err: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			decode, err := newDecoder(tc.format)
			require.NoError(t, err)

			var key []byte
			if tc.key != "" {
				key = []byte(tc.key)
			}
			got, err := decode(key, []byte(tc.value))
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNewDecoderUnknownFormat(t *testing.T) {
	_, err := newDecoder("avro")
	assert.ErrorContains(t, err, `unknown record format "avro"`)
}

func TestDecodeOTLPGarbageIsParseError(t *testing.T) {
	_, err := decodeOTLPLogs(nil, []byte("\xff\xff\xff"))
	assert.ErrorIs(t, err, otlp.ErrFailedParseBody)
}

func TestDecodeOTLPLogs(t *testing.T) {
	req := &collectorlogs.ExportLogsServiceRequest{
		ResourceLogs: []*logs.ResourceLogs{{
			ScopeLogs: []*logs.ScopeLogs{{
				LogRecords: []*logs.LogRecord{
					{Body: &common.AnyValue{Value: &common.AnyValue_StringValue{StringValue: "one"}}},
					{Body: &common.AnyValue{Value: &common.AnyValue_StringValue{StringValue: "two"}}},
				},
			}},
		}},
	}
	value, err := proto.Marshal(req)
	require.NoError(t, err)

	got, err := decodeOTLPLogs(nil, value)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0]["body"])
	assert.Equal(t, "two", got[1]["body"])
}

func TestDecodeOTLPMetrics(t *testing.T) {
	req := &collectormetrics.ExportMetricsServiceRequest{
		ResourceMetrics: []*metrics.ResourceMetrics{{
			ScopeMetrics: []*metrics.ScopeMetrics{{
				Metrics: []*metrics.Metric{{
					Name: "requests",
					Data: &metrics.Metric_Gauge{Gauge: &metrics.Gauge{
						DataPoints: []*metrics.NumberDataPoint{{Value: &metrics.NumberDataPoint_AsInt{AsInt: 7}}},
					}},
				}},
			}},
		}},
	}
	value, err := proto.Marshal(req)
	require.NoError(t, err)

	got, err := decodeOTLPMetrics(nil, value)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "requests", got[0]["name"])
}

func TestKgoLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := &kgoLogger{l: zap.New(core).Sugar()}

	assert.Equal(t, kgo.LogLevelInfo, l.Level())

	l.Log(kgo.LogLevelError, "broken", "broker", "b1")
	l.Log(kgo.LogLevelWarn, "slow")
	l.Log(kgo.LogLevelInfo, "joined group", "group", "g")
	l.Log(kgo.LogLevelDebug, "dropped")

	entries := logs.AllUntimed()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "b1", entries[0].ContextMap()["broker"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "joined group", entries[2].Message)

	quiet := &kgoLogger{l: zap.New(zapcore.NewNopCore()).Sugar()}
	assert.Equal(t, kgo.LogLevelWarn, quiet.Level())
}

package kafka

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/honeycombio/otelprep/buffer"
	"github.com/honeycombio/otelprep/config"
	"github.com/honeycombio/otelprep/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	trace "go.opentelemetry.io/proto/otlp/trace/v1"
)

// commitRecorder stands in for the kafka client's offset marking.
type commitRecorder struct {
	mu      sync.Mutex
	records []*kgo.Record
}

func (c *commitRecorder) commit(r *kgo.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
}

func (c *commitRecorder) committed() []*kgo.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*kgo.Record(nil), c.records...)
}

func newTestConsumer(t *testing.T, format string, acks bool, buf *buffer.Buffer) (*Consumer, *commitRecorder) {
	t.Helper()
	c, rec, _ := newRewindingConsumer(t, format, acks, buf)
	return c, rec
}

func newRewindingConsumer(t *testing.T, format string, acks bool, buf *buffer.Buffer) (*Consumer, *commitRecorder, *commitRecorder) {
	t.Helper()
	conf := config.Default().Kafka
	conf.Topics = []string{"events"}
	conf.Format = format
	conf.Acknowledgements = acks
	conf.AcknowledgementsTimeout = time.Minute
	conf.WriteTimeout = 10 * time.Millisecond

	c, err := newConsumer(conf, buf, zap.NewNop())
	require.NoError(t, err)
	rec, rewound := &commitRecorder{}, &commitRecorder{}
	c.commitFn = rec.commit
	c.rewindFn = rewound.commit
	return c, rec, rewound
}

func records(topic string, partition int32, values ...string) []*kgo.Record {
	out := make([]*kgo.Record, len(values))
	for i, v := range values {
		out[i] = &kgo.Record{Topic: topic, Partition: partition, Offset: int64(i), Value: []byte(v)}
	}
	return out
}

func readAll(t *testing.T, buf *buffer.Buffer) []buffer.Record {
	t.Helper()
	got, err := buf.Read(context.Background(), buf.Capacity(), 10*time.Millisecond)
	require.NoError(t, err)
	return got
}

func TestHandlePartitionWithoutAcknowledgements(t *testing.T) {
	buf := buffer.New(10)
	c, rec := newTestConsumer(t, config.FormatPlaintext, false, buf)

	c.handlePartition(context.Background(), "events", 0, records("events", 0, "first line", "second line"))

	got := readAll(t, buf)
	require.Len(t, got, 2)
	assert.Equal(t, map[string]any{"message": "first line"}, got[0].Data)
	assert.Equal(t, map[string]any{"message": "second line"}, got[1].Data)
	assert.Nil(t, got[0].Handle)

	committed := rec.committed()
	require.Len(t, committed, 1)
	assert.Equal(t, int64(1), committed[0].Offset)
}

func TestHandlePartitionCommitsAfterPositiveAcknowledgement(t *testing.T) {
	buf := buffer.New(10)
	c, rec := newTestConsumer(t, config.FormatPlaintext, true, buf)

	c.handlePartition(context.Background(), "events", 3, records("events", 3, "a", "b"))
	assert.Empty(t, rec.committed())

	got := readAll(t, buf)
	require.Len(t, got, 2)
	got[0].Handle.Release(true)
	assert.Empty(t, rec.committed())
	got[1].Handle.Release(true)

	committed := rec.committed()
	require.Len(t, committed, 1)
	assert.Equal(t, int64(1), committed[0].Offset)
	assert.Equal(t, int32(3), committed[0].Partition)
}

func TestHandlePartitionNegativeAcknowledgement(t *testing.T) {
	buf := buffer.New(10)
	c, rec := newTestConsumer(t, config.FormatPlaintext, true, buf)

	c.handlePartition(context.Background(), "events", 0, records("events", 0, "a", "b"))
	got := readAll(t, buf)
	require.Len(t, got, 2)
	got[0].Handle.Release(true)
	got[1].Handle.Release(false)

	assert.Empty(t, rec.committed())
}

func TestHandlePartitionRevokedBeforeAcknowledgement(t *testing.T) {
	buf := buffer.New(10)
	c, rec := newTestConsumer(t, config.FormatPlaintext, true, buf)

	c.handlePartition(context.Background(), "events", 0, records("events", 0, "a"))
	c.removeTopicPartitions(map[string][]int32{"events": {0}})
	assert.Empty(t, c.trackers)

	got := readAll(t, buf)
	require.Len(t, got, 1)
	got[0].Handle.Release(true)

	assert.Empty(t, rec.committed())
}

func TestHandlePartitionAcknowledgementTimeout(t *testing.T) {
	buf := buffer.New(10)
	c, rec := newTestConsumer(t, config.FormatPlaintext, true, buf)
	c.conf.AcknowledgementsTimeout = 10 * time.Millisecond

	c.handlePartition(context.Background(), "events", 0, records("events", 0, "a"))
	got := readAll(t, buf)
	require.Len(t, got, 1)

	time.Sleep(50 * time.Millisecond)
	got[0].Handle.Release(true)
	assert.Empty(t, rec.committed())
}

func TestHandlePartitionSkipsUndecodableRecords(t *testing.T) {
	buf := buffer.New(10)
	c, rec := newTestConsumer(t, config.FormatJSON, true, buf)

	c.handlePartition(context.Background(), "events", 0, records("events", 0, `{"a":1}`, `not json`))

	got := readAll(t, buf)
	require.Len(t, got, 1)
	assert.Equal(t, map[string]any{"a": int64(1)}, got[0].Data)
	got[0].Handle.Release(true)

	committed := rec.committed()
	require.Len(t, committed, 1)
	assert.Equal(t, int64(1), committed[0].Offset)
}

func TestHandlePartitionAddsRecordKey(t *testing.T) {
	buf := buffer.New(10)
	c, _ := newTestConsumer(t, config.FormatJSON, false, buf)

	key := test.RandomString(16)
	r := &kgo.Record{Topic: "events", Key: []byte(key), Value: []byte(`{"msg":"hello","nested":{"n":1.5}}`)}
	c.handlePartition(context.Background(), "events", 0, []*kgo.Record{r})

	got := readAll(t, buf)
	require.Len(t, got, 1)
	assert.Equal(t, map[string]any{
		"msg":       "hello",
		"nested":    map[string]any{"n": 1.5},
		"kafka_key": key,
	}, got[0].Data)
}

func TestHandlePartitionDropsOversizedRecord(t *testing.T) {
	buf := buffer.New(1)
	c, rec, rewound := newRewindingConsumer(t, config.FormatOTLPTraces, false, buf)

	req := &collectortrace.ExportTraceServiceRequest{
		ResourceSpans: []*trace.ResourceSpans{{
			ScopeSpans: []*trace.ScopeSpans{{
				Spans: []*trace.Span{
					{TraceId: []byte{1}, SpanId: []byte{1}, Name: "a"},
					{TraceId: []byte{1}, SpanId: []byte{2}, ParentSpanId: []byte{1}, Name: "b"},
				},
			}},
		}},
	}
	value, err := proto.Marshal(req)
	require.NoError(t, err)

	c.handlePartition(context.Background(), "events", 0, []*kgo.Record{{Topic: "events", Offset: 7, Value: value}})
	assert.Equal(t, 0, buf.Len())
	assert.Empty(t, rewound.committed())
	committed := rec.committed()
	require.Len(t, committed, 1)
	assert.Equal(t, int64(7), committed[0].Offset)
}

func TestHandlePartitionRewindsOnFailedWrite(t *testing.T) {
	buf := buffer.New(1)
	c, rec, rewound := newRewindingConsumer(t, config.FormatPlaintext, false, buf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		// the first record fills the buffer, the second blocks until cancelled
		assert.Eventually(t, func() bool { return buf.Len() == 1 }, time.Second, time.Millisecond)
		cancel()
	}()
	c.handlePartition(ctx, "events", 2, records("events", 2, "a", "b", "c"))

	committed := rec.committed()
	require.Len(t, committed, 1)
	assert.Equal(t, int64(0), committed[0].Offset)
	rewinds := rewound.committed()
	require.Len(t, rewinds, 1)
	assert.Equal(t, int64(1), rewinds[0].Offset)
	assert.Equal(t, int32(2), rewinds[0].Partition)
}

func TestHandlePartitionOTLPTraces(t *testing.T) {
	buf := buffer.New(10)
	c, rec := newTestConsumer(t, config.FormatOTLPTraces, false, buf)

	req := &collectortrace.ExportTraceServiceRequest{
		ResourceSpans: []*trace.ResourceSpans{{
			ScopeSpans: []*trace.ScopeSpans{{
				Spans: []*trace.Span{{TraceId: []byte{0xab}, SpanId: []byte{0xcd}, Name: "root"}},
			}},
		}},
	}
	value, err := proto.Marshal(req)
	require.NoError(t, err)

	c.handlePartition(context.Background(), "events", 0, []*kgo.Record{{Topic: "events", Value: value}})

	got := readAll(t, buf)
	require.Len(t, got, 1)
	assert.Equal(t, "ab", got[0].Data["traceId"])
	assert.Equal(t, "root", got[0].Data["name"])
	assert.Len(t, rec.committed(), 1)
}

func TestWriteEventsStopsOnCancel(t *testing.T) {
	buf := buffer.New(1)
	c, _ := newTestConsumer(t, config.FormatPlaintext, false, buf)
	require.NoError(t, buf.Write(context.Background(), buffer.Record{Data: map[string]any{}}, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := c.writeEvents(ctx, []buffer.Record{{Data: map[string]any{"message": "x"}}})
	assert.Error(t, err)
}

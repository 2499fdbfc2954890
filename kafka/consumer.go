// Package kafka consumes events from kafka topics into the buffer, committing
// offsets only once the events are safely handed on.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Jeffail/checkpoint"
	"github.com/honeycombio/otelprep/buffer"
	"github.com/honeycombio/otelprep/config"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// partitionTracker orders the acknowledgements of one partition so that an
// offset is only marked once every earlier batch is resolved.
type partitionTracker struct {
	mu           sync.Mutex
	checkpointer *checkpoint.Uncapped[*kgo.Record]
}

func newPartitionTracker() *partitionTracker {
	return &partitionTracker{checkpointer: checkpoint.NewUncapped[*kgo.Record]()}
}

func (p *partitionTracker) track(r *kgo.Record, batchSize int) func() *kgo.Record {
	p.mu.Lock()
	release := p.checkpointer.Track(r, int64(batchSize))
	p.mu.Unlock()
	return func() *kgo.Record {
		p.mu.Lock()
		defer p.mu.Unlock()
		if highest := release(); highest != nil {
			return *highest
		}
		return nil
	}
}

type Consumer struct {
	conf   config.KafkaConfig
	buf    *buffer.Buffer
	logger *zap.Logger
	decode decoder

	client   *kgo.Client
	commitFn func(r *kgo.Record)
	rewindFn func(r *kgo.Record)

	mu       sync.Mutex
	trackers map[string]map[int32]*partitionTracker
}

// New creates a consumer and its kafka client. Nothing is fetched until Run.
func New(conf config.KafkaConfig, buf *buffer.Buffer, logger *zap.Logger) (*Consumer, error) {
	c, err := newConsumer(conf, buf, logger)
	if err != nil {
		return nil, err
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(conf.Brokers...),
		kgo.ConsumeTopics(conf.Topics...),
		kgo.ClientID(conf.ClientID),
		kgo.WithLogger(&kgoLogger{l: c.logger.Sugar()}),
	}
	if conf.ConsumerGroup != "" {
		opts = append(opts,
			kgo.ConsumerGroup(conf.ConsumerGroup),
			kgo.AutoCommitMarks(),
			kgo.AutoCommitInterval(conf.CommitInterval),
			kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
				if err := cl.CommitMarkedOffsets(ctx); err != nil {
					c.logger.Error("commit error on partition revoke", zap.Error(err))
				}
				c.removeTopicPartitions(revoked)
			}),
			kgo.OnPartitionsLost(func(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
				// no point committing, the partitions belong to someone else now
				c.removeTopicPartitions(lost)
			}),
		)
	}

	if c.client, err = kgo.NewClient(opts...); err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	if conf.ConsumerGroup != "" {
		c.commitFn = func(r *kgo.Record) { c.client.MarkCommitRecords(r) }
	}
	c.rewindFn = func(r *kgo.Record) {
		c.client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
			r.Topic: {r.Partition: {Epoch: r.LeaderEpoch, Offset: r.Offset}},
		})
	}
	return c, nil
}

func newConsumer(conf config.KafkaConfig, buf *buffer.Buffer, logger *zap.Logger) (*Consumer, error) {
	decode, err := newDecoder(conf.Format)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		conf:     conf,
		buf:      buf,
		logger:   logger.Named("kafka"),
		decode:   decode,
		commitFn: func(*kgo.Record) {},
		rewindFn: func(*kgo.Record) {},
		trackers: map[string]map[int32]*partitionTracker{},
	}, nil
}

// Run polls until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.client.Ping(ctx); err != nil {
		return fmt.Errorf("connect to kafka: %w", err)
	}
	c.logger.Info("consuming", zap.Strings("topics", c.conf.Topics), zap.String("consumer_group", c.conf.ConsumerGroup))

	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if fetches.IsClientClosed() {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			c.logger.Error("kafka poll error", zap.String("topic", topic), zap.Int32("partition", partition), zap.Error(err))
		})
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) > 0 {
				c.handlePartition(ctx, p.Topic, p.Partition, p.Records)
			}
		})
	}
}

// Close commits whatever has been marked and closes the client.
func (c *Consumer) Close(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	var err error
	if c.conf.ConsumerGroup != "" {
		err = multierr.Append(err, c.client.CommitMarkedOffsets(ctx))
	}
	c.client.Close()
	return err
}

// handlePartition writes one partition's share of a poll to the buffer.
// Without acknowledgements the last record is marked as soon as everything
// is buffered. A record too large for the buffer is dropped; any other failed
// write moves the fetch position back to that record so the next poll
// delivers it again. With them, the batch becomes one acknowledgement set and is
// only marked when the set resolves positively.
func (c *Consumer) handlePartition(ctx context.Context, topic string, partition int32, records []*kgo.Record) {
	last := records[len(records)-1]
	if !c.conf.Acknowledgements {
		for i, r := range records {
			err := c.writeEvents(ctx, toBufferRecords(c.decodeRecord(r), nil))
			if errors.Is(err, buffer.ErrSizeOverflow) {
				c.logger.Error("dropping kafka record larger than the buffer", zap.String("topic", topic), zap.Int32("partition", partition), zap.Int64("offset", r.Offset))
				continue
			}
			if err != nil {
				c.logger.Error("failed to buffer kafka record, rewinding", zap.String("topic", topic), zap.Int32("partition", partition), zap.Int64("offset", r.Offset), zap.Error(err))
				if i > 0 {
					c.commitFn(records[i-1])
				}
				c.rewindFn(r)
				return
			}
		}
		c.commitFn(last)
		return
	}

	tracker := c.tracker(topic, partition)
	release := tracker.track(last, len(records))
	set := buffer.NewAcknowledgementSet(func(success bool) {
		if !success {
			c.logger.Warn("negative acknowledgement, offsets left uncommitted",
				zap.String("topic", topic), zap.Int32("partition", partition), zap.Int64("offset", last.Offset))
			return
		}
		highest := release()
		if highest == nil || !c.isTracked(topic, partition, tracker) {
			return
		}
		c.commitFn(highest)
	}, c.conf.AcknowledgementsTimeout)

	for _, r := range records {
		events := c.decodeRecord(r)
		handles := make([]*buffer.Handle, len(events))
		for i := range handles {
			handles[i] = set.NewHandle()
		}
		if err := c.writeEvents(ctx, toBufferRecords(events, handles)); err != nil {
			c.logger.Error("failed to buffer kafka record", zap.String("topic", topic), zap.Int32("partition", partition), zap.Int64("offset", r.Offset), zap.Error(err))
			for _, h := range handles {
				h.Release(false)
			}
		}
	}
	set.Complete()
}

// decodeRecord returns the events of r. A record that cannot be decoded is
// logged and skipped so that it does not block the partition.
func (c *Consumer) decodeRecord(r *kgo.Record) []map[string]any {
	events, err := c.decode(r.Key, r.Value)
	if err != nil {
		c.logger.Warn("skipping undecodable kafka record", zap.String("topic", r.Topic), zap.Int32("partition", r.Partition), zap.Int64("offset", r.Offset), zap.Error(err))
		return nil
	}
	if len(r.Key) > 0 {
		for _, e := range events {
			e[kafkaKeyField] = string(r.Key)
		}
	}
	return events
}

// writeEvents keeps retrying while the buffer is full.
func (c *Consumer) writeEvents(ctx context.Context, records []buffer.Record) error {
	for {
		err := c.buf.WriteAll(ctx, records, c.conf.WriteTimeout)
		if !errors.Is(err, buffer.ErrTimeout) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("buffer is full, retrying", zap.Int("records", len(records)))
	}
}

func toBufferRecords(events []map[string]any, handles []*buffer.Handle) []buffer.Record {
	records := make([]buffer.Record, len(events))
	for i, e := range events {
		records[i] = buffer.Record{Data: e}
		if handles != nil {
			records[i].Handle = handles[i]
		}
	}
	return records
}

func (c *Consumer) tracker(topic string, partition int32) *partitionTracker {
	c.mu.Lock()
	defer c.mu.Unlock()
	partitions := c.trackers[topic]
	if partitions == nil {
		partitions = map[int32]*partitionTracker{}
		c.trackers[topic] = partitions
	}
	t := partitions[partition]
	if t == nil {
		t = newPartitionTracker()
		partitions[partition] = t
	}
	return t
}

func (c *Consumer) isTracked(topic string, partition int32, t *partitionTracker) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trackers[topic][partition] == t
}

func (c *Consumer) removeTopicPartitions(m map[string][]int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, partitions := range m {
		tracked, ok := c.trackers[topic]
		if !ok {
			continue
		}
		for _, p := range partitions {
			delete(tracked, p)
		}
		if len(tracked) == 0 {
			delete(c.trackers, topic)
		}
	}
}

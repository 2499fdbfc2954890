// Package pipeline moves batches from the buffer to the sink.
package pipeline

import (
	"context"
	"errors"

	"github.com/honeycombio/otelprep/buffer"
	"github.com/honeycombio/otelprep/config"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sink receives batches read from the buffer. An empty batch lets the sink
// act on time based thresholds.
type Sink interface {
	Output(ctx context.Context, records []buffer.Record) error
	Shutdown(ctx context.Context) error
}

type Pipeline struct {
	workers int
	batch   config.BufferConfig
	buf     *buffer.Buffer
	sink    Sink
	logger  *zap.Logger
}

func New(conf config.PipelineConfig, batch config.BufferConfig, buf *buffer.Buffer, sink Sink, logger *zap.Logger) *Pipeline {
	workers := conf.Workers
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{
		workers: workers,
		batch:   batch,
		buf:     buf,
		sink:    sink,
		logger:  logger.Named("pipeline"),
	}
}

// Run blocks until ctx is cancelled. Sink errors are logged and do not
// stop the workers; the sink has already released the affected records.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		logger := p.logger.With(zap.Int("worker", i))
		g.Go(func() error {
			return p.work(ctx, logger)
		})
	}
	return g.Wait()
}

func (p *Pipeline) work(ctx context.Context, logger *zap.Logger) error {
	for {
		records, err := p.buf.Read(ctx, p.batch.BatchSize, p.batch.ReadTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if err := p.sink.Output(ctx, records); err != nil {
			logger.Error("sink output failed", zap.Int("records", len(records)), zap.Error(err))
		}
	}
}

// Drain hands everything still buffered to the sink and then shuts it down.
// Call it after the producers have stopped.
func (p *Pipeline) Drain(ctx context.Context) error {
	for p.buf.Len() > 0 {
		records, err := p.buf.Read(ctx, p.batch.BatchSize, p.batch.ReadTimeout)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			break
		}
		if err := p.sink.Output(ctx, records); err != nil {
			p.logger.Error("sink output failed while draining", zap.Int("records", len(records)), zap.Error(err))
		}
	}
	return p.sink.Shutdown(ctx)
}

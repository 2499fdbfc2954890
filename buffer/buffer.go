// Package buffer holds decoded records between the sources and the sink.
package buffer

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrSizeOverflow is returned when a batch can never fit in the buffer.
	ErrSizeOverflow = errors.New("batch is larger than the buffer capacity")
	// ErrTimeout is returned when a write could not get space in time.
	ErrTimeout = errors.New("timed out waiting for buffer space")
)

// Record is a single event. Handle is nil unless the source asked to be told
// when the record has been delivered.
type Record struct {
	Data   map[string]any
	Handle *Handle
}

// Buffer is a bounded FIFO. Writers block while it is full; readers take
// batches.
type Buffer struct {
	capacity int64
	space    *semaphore.Weighted
	records  chan Record
}

func New(capacity int) *Buffer {
	return &Buffer{
		capacity: int64(capacity),
		space:    semaphore.NewWeighted(int64(capacity)),
		records:  make(chan Record, capacity),
	}
}

// Capacity is the number of records the buffer can hold.
func (b *Buffer) Capacity() int {
	return int(b.capacity)
}

// Len is the number of records waiting to be read.
func (b *Buffer) Len() int {
	return len(b.records)
}

// Write adds r, waiting at most timeout for space. A zero timeout waits
// until ctx is done.
func (b *Buffer) Write(ctx context.Context, r Record, timeout time.Duration) error {
	return b.WriteAll(ctx, []Record{r}, timeout)
}

// WriteAll adds all of records or none of them.
func (b *Buffer) WriteAll(ctx context.Context, records []Record, timeout time.Duration) error {
	n := int64(len(records))
	if n == 0 {
		return nil
	}
	if n > b.capacity {
		return ErrSizeOverflow
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := b.space.Acquire(ctx, n); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return err
	}
	// space is reserved, so none of these sends block
	for _, r := range records {
		b.records <- r
	}
	return nil
}

// Read returns up to max records. It waits at most wait for the first one
// and then takes whatever else is already queued, so an empty result only
// means nothing arrived in time.
func (b *Buffer) Read(ctx context.Context, max int, wait time.Duration) ([]Record, error) {
	if max <= 0 {
		return nil, nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	var batch []Record
	select {
	case r := <-b.records:
		batch = append(batch, r)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

drain:
	for len(batch) < max {
		select {
		case r := <-b.records:
			batch = append(batch, r)
		default:
			break drain
		}
	}
	b.space.Release(int64(len(batch)))
	return batch, nil
}

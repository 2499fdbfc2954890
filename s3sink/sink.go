// Package s3sink batches buffered events into objects and uploads them to S3.
package s3sink

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v4"
	"github.com/dgryski/go-wyhash"
	"github.com/honeycombio/otelprep/buffer"
	"github.com/honeycombio/otelprep/config"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

type Sink struct {
	conf   config.S3Config
	client ObjectPutter
	codec  Codec
	logger *zap.Logger

	now        func() time.Time
	newBackOff func() backoff.BackOff

	mu      sync.Mutex
	body    []byte
	handles []*buffer.Handle
	count   int
	started time.Time
}

// New creates a sink uploading through client.
func New(conf config.S3Config, client ObjectPutter, logger *zap.Logger) (*Sink, error) {
	codec, err := NewCodec(conf.Codec)
	if err != nil {
		return nil, err
	}
	switch conf.Compression {
	case "", config.CompressionNone, config.CompressionGzip:
	default:
		return nil, fmt.Errorf("unknown compression %q", conf.Compression)
	}
	return &Sink{
		conf:   conf,
		client: client,
		codec:  codec,
		logger: logger.Named("s3"),
		now:    time.Now,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}, nil
}

// Output adds records to the pending object, uploading it whenever a
// threshold is reached. Calling it with no records only checks the
// collect timeout.
func (s *Sink) Output(ctx context.Context, records []buffer.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	for _, r := range records {
		body, encErr := s.codec.Append(s.body, r.Data)
		if encErr != nil {
			s.logger.Error("dropping unencodable event", zap.Error(encErr))
			r.Handle.Release(false)
			continue
		}
		if s.count == 0 {
			s.started = s.now()
		}
		s.body = body
		s.handles = append(s.handles, r.Handle)
		s.count++
		if s.thresholdReached() {
			if flushErr := s.flush(ctx); flushErr != nil {
				err = flushErr
			}
		}
	}
	if s.thresholdReached() {
		if flushErr := s.flush(ctx); flushErr != nil {
			err = flushErr
		}
	}
	return err
}

// Shutdown uploads whatever is pending.
func (s *Sink) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return nil
	}
	return s.flush(ctx)
}

func (s *Sink) thresholdReached() bool {
	if s.count == 0 {
		return false
	}
	th := s.conf.Threshold
	switch {
	case th.EventCount > 0 && s.count >= th.EventCount:
		return true
	case th.MaximumSize > 0 && int64(len(s.body)) >= int64(th.MaximumSize):
		return true
	case th.EventCollectTimeout > 0 && s.now().Sub(s.started) >= th.EventCollectTimeout:
		return true
	}
	return false
}

// flush uploads the pending object and resets the batch whether or not the
// upload worked. Must be called with mu held.
func (s *Sink) flush(ctx context.Context) error {
	body, handles, count := s.body, s.handles, s.count
	s.body, s.handles, s.count = nil, nil, 0

	err := s.upload(ctx, body, count)
	for _, h := range handles {
		h.Release(err == nil)
	}
	return err
}

func (s *Sink) upload(ctx context.Context, body []byte, count int) error {
	contentEncoding := ""
	if s.conf.Compression == config.CompressionGzip {
		var gz bytes.Buffer
		w := gzip.NewWriter(&gz)
		if _, err := w.Write(body); err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
		body = gz.Bytes()
		contentEncoding = "gzip"
	}

	key := s.objectKey(body)
	attempt := 0
	op := func() error {
		attempt++
		input := &s3.PutObjectInput{
			Bucket:      aws.String(s.conf.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String(s.codec.ContentType()),
		}
		if contentEncoding != "" {
			input.ContentEncoding = aws.String(contentEncoding)
		}
		_, err := s.client.PutObject(ctx, input)
		if err != nil {
			s.logger.Warn("object upload failed", zap.String("key", key), zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), uint64(s.conf.MaxUploadRetries)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		s.logger.Error("giving up on object upload", zap.String("key", key), zap.Int("events", count), zap.Error(err))
		return fmt.Errorf("upload %s: %w", key, err)
	}
	s.logger.Debug("uploaded object", zap.String("key", key), zap.Int("events", count), zap.Int("bytes", len(body)))
	return nil
}

// objectKey lays objects out by the hour they were written in.
func (s *Sink) objectKey(body []byte) string {
	now := s.now().UTC()
	var sb strings.Builder
	if prefix := strings.Trim(s.conf.PathPrefix, "/"); prefix != "" {
		sb.WriteString(prefix)
		sb.WriteByte('/')
	}
	sb.WriteString(now.Format("2006/01/02/15"))
	sb.WriteString("/events-")
	sb.WriteString(strconv.FormatInt(now.UnixMilli(), 10))
	sb.WriteByte('-')
	sb.WriteString(strconv.FormatUint(wyhash.Hash(body, uint64(now.UnixNano())), 16))
	sb.WriteByte('.')
	sb.WriteString(s.codec.Extension())
	if s.conf.Compression == config.CompressionGzip {
		sb.WriteString(".gz")
	}
	return sb.String()
}

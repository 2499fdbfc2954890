package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/honeycombio/otelprep/buffer"
	"github.com/honeycombio/otelprep/config"
	"github.com/honeycombio/otelprep/kafka"
	"github.com/honeycombio/otelprep/pipeline"
	"github.com/honeycombio/otelprep/receiver"
	"github.com/honeycombio/otelprep/s3sink"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the receivers and the S3 pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err := config.NewLogger(conf.Log)
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, conf, logger)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file; OTELPREP_* variables override it")
}

func serve(ctx context.Context, conf *config.Config, logger *zap.Logger) error {
	buf := buffer.New(conf.Buffer.BufferSize)

	client, err := s3sink.NewClient(ctx, conf.S3)
	if err != nil {
		return fmt.Errorf("create S3 client: %w", err)
	}
	sink, err := s3sink.New(conf.S3, client, logger)
	if err != nil {
		return err
	}
	pipe := pipeline.New(conf.Pipeline, conf.Buffer, buf, sink, logger)

	recv, err := receiver.New(conf.GRPC, conf.HTTP, buf, logger)
	if err != nil {
		return err
	}
	var consumer *kafka.Consumer
	if conf.Kafka.Enabled {
		if consumer, err = kafka.New(conf.Kafka, buf, logger); err != nil {
			return err
		}
	}

	if err := recv.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pipe.Run(gctx) })
	if consumer != nil {
		g.Go(func() error { return consumer.Run(gctx) })
	}
	logger.Info("otelprep started")

	<-gctx.Done()
	logger.Info("shutting down")

	// producers first so the drain sees everything they accepted
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	errs := recv.Shutdown(shutdownCtx)
	errs = multierr.Append(errs, g.Wait())
	if consumer != nil {
		errs = multierr.Append(errs, consumer.Close(shutdownCtx))
	}
	errs = multierr.Append(errs, pipe.Drain(shutdownCtx))
	return errs
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/honeycombio/otelprep/otlp"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
)

var (
	decodeSignal string
	decodeFormat string
)

var decodeCmd = &cobra.Command{
	Use:   "decode [FILE]",
	Short: "Flatten an OTLP export request into newline delimited JSON",
	Long: `Reads one OTLP export request from FILE, or stdin when FILE is "-" or
missing, and writes one JSON document per span, log record or data point.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := io.NopCloser(cmd.InOrStdin())
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			in = f
		}
		return decode(cmd.Context(), in, cmd.OutOrStdout(), decodeSignal, decodeFormat)
	},
}

func init() {
	decodeCmd.Flags().StringVarP(&decodeSignal, "signal", "s", "traces", "signal in the request: traces, logs or metrics")
	decodeCmd.Flags().StringVarP(&decodeFormat, "format", "f", "proto", "request encoding: proto or json")
}

func decode(ctx context.Context, in io.ReadCloser, out io.Writer, signal, format string) error {
	defer in.Close()
	ri := otlp.RequestInfo{}
	switch format {
	case "proto":
		ri.ContentType = "application/protobuf"
	case "json":
		ri.ContentType = "application/json"
	default:
		return fmt.Errorf("unknown format %q", format)
	}

	var docs []map[string]any
	switch signal {
	case "traces":
		spans, err := otlp.DecodeTraceRequestFromReader(ctx, in, ri)
		if err != nil {
			return err
		}
		for _, s := range spans {
			docs = append(docs, s.ToMap())
		}
	case "logs":
		logs, err := otlp.DecodeLogsRequestFromReader(ctx, in, ri)
		if err != nil {
			return err
		}
		for _, l := range logs {
			docs = append(docs, l.ToMap())
		}
	case "metrics":
		metrics, err := otlp.DecodeMetricsRequestFromReader(ctx, in, ri)
		if err != nil {
			return err
		}
		for _, m := range metrics {
			docs = append(docs, m.ToMap())
		}
	default:
		return fmt.Errorf("unknown signal %q", signal)
	}

	w := bufio.NewWriter(out)
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
	for _, d := range docs {
		if err := enc.Encode(d); err != nil {
			return err
		}
	}
	return w.Flush()
}

package main

import (
	otelprep "github.com/honeycombio/otelprep"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "otelprep",
	Short: "Prepare OpenTelemetry data for storage",
	Long: `otelprep receives OTLP traces, logs and metrics over gRPC, HTTP or kafka,
flattens them into documents and writes them to S3.

Examples:
  # Run the service
  otelprep serve --config otelprep.yaml

  # Flatten a captured OTLP/JSON trace request
  otelprep decode --signal traces --format json request.json
`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println("otelprep version " + otelprep.Version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(versionCmd)
}

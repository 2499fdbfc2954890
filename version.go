package otelprep

// Version is overridden at build time with
// -ldflags "-X github.com/honeycombio/otelprep.Version=..."
var Version = "0.1.0-dev"

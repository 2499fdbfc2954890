// Package config loads the otelprep settings from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// ByteSize is a size in bytes that may be written as "4mb" or "512KiB" in
// the config file.
type ByteSize uint64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	size, err := parseByteSize(value.Value)
	if err != nil {
		return err
	}
	*b = size
	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

func parseByteSize(s string) (ByteSize, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Enabled reports whether both halves of the key pair are configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

type GRPCConfig struct {
	Address         string        `yaml:"address"`
	MaxRecvMsgSize  ByteSize      `yaml:"max_recv_msg_size"`
	AuthToken       string        `yaml:"auth_token"`
	TLS             TLSConfig     `yaml:"tls"`
	HealthCheck     bool          `yaml:"health_check"`
	ProtoReflection bool          `yaml:"proto_reflection"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

type HTTPConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Address            string   `yaml:"address"`
	MaxRequestBodySize ByteSize `yaml:"max_request_body_size"`
}

// Kafka record formats.
const (
	FormatOTLPTraces  = "otlp_traces"
	FormatOTLPLogs    = "otlp_logs"
	FormatOTLPMetrics = "otlp_metrics"
	FormatJSON        = "json"
	FormatPlaintext   = "plaintext"
)

type KafkaConfig struct {
	Enabled                 bool          `yaml:"enabled"`
	Brokers                 []string      `yaml:"brokers"`
	Topics                  []string      `yaml:"topics"`
	ConsumerGroup           string        `yaml:"consumer_group"`
	ClientID                string        `yaml:"client_id"`
	Format                  string        `yaml:"format"`
	Acknowledgements        bool          `yaml:"acknowledgements"`
	AcknowledgementsTimeout time.Duration `yaml:"acknowledgements_timeout"`
	CommitInterval          time.Duration `yaml:"commit_interval"`
	WriteTimeout            time.Duration `yaml:"write_timeout"`
}

type BufferConfig struct {
	BufferSize  int           `yaml:"buffer_size"`
	BatchSize   int           `yaml:"batch_size"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

type ThresholdConfig struct {
	EventCount          int           `yaml:"event_count"`
	MaximumSize         ByteSize      `yaml:"maximum_size"`
	EventCollectTimeout time.Duration `yaml:"event_collect_timeout"`
}

type CredentialsConfig struct {
	Profile string `yaml:"profile"`
	ID      string `yaml:"id"`
	Secret  string `yaml:"secret"`
	Token   string `yaml:"token"`
}

// Sink codecs and compression.
const (
	CodecNDJSON     = "ndjson"
	CodecMsgpack    = "msgpack"
	CompressionNone = "none"
	CompressionGzip = "gzip"
)

type S3Config struct {
	Bucket           string            `yaml:"bucket"`
	Region           string            `yaml:"region"`
	Endpoint         string            `yaml:"endpoint"`
	ForcePathStyle   bool              `yaml:"force_path_style"`
	PathPrefix       string            `yaml:"path_prefix"`
	Codec            string            `yaml:"codec"`
	Compression      string            `yaml:"compression"`
	Threshold        ThresholdConfig   `yaml:"threshold"`
	MaxUploadRetries int               `yaml:"max_upload_retries"`
	Credentials      CredentialsConfig `yaml:"credentials"`
}

type PipelineConfig struct {
	Workers int `yaml:"workers"`
}

type Config struct {
	Log      LogConfig      `yaml:"log"`
	GRPC     GRPCConfig     `yaml:"grpc"`
	HTTP     HTTPConfig     `yaml:"http"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Buffer   BufferConfig   `yaml:"buffer"`
	S3       S3Config       `yaml:"s3"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// Default returns the configuration used when nothing else is given.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		GRPC: GRPCConfig{
			Address:         "0.0.0.0:4317",
			MaxRecvMsgSize:  4 * humanize.MiByte,
			HealthCheck:     true,
			ProtoReflection: false,
			RequestTimeout:  10 * time.Second,
		},
		HTTP: HTTPConfig{
			Enabled:            true,
			Address:            "0.0.0.0:4318",
			MaxRequestBodySize: 20 * humanize.MiByte,
		},
		Kafka: KafkaConfig{
			ClientID:                "otelprep",
			Format:                  FormatOTLPTraces,
			AcknowledgementsTimeout: 30 * time.Second,
			CommitInterval:          5 * time.Second,
			WriteTimeout:            5 * time.Second,
		},
		Buffer: BufferConfig{
			BufferSize:  12800,
			BatchSize:   200,
			ReadTimeout: 500 * time.Millisecond,
		},
		S3: S3Config{
			Codec:       CodecNDJSON,
			Compression: CompressionNone,
			Threshold: ThresholdConfig{
				EventCount:          1000,
				MaximumSize:         50 * humanize.MiByte,
				EventCollectTimeout: time.Minute,
			},
			MaxUploadRetries: 5,
		},
		Pipeline: PipelineConfig{Workers: 1},
	}
}

// Load reads the config file at path on top of the defaults, then applies
// OTELPREP_* environment overrides and validates the result. An empty path
// skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = strings.Split(v, ",")
		}
	}
	var errs error
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	size := func(key string, dst *ByteSize) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := parseByteSize(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("OTELPREP_LOG_LEVEL", &c.Log.Level)
	str("OTELPREP_GRPC_ADDRESS", &c.GRPC.Address)
	str("OTELPREP_GRPC_AUTH_TOKEN", &c.GRPC.AuthToken)
	size("OTELPREP_GRPC_MAX_RECV_MSG_SIZE", &c.GRPC.MaxRecvMsgSize)
	boolean("OTELPREP_HTTP_ENABLED", &c.HTTP.Enabled)
	str("OTELPREP_HTTP_ADDRESS", &c.HTTP.Address)
	boolean("OTELPREP_KAFKA_ENABLED", &c.Kafka.Enabled)
	list("OTELPREP_KAFKA_BROKERS", &c.Kafka.Brokers)
	list("OTELPREP_KAFKA_TOPICS", &c.Kafka.Topics)
	str("OTELPREP_KAFKA_CONSUMER_GROUP", &c.Kafka.ConsumerGroup)
	str("OTELPREP_S3_BUCKET", &c.S3.Bucket)
	str("OTELPREP_S3_REGION", &c.S3.Region)
	str("OTELPREP_S3_ENDPOINT", &c.S3.Endpoint)
	str("OTELPREP_S3_PATH_PREFIX", &c.S3.PathPrefix)
	return errs
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs error
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.GRPC.Address == "" {
		errs = multierr.Append(errs, errors.New("grpc.address is required"))
	}
	if (c.GRPC.TLS.CertFile == "") != (c.GRPC.TLS.KeyFile == "") {
		errs = multierr.Append(errs, errors.New("grpc.tls needs both cert_file and key_file"))
	}
	if c.HTTP.Enabled && c.HTTP.Address == "" {
		errs = multierr.Append(errs, errors.New("http.address is required when http is enabled"))
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = multierr.Append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
		}
		if len(c.Kafka.Topics) == 0 {
			errs = multierr.Append(errs, errors.New("kafka.topics is required when kafka is enabled"))
		}
		if c.Kafka.Acknowledgements && c.Kafka.ConsumerGroup == "" {
			errs = multierr.Append(errs, errors.New("kafka.acknowledgements needs a consumer_group to commit to"))
		}
		switch c.Kafka.Format {
		case FormatOTLPTraces, FormatOTLPLogs, FormatOTLPMetrics, FormatJSON, FormatPlaintext:
		default:
			errs = multierr.Append(errs, fmt.Errorf("kafka.format %q is not one of otlp_traces, otlp_logs, otlp_metrics, json, plaintext", c.Kafka.Format))
		}
	}
	if c.Buffer.BufferSize <= 0 {
		errs = multierr.Append(errs, errors.New("buffer.buffer_size must be positive"))
	}
	if c.Buffer.BatchSize <= 0 || c.Buffer.BatchSize > c.Buffer.BufferSize {
		errs = multierr.Append(errs, errors.New("buffer.batch_size must be positive and no larger than buffer_size"))
	}
	if c.S3.Bucket == "" {
		errs = multierr.Append(errs, errors.New("s3.bucket is required"))
	}
	if c.S3.Codec != CodecNDJSON && c.S3.Codec != CodecMsgpack {
		errs = multierr.Append(errs, fmt.Errorf("s3.codec %q is not one of ndjson, msgpack", c.S3.Codec))
	}
	if c.S3.Compression != CompressionNone && c.S3.Compression != CompressionGzip {
		errs = multierr.Append(errs, fmt.Errorf("s3.compression %q is not one of none, gzip", c.S3.Compression))
	}
	t := c.S3.Threshold
	if t.EventCount <= 0 && t.MaximumSize == 0 && t.EventCollectTimeout <= 0 {
		errs = multierr.Append(errs, errors.New("s3.threshold needs at least one of event_count, maximum_size, event_collect_timeout"))
	}
	if c.Pipeline.Workers <= 0 {
		errs = multierr.Append(errs, errors.New("pipeline.workers must be positive"))
	}
	return errs
}

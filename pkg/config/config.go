// Package config loads service configuration from a YAML file with
// DAEDALUS_* environment overrides.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/merge"
	"gopkg.in/yaml.v3"
)

// Storage backends
const (
	BackendMemory = "memory"
	BackendAzure  = "azure"
)

// Config is the full service configuration
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Merge    MergeConfig   `yaml:"merge"`
	NATS     NATSConfig    `yaml:"nats"`
	Storage  StorageConfig `yaml:"storage"`
	Runner   RunnerConfig  `yaml:"runner"`
	Tracing  TracingConfig `yaml:"tracing"`
	Sentry   SentryConfig  `yaml:"sentry"`
}

// MergeConfig mirrors merge.Config with file-friendly units
type MergeConfig struct {
	Strategy             string   `yaml:"strategy"`
	Format               string   `yaml:"format"`
	CorrelationAttribute string   `yaml:"correlation_attribute"`
	DelimiterStrategy    string   `yaml:"delimiter_strategy"`
	Header               string   `yaml:"header"`
	Footer               string   `yaml:"footer"`
	Demarcator           string   `yaml:"demarcator"`
	KeepPath             bool     `yaml:"keep_path"`
	AttributeStrategy    string   `yaml:"attribute_strategy"`
	StrictFragments      bool     `yaml:"strict_fragments"`
	MinSize              DataSize `yaml:"min_size"`
	MaxSize              DataSize `yaml:"max_size"`
	MinEntries           int      `yaml:"min_entries"`
	MaxEntries           int      `yaml:"max_entries"`
	MaxBinAge            Duration `yaml:"max_bin_age"`
	MaxBinCount          int      `yaml:"max_bin_count"`
	BatchSize            int      `yaml:"batch_size"`
}

// NATSConfig configures the JetStream transport
type NATSConfig struct {
	URL           string   `yaml:"url"`
	Name          string   `yaml:"name"`
	Stream        string   `yaml:"stream"`
	Consumer      string   `yaml:"consumer"`
	OutputPrefix  string   `yaml:"output_prefix"`
	MaxReconnects int      `yaml:"max_reconnects"`
	ReconnectWait Duration `yaml:"reconnect_wait"`
	Timeout       Duration `yaml:"timeout"`
	MaxDeliver    int      `yaml:"max_deliver"`
	Token         string   `yaml:"token"`
	Username      string   `yaml:"username"`
	Password      string   `yaml:"password"`
}

// StorageConfig selects the content repository
type StorageConfig struct {
	Backend          string   `yaml:"backend"`
	ConnectionString string   `yaml:"connection_string"`
	Container        string   `yaml:"container"`
	FailureThreshold int64    `yaml:"failure_threshold"`
	ResetTimeout     Duration `yaml:"reset_timeout"`
}

// RunnerConfig configures the trigger loop
type RunnerConfig struct {
	TriggerInterval    Duration `yaml:"trigger_interval"`
	PullBatch          int      `yaml:"pull_batch"`
	PublishConcurrency int      `yaml:"publish_concurrency"`
}

// TracingConfig configures OpenTelemetry export
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// SentryConfig configures error reporting for rejected bins
type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

// Default returns the configuration used when no file or environment is given.
// The merge strategy stays empty so callers can tell it was not configured;
// the processor treats empty as Defragment.
func Default() Config {
	m := merge.DefaultConfig()
	return Config{
		LogLevel: "info",
		Merge: MergeConfig{
			Format:            m.Format,
			DelimiterStrategy: m.DelimiterStrategy,
			AttributeStrategy: m.AttributeStrategy,
			MinEntries:        m.MinEntries,
			MaxBinCount:       m.MaxBinCount,
			BatchSize:         m.BatchSize,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Name:          "daedalus",
			Stream:        "FLOWFILES",
			Consumer:      "daedalus",
			OutputPrefix:  "daedalus",
			MaxReconnects: 10,
			ReconnectWait: Duration(2 * time.Second),
			Timeout:       Duration(5 * time.Second),
			MaxDeliver:    5,
		},
		Storage: StorageConfig{
			Backend:          BackendMemory,
			Container:        "daedalus-content",
			FailureThreshold: 10,
			ResetTimeout:     Duration(30 * time.Second),
		},
		Runner: RunnerConfig{
			TriggerInterval: Duration(100 * time.Millisecond),
			PullBatch:       10,
		},
		Tracing: TracingConfig{
			ServiceName:  "daedalus",
			Environment:  "development",
			OTLPEndpoint: "127.0.0.1:4318",
			SampleRatio:  1.0,
		},
	}
}

// Load reads path (when non-empty) over the defaults and applies environment overrides
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.NewConfigurationError(fmt.Sprintf("cannot read config file %q", path), "CONFIG_UNREADABLE", err)
		}
		if err := decode(bytes.NewReader(data), &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return errors.NewConfigurationError("cannot parse config file", "CONFIG_INVALID_YAML", err)
	}
	return nil
}

// Validate checks settings that are not validated by their consumers
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendAzure:
		if c.Storage.ConnectionString == "" {
			return errors.NewConfigurationError("azure storage requires a connection string", "STORAGE_CONNECTION_MISSING", nil)
		}
	default:
		return errors.NewConfigurationError(fmt.Sprintf("unknown storage backend %q", c.Storage.Backend), "INVALID_STORAGE_BACKEND", nil)
	}
	if c.Runner.TriggerInterval <= 0 {
		return errors.NewConfigurationError("trigger interval must be positive", "INVALID_TRIGGER_INTERVAL", nil)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return errors.NewConfigurationError("tracing sample ratio must be within [0, 1]", "INVALID_SAMPLE_RATIO", nil)
	}
	return nil
}

// MergeConfig converts the merge section into merge.Config
func (c Config) MergeConfig() merge.Config {
	m := c.Merge
	return merge.Config{
		Strategy:             m.Strategy,
		Format:               m.Format,
		CorrelationAttribute: m.CorrelationAttribute,
		DelimiterStrategy:    m.DelimiterStrategy,
		Header:               m.Header,
		Footer:               m.Footer,
		Demarcator:           m.Demarcator,
		KeepPath:             m.KeepPath,
		AttributeStrategy:    m.AttributeStrategy,
		StrictFragments:      m.StrictFragments,
		MinSize:              int64(m.MinSize),
		MaxSize:              int64(m.MaxSize),
		MinEntries:           m.MinEntries,
		MaxEntries:           m.MaxEntries,
		MaxBinAge:            time.Duration(m.MaxBinAge),
		MaxBinCount:          m.MaxBinCount,
		BatchSize:            m.BatchSize,
	}
}

type lookupFunc func(string) (string, bool)

// applyEnv overrides cfg from DAEDALUS_* variables; SENTRY_DSN is honoured as well
func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var firstErr error
	fail := func(key string, err error) {
		if firstErr == nil {
			firstErr = errors.NewConfigurationError(fmt.Sprintf("invalid value for %s", key), "INVALID_ENV_VALUE", err)
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := ParseDuration(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = Duration(d)
		}
	}
	size := func(key string, dst *DataSize) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := ParseDataSize(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = DataSize(n)
		}
	}

	str("DAEDALUS_LOG_LEVEL", &cfg.LogLevel)

	str("DAEDALUS_MERGE_STRATEGY", &cfg.Merge.Strategy)
	str("DAEDALUS_MERGE_FORMAT", &cfg.Merge.Format)
	str("DAEDALUS_CORRELATION_ATTRIBUTE", &cfg.Merge.CorrelationAttribute)
	str("DAEDALUS_DELIMITER_STRATEGY", &cfg.Merge.DelimiterStrategy)
	str("DAEDALUS_HEADER", &cfg.Merge.Header)
	str("DAEDALUS_FOOTER", &cfg.Merge.Footer)
	str("DAEDALUS_DEMARCATOR", &cfg.Merge.Demarcator)
	boolean("DAEDALUS_KEEP_PATH", &cfg.Merge.KeepPath)
	str("DAEDALUS_ATTRIBUTE_STRATEGY", &cfg.Merge.AttributeStrategy)
	boolean("DAEDALUS_STRICT_FRAGMENTS", &cfg.Merge.StrictFragments)
	size("DAEDALUS_MIN_SIZE", &cfg.Merge.MinSize)
	size("DAEDALUS_MAX_SIZE", &cfg.Merge.MaxSize)
	integer("DAEDALUS_MIN_ENTRIES", &cfg.Merge.MinEntries)
	integer("DAEDALUS_MAX_ENTRIES", &cfg.Merge.MaxEntries)
	duration("DAEDALUS_MAX_BIN_AGE", &cfg.Merge.MaxBinAge)
	integer("DAEDALUS_MAX_BIN_COUNT", &cfg.Merge.MaxBinCount)
	integer("DAEDALUS_BATCH_SIZE", &cfg.Merge.BatchSize)

	str("DAEDALUS_NATS_URL", &cfg.NATS.URL)
	str("DAEDALUS_NATS_STREAM", &cfg.NATS.Stream)
	str("DAEDALUS_NATS_CONSUMER", &cfg.NATS.Consumer)
	str("DAEDALUS_OUTPUT_PREFIX", &cfg.NATS.OutputPrefix)
	str("DAEDALUS_NATS_TOKEN", &cfg.NATS.Token)
	str("DAEDALUS_NATS_USERNAME", &cfg.NATS.Username)
	str("DAEDALUS_NATS_PASSWORD", &cfg.NATS.Password)

	str("DAEDALUS_STORAGE_BACKEND", &cfg.Storage.Backend)
	str("DAEDALUS_BLOB_CONNECTION_STRING", &cfg.Storage.ConnectionString)
	str("DAEDALUS_BLOB_CONTAINER", &cfg.Storage.Container)

	duration("DAEDALUS_TRIGGER_INTERVAL", &cfg.Runner.TriggerInterval)
	integer("DAEDALUS_PULL_BATCH", &cfg.Runner.PullBatch)

	boolean("DAEDALUS_TRACING_ENABLED", &cfg.Tracing.Enabled)
	str("DAEDALUS_OTLP_ENDPOINT", &cfg.Tracing.OTLPEndpoint)
	str("DAEDALUS_ENVIRONMENT", &cfg.Tracing.Environment)

	str("SENTRY_DSN", &cfg.Sentry.DSN)
	str("DAEDALUS_ENVIRONMENT", &cfg.Sentry.Environment)

	cfg.Storage.Backend = strings.ToLower(cfg.Storage.Backend)
	return firstErr
}

package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig identifies this ingest node.
type NodeConfig struct {
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// InputBufferConfig configures the stage every transport publishes into.
type InputBufferConfig struct {
	RingSize     int    `yaml:"ring_size"`
	WaitStrategy string `yaml:"wait_strategy"` // blocking, sleeping, yielding, busy_spinning
	Processors   int    `yaml:"processors"`
	Mode         string `yaml:"mode"` // "journal" or "direct"
	// DirectPolicy is how direct mode admits into the process buffer: "blocking" or "cached".
	DirectPolicy string `yaml:"direct_policy"`
	MaxBatch     int    `yaml:"max_batch"`
}

// OverflowConfig holds the process stage's disk spill settings.
type OverflowConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Dir          string `yaml:"dir"`
	MaxSizeBytes int64  `yaml:"max_size_bytes"`
	Compression  string `yaml:"compression"` // none, snappy, lz4, zstd
}

// ProcessBufferConfig configures the stage the decoding processor drains.
type ProcessBufferConfig struct {
	RingSize          int            `yaml:"ring_size"`
	WaitStrategy      string         `yaml:"wait_strategy"`
	Processors        int            `yaml:"processors"`
	BatchSize         int            `yaml:"batch_size"`
	ProcessingEnabled bool           `yaml:"processing_enabled"`
	PollInterval      string         `yaml:"poll_interval"`
	Overflow          OverflowConfig `yaml:"overflow"`
}

// JournalConfig holds the on-disk journal settings.
type JournalConfig struct {
	Dir                 string  `yaml:"dir"`
	SegmentSizeBytes    int64   `yaml:"segment_size_bytes"`
	MaxAge              string  `yaml:"max_age"`
	MaxSizeBytes        int64   `yaml:"max_size_bytes"`
	FlushInterval       string  `yaml:"flush_interval"`
	RetentionInterval   string  `yaml:"retention_interval"`
	SyncMode            string  `yaml:"sync_mode"` // always, interval, disabled
	MaxMessageSizeBytes int     `yaml:"max_message_size_bytes"`
	MaxDiskUtilization  float64 `yaml:"max_disk_utilization"` // percent, 0 disables
	Preallocate         bool    `yaml:"preallocate"`
	ReaderBatchSize     int     `yaml:"reader_batch_size"`
}

// InputConfig configures one network input. TCP-only and UDP-only fields are
// ignored by the other transport.
type InputConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ID            string `yaml:"id"`
	ListenAddress string `yaml:"listen_address"`
	// Backpressure is "block" (wait for room in the input buffer) or "drop".
	Backpressure        string         `yaml:"backpressure"`
	MaxMessageSizeBytes int            `yaml:"max_message_size_bytes"`
	Codec               map[string]any `yaml:"codec"`

	MaxConnections   int    `yaml:"max_connections"`
	IdleTimeout      string `yaml:"idle_timeout"`
	Framing          string `yaml:"framing"` // newline, octet_counting, auto
	StrictFrameTypes bool   `yaml:"strict_frame_types"`

	Workers            int `yaml:"workers"`
	QueueSize          int `yaml:"queue_size"`
	ReceiveBufferBytes int `yaml:"receive_buffer_bytes"`
}

type InputsConfig struct {
	SyslogUDP InputConfig `yaml:"syslog_udp"`
	SyslogTCP InputConfig `yaml:"syslog_tcp"`
	BeatsTCP  InputConfig `yaml:"beats_tcp"`
	IPFIXUDP  InputConfig `yaml:"ipfix_udp"`
}

// IPFIXConfig holds the shared IPFIX decoding state.
type IPFIXConfig struct {
	DefinitionFiles   []string `yaml:"definition_files"`
	WatchDefinitions  bool     `yaml:"watch_definitions"`
	TemplateCacheSize int      `yaml:"template_cache_size"`
	BufferTTL         string   `yaml:"buffer_ttl"`
	MaxBufferedBytes  int      `yaml:"max_buffered_bytes"`
}

// ProcessingConfig configures the decoding processor.
type ProcessingConfig struct {
	CodecCacheSize int    `yaml:"codec_cache_size"`
	RetryInterval  string `yaml:"retry_interval"`
	MaxRetryDelay  string `yaml:"max_retry_delay"`
	// MaxAttempts and MaxRetryTime bound the output retries of one batch.
	MaxAttempts  uint   `yaml:"max_attempts"`
	MaxRetryTime string `yaml:"max_retry_time"`
	RDNSCacheTTL string `yaml:"rdns_cache_ttl"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "stderr", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
	Format string `yaml:"format"` // "json" or "text"
}

// DebugConfig holds the metrics and debugging HTTP server settings.
type DebugConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ListenAddress     string `yaml:"listen_address"`
	PProfEnabled      bool   `yaml:"pprof_enabled"`
	MetricsEnabled    bool   `yaml:"metrics_enabled"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	MonitorUIEnabled  bool   `yaml:"monitor_ui_enabled"`
	// SystemInterval is the system collector period; empty disables it.
	SystemInterval string `yaml:"system_interval"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
	// SampleRatio is the fraction of root traces kept. Zero keeps all.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// HealthConfig holds the gRPC health server settings.
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	CheckInterval string `yaml:"check_interval"`
}

// Config is the top-level configuration struct.
type Config struct {
	Node          NodeConfig          `yaml:"node"`
	InputBuffer   InputBufferConfig   `yaml:"input_buffer"`
	ProcessBuffer ProcessBufferConfig `yaml:"process_buffer"`
	Journal       JournalConfig       `yaml:"journal"`
	Inputs        InputsConfig        `yaml:"inputs"`
	IPFIX         IPFIXConfig         `yaml:"ipfix"`
	Processing    ProcessingConfig    `yaml:"processing"`
	Logging       LoggingConfig       `yaml:"logging"`
	Debug         DebugConfig         `yaml:"debug"`
	Tracing       TracingConfig       `yaml:"tracing"`
	Health        HealthConfig        `yaml:"health"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		Node: NodeConfig{
			DataDir: "./data",
		},
		InputBuffer: InputBufferConfig{
			RingSize:     65536,
			WaitStrategy: "blocking",
			Processors:   2,
			Mode:         "journal",
			DirectPolicy: "blocking",
		},
		ProcessBuffer: ProcessBufferConfig{
			RingSize:          65536,
			WaitStrategy:      "blocking",
			Processors:        2,
			BatchSize:         500,
			ProcessingEnabled: true,
			PollInterval:      "100ms",
			Overflow: OverflowConfig{
				Enabled:      false,
				MaxSizeBytes: 1024 * 1024 * 1024, // 1 GiB
				Compression:  "snappy",
			},
		},
		Journal: JournalConfig{
			SegmentSizeBytes:    100 * 1024 * 1024, // 100 MiB
			MaxAge:              "12h",
			MaxSizeBytes:        5 * 1024 * 1024 * 1024, // 5 GiB
			FlushInterval:       "1s",
			RetentionInterval:   "1m",
			SyncMode:            "interval",
			MaxMessageSizeBytes: 10 * 1024 * 1024, // 10 MiB
			MaxDiskUtilization:  95,
			ReaderBatchSize:     500,
		},
		Inputs: InputsConfig{
			SyslogUDP: InputConfig{
				Enabled:             true,
				ID:                  "syslog-udp",
				ListenAddress:       ":5514",
				Backpressure:        "drop",
				MaxMessageSizeBytes: 64 * 1024,
				Workers:             2,
				QueueSize:           4096,
			},
			SyslogTCP: InputConfig{
				Enabled:             true,
				ID:                  "syslog-tcp",
				ListenAddress:       ":5514",
				Backpressure:        "block",
				MaxMessageSizeBytes: 64 * 1024,
				IdleTimeout:         "5m",
				Framing:             "auto",
			},
			BeatsTCP: InputConfig{
				Enabled:             false,
				ID:                  "beats",
				ListenAddress:       ":5044",
				Backpressure:        "block",
				MaxMessageSizeBytes: 10 * 1024 * 1024,
				IdleTimeout:         "5m",
			},
			IPFIXUDP: InputConfig{
				Enabled:             false,
				ID:                  "ipfix",
				ListenAddress:       ":4739",
				Backpressure:        "drop",
				MaxMessageSizeBytes: 64 * 1024,
				Workers:             1,
				QueueSize:           4096,
				ReceiveBufferBytes:  4 * 1024 * 1024,
			},
		},
		IPFIX: IPFIXConfig{
			TemplateCacheSize: 5000,
			BufferTTL:         "1m",
			MaxBufferedBytes:  1024 * 1024,
		},
		Processing: ProcessingConfig{
			CodecCacheSize: 256,
			RetryInterval:  "1s",
			MaxRetryDelay:  "30s",
			MaxAttempts:    10,
			MaxRetryTime:   "5m",
			RDNSCacheTTL:   "1m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexusingest.log",
			Format: "json",
		},
		Debug: DebugConfig{
			Enabled:           true,
			ListenAddress:     "0.0.0.0:6060",
			PProfEnabled:      true,
			MetricsEnabled:    true,
			PrometheusEnabled: true,
			MonitorUIEnabled:  true,
			SystemInterval:    "15s",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			SampleRatio: 1,
		},
		Health: HealthConfig{
			Enabled:       true,
			ListenAddress: ":50051",
			CheckInterval: "5s",
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// JournalDir is the journal directory, defaulting to <data_dir>/journal.
func (c *Config) JournalDir() string {
	if c.Journal.Dir != "" {
		return c.Journal.Dir
	}
	return filepath.Join(c.Node.DataDir, "journal")
}

// OverflowDir is the overflow cache directory, defaulting to <data_dir>/overflow.
func (c *Config) OverflowDir() string {
	if c.ProcessBuffer.Overflow.Dir != "" {
		return c.ProcessBuffer.Overflow.Dir
	}
	return filepath.Join(c.Node.DataDir, "overflow")
}

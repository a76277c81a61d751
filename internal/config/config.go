package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it can be written as "500ms" or "30s"
// in the YAML config.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// FileConfig describes one set of files to watch.
type FileConfig struct {
	Glob string            `yaml:"glob"`
	Tags map[string]string `yaml:"tags"`
}

// PositionStoreConfig configures offset persistence.
type PositionStoreConfig struct {
	Path       string   `yaml:"path"`
	PruneAfter Duration `yaml:"prune_after"` // retire entries for files unseen this long
}

// WatcherConfig configures file discovery and reading.
type WatcherConfig struct {
	PollInterval  Duration `yaml:"poll_interval"`
	StartPosition string   `yaml:"start_position"` // "beginning" or "end"
	GracePeriod   Duration `yaml:"grace_period"`   // how long a vanished path is kept before the tailer is retired
	MaxLineBytes  int      `yaml:"max_line_bytes"`
}

// QueueConfig configures the line queue.
type QueueConfig struct {
	Capacity int    `yaml:"capacity"`
	Overflow string `yaml:"overflow"` // "block" or "drop_oldest"
}

// BatchConfig bounds batch assembly in the delivery coordinator.
type BatchConfig struct {
	MaxSize int      `yaml:"max_size"`
	MaxWait Duration `yaml:"max_wait"`
}

// RetryConfig bounds delivery retry behavior. MaxAttempts of 0 means
// retry forever.
type RetryConfig struct {
	InitialDelay Duration `yaml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
	Multiplier   float64  `yaml:"multiplier"`
	MaxAttempts  int      `yaml:"max_attempts"`
}

// DeliveryConfig configures the coordinator.
type DeliveryConfig struct {
	SendTimeout   Duration `yaml:"send_timeout"`
	OnPermanent   string   `yaml:"on_permanent"` // "skip" or "halt"
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

// TransportConfig configures one destination. Only the fields relevant to
// the chosen type need to be set.
type TransportConfig struct {
	Type string `yaml:"type"` // redis, amqp, clickhouse, tcp, stdout
	Name string `yaml:"name"` // optional label for diagnostics

	// redis
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisKey      string `yaml:"redis_key"`

	// amqp
	AMQPURL        string `yaml:"amqp_url"`
	AMQPExchange   string `yaml:"amqp_exchange"`
	AMQPRoutingKey string `yaml:"amqp_routing_key"`

	// clickhouse
	ClickHouseAddr  string `yaml:"clickhouse_addr"`
	ClickHouseDB    string `yaml:"clickhouse_db"`
	ClickHouseTable string `yaml:"clickhouse_table"`

	// tcp
	TCPAddr string `yaml:"tcp_addr"`
}

// Config holds all configuration for the shipper.
type Config struct {
	Files         []FileConfig        `yaml:"files"`
	PositionStore PositionStoreConfig `yaml:"position_store"`
	Watcher       WatcherConfig       `yaml:"watcher"`
	Queue         QueueConfig         `yaml:"queue"`
	Batch         BatchConfig         `yaml:"batch"`
	Retry         RetryConfig         `yaml:"retry"`
	Delivery      DeliveryConfig      `yaml:"delivery"`
	Transports    []TransportConfig   `yaml:"transports"`

	// Observability
	LogLevel        string `yaml:"log_level"`
	LogFile         string `yaml:"log_file"`
	TracingEnabled  bool   `yaml:"tracing_enabled"`
	TracingEndpoint string `yaml:"tracing_endpoint"`
	TracingProtocol string `yaml:"tracing_protocol"`
}

// Load reads the YAML config at path, applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnv lets a few operational knobs be overridden without editing the
// config file.
func (c *Config) applyEnv() {
	c.LogLevel = getEnv("BEAVER_LOG_LEVEL", c.LogLevel)
	c.LogFile = getEnv("BEAVER_LOG_FILE", c.LogFile)
	c.PositionStore.Path = getEnv("BEAVER_POSITION_DB", c.PositionStore.Path)
	c.TracingEnabled = getEnvBool("BEAVER_TRACING_ENABLED", c.TracingEnabled)
	c.TracingEndpoint = getEnv("BEAVER_TRACING_ENDPOINT", c.TracingEndpoint)
}

func (c *Config) applyDefaults() {
	if c.PositionStore.Path == "" {
		c.PositionStore.Path = "beaver.db"
	}
	if c.PositionStore.PruneAfter == 0 {
		c.PositionStore.PruneAfter = Duration(24 * time.Hour)
	}
	if c.Watcher.PollInterval == 0 {
		c.Watcher.PollInterval = Duration(500 * time.Millisecond)
	}
	if c.Watcher.StartPosition == "" {
		c.Watcher.StartPosition = "beginning"
	}
	if c.Watcher.GracePeriod == 0 {
		c.Watcher.GracePeriod = Duration(30 * time.Second)
	}
	if c.Watcher.MaxLineBytes == 0 {
		c.Watcher.MaxLineBytes = 1024 * 1024
	}
	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = 10000
	}
	if c.Queue.Overflow == "" {
		c.Queue.Overflow = "block"
	}
	if c.Batch.MaxSize == 0 {
		c.Batch.MaxSize = 500
	}
	if c.Batch.MaxWait == 0 {
		c.Batch.MaxWait = Duration(time.Second)
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = Duration(100 * time.Millisecond)
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = Duration(30 * time.Second)
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2.0
	}
	if c.Delivery.SendTimeout == 0 {
		c.Delivery.SendTimeout = Duration(30 * time.Second)
	}
	if c.Delivery.OnPermanent == "" {
		c.Delivery.OnPermanent = "skip"
	}
	if c.Delivery.ShutdownGrace == 0 {
		c.Delivery.ShutdownGrace = Duration(5 * time.Second)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.TracingProtocol == "" {
		c.TracingProtocol = "grpc"
	}
}

// Validate checks the configuration for contradictions before the service
// starts any goroutines.
func (c *Config) Validate() error {
	if len(c.Files) == 0 {
		return fmt.Errorf("at least one files entry is required")
	}
	for i, f := range c.Files {
		if f.Glob == "" {
			return fmt.Errorf("files[%d]: glob is required", i)
		}
	}
	if c.Watcher.StartPosition != "beginning" && c.Watcher.StartPosition != "end" {
		return fmt.Errorf("watcher.start_position must be \"beginning\" or \"end\"")
	}
	if c.Queue.Overflow != "block" && c.Queue.Overflow != "drop_oldest" {
		return fmt.Errorf("queue.overflow must be \"block\" or \"drop_oldest\"")
	}
	if c.Queue.Capacity < 1 {
		return fmt.Errorf("queue.capacity must be at least 1")
	}
	if c.Batch.MaxSize < 1 {
		return fmt.Errorf("batch.max_size must be at least 1")
	}
	if c.Retry.Multiplier < 1.0 {
		return fmt.Errorf("retry.multiplier must be at least 1.0")
	}
	if c.Delivery.OnPermanent != "skip" && c.Delivery.OnPermanent != "halt" {
		return fmt.Errorf("delivery.on_permanent must be \"skip\" or \"halt\"")
	}
	if len(c.Transports) == 0 {
		return fmt.Errorf("at least one transport is required")
	}
	for i, t := range c.Transports {
		if err := validateTransport(t); err != nil {
			return fmt.Errorf("transports[%d]: %w", i, err)
		}
	}
	return nil
}

func validateTransport(t TransportConfig) error {
	switch t.Type {
	case "redis":
		if t.RedisAddr == "" {
			return fmt.Errorf("redis_addr is required")
		}
		if t.RedisKey == "" {
			return fmt.Errorf("redis_key is required")
		}
	case "amqp":
		if t.AMQPURL == "" {
			return fmt.Errorf("amqp_url is required")
		}
		if t.AMQPExchange == "" && t.AMQPRoutingKey == "" {
			return fmt.Errorf("one of amqp_exchange or amqp_routing_key is required")
		}
	case "clickhouse":
		if t.ClickHouseAddr == "" {
			return fmt.Errorf("clickhouse_addr is required")
		}
		if t.ClickHouseTable == "" {
			return fmt.Errorf("clickhouse_table is required")
		}
	case "tcp":
		if t.TCPAddr == "" {
			return fmt.Errorf("tcp_addr is required")
		}
	case "stdout":
		// No parameters.
	default:
		return fmt.Errorf("unknown transport type %q", t.Type)
	}
	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

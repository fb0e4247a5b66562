package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Storage backend names
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
	BackendEtcd   = "etcd"
)

// Config holds all configuration for the jobdag service
type Config struct {
	// Server configuration
	HTTPPort int    `env:"JOBDAG_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"JOBDAG_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Redis configuration
	Redis RedisConfig

	Scheduler SchedulerConfig

	Storage StorageConfig

	Etcd EtcdConfig

	Sink SinkConfig

	// Worker configuration
	Workers WorkerConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`

	// Event stream settings
	ConsumerGroup string `env:"REDIS_CONSUMER_GROUP" envDefault:"jobdag"`
	StreamMaxLen  int64  `env:"REDIS_STREAM_MAX_LEN" envDefault:"10000"`
}

// SchedulerConfig holds scheduler settings
type SchedulerConfig struct {
	Parallelism        int           `env:"SCHEDULER_PARALLELISM" envDefault:"3"`
	CodeVersion        string        `env:"SCHEDULER_CODE_VERSION" envDefault:"v1"`
	WorkerID           string        `env:"SCHEDULER_WORKER_ID"`
	LockTTL            time.Duration `env:"SCHEDULER_LOCK_TTL" envDefault:"30s"`
	LockWait           time.Duration `env:"SCHEDULER_LOCK_WAIT" envDefault:"10s"`
	CheckpointInterval time.Duration `env:"SCHEDULER_CHECKPOINT_INTERVAL" envDefault:"0s"`
	CacheEnabled       bool          `env:"SCHEDULER_CACHE_ENABLED" envDefault:"true"`
	CacheTTL           time.Duration `env:"SCHEDULER_CACHE_TTL" envDefault:"168h"`
	MonitorInterval    time.Duration `env:"SCHEDULER_MONITOR_INTERVAL" envDefault:"5s"`
	AuditBufferSize    int           `env:"SCHEDULER_AUDIT_BUFFER" envDefault:"1000"`
}

// StorageConfig selects the backends of the state store, checkpoints and event
// bus. The result cache shares the state backend.
type StorageConfig struct {
	StateBackend      string        `env:"STATE_BACKEND" envDefault:"redis"`
	CheckpointBackend string        `env:"CHECKPOINT_BACKEND" envDefault:"redis"`
	EventBackend      string        `env:"EVENT_BACKEND" envDefault:"redis"`
	StateTTL          time.Duration `env:"STATE_TTL" envDefault:"24h"`
	CheckpointTTL     time.Duration `env:"CHECKPOINT_TTL" envDefault:"168h"`
}

// EtcdConfig holds etcd connection configuration
type EtcdConfig struct {
	Endpoints   []string      `env:"ETCD_ENDPOINTS" envSeparator:"," envDefault:"localhost:2379"`
	DialTimeout time.Duration `env:"ETCD_DIAL_TIMEOUT" envDefault:"5s"`
}

// SinkConfig holds the job run persistence sink configuration
type SinkConfig struct {
	Enabled    bool   `env:"SINK_ENABLED" envDefault:"true"`
	DSN        string `env:"SINK_DSN" envDefault:"jobdag.db"`
	BufferSize int    `env:"SINK_BUFFER_SIZE" envDefault:"256"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	PoolSize            int           `env:"WORKER_POOL_SIZE" envDefault:"5"`
	QueueSize           int           `env:"WORKER_QUEUE_SIZE" envDefault:"10"`
	ClaimTTL            time.Duration `env:"WORKER_CLAIM_TTL" envDefault:"5m"`
	HealthCheckInterval time.Duration `env:"WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	JobExecutionTimeout time.Duration `env:"TIMEOUT_JOB_EXECUTION" envDefault:"300s"` // 5 minutes
	ShutdownTimeout     time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	if err := oneOf("state backend", c.Storage.StateBackend, BackendRedis, BackendMemory); err != nil {
		return err
	}
	if err := oneOf("checkpoint backend", c.Storage.CheckpointBackend, BackendRedis, BackendMemory, BackendEtcd); err != nil {
		return err
	}
	if err := oneOf("event backend", c.Storage.EventBackend, BackendRedis, BackendMemory); err != nil {
		return err
	}

	// Validate Redis config
	if c.UsesRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}
	if c.Storage.CheckpointBackend == BackendEtcd && len(c.Etcd.Endpoints) == 0 {
		return fmt.Errorf("etcd endpoints are required for the etcd checkpoint backend")
	}

	if c.Scheduler.Parallelism < 1 {
		return fmt.Errorf("scheduler parallelism must be at least 1")
	}
	if c.Scheduler.LockTTL <= 0 {
		return fmt.Errorf("scheduler lock TTL must be positive")
	}
	if c.Scheduler.CheckpointInterval < 0 {
		return fmt.Errorf("checkpoint interval must not be negative")
	}

	if c.Sink.Enabled && c.Sink.DSN == "" {
		return fmt.Errorf("sink DSN is required when the sink is enabled")
	}

	// Validate worker config
	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

func oneOf(what, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("unsupported %s: %q (must be one of %v)", what, value, allowed)
}

// UsesRedis reports whether any backend needs a Redis connection
func (c *Config) UsesRedis() bool {
	return c.Storage.StateBackend == BackendRedis ||
		c.Storage.CheckpointBackend == BackendRedis ||
		c.Storage.EventBackend == BackendRedis
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}

// Package config assembles process configuration from DAEDALUS_* environment
// variables on top of built-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/internal/nats"
	"github.com/wehubfusion/Daedalus/pkg/expression"
	"github.com/wehubfusion/Daedalus/pkg/runner"
)

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"

	LockMemory = "memory"
	LockRedis  = "redis"
)

// Config is the configuration of an engine or executor process
type Config struct {
	NATS       NATSConfig
	Engine     EngineConfig
	Executor   ExecutorConfig
	Store      StoreConfig
	Lock       LockConfig
	Expression expression.Kind
	Tracing    TracingConfig
	Blob       BlobConfig

	// SentryDSN enables error reporting when set
	SentryDSN   string
	Environment string

	// MetricsAddr is the listen address of the Prometheus endpoint; empty disables it
	MetricsAddr string
	LogLevel    string
}

// NATSConfig describes the broker connection and the JetStream topology
type NATSConfig struct {
	URL      string
	Token    string
	Username string
	Password string

	MaxDeliver        int
	AckWait           time.Duration
	PublishMaxRetries int

	RequestStream  string
	RequestSubject string
	ResultStream   string
	ResultSubject  string
}

// EngineConfig configures the task engine and its result listener
type EngineConfig struct {
	ResultConsumer  string
	ResultBatchSize int
	ResultTimeout   time.Duration
	LockTimeout     time.Duration
}

// ExecutorConfig configures the executor runner
type ExecutorConfig struct {
	Consumer       string
	BatchSize      int
	Workers        int
	ProcessTimeout time.Duration
}

// StoreConfig selects the task execution store
type StoreConfig struct {
	Driver string // memory or sqlite
	Path   string
}

// LockConfig selects the task locker
type LockConfig struct {
	Driver        string // memory or redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
}

// TracingConfig enables OTLP trace export
type TracingConfig struct {
	Enabled      bool
	OTLPEndpoint string
	SampleRatio  float64
	Insecure     bool
}

// BlobConfig configures offload of large action results
type BlobConfig struct {
	ConnectionString string
	Container        string
}

// Default returns a configuration for a single local process
func Default() Config {
	nc := nats.DefaultConnectionConfig("nats://localhost:4222")
	return Config{
		NATS: NATSConfig{
			URL:               nc.URL,
			MaxDeliver:        nc.MaxDeliver,
			AckWait:           nc.AckWait,
			PublishMaxRetries: nc.PublishMaxRetries,
			RequestStream:     nc.RequestStream,
			RequestSubject:    nc.RequestSubject,
			ResultStream:      nc.ResultStream,
			ResultSubject:     nc.ResultSubject,
		},
		Engine: EngineConfig{
			ResultConsumer:  "daedalus-engine",
			ResultBatchSize: 10,
			ResultTimeout:   30 * time.Second,
			LockTimeout:     30 * time.Second,
		},
		Executor: ExecutorConfig{
			Consumer:       "daedalus-executor",
			BatchSize:      10,
			ProcessTimeout: 5 * time.Minute,
		},
		Store:      StoreConfig{Driver: StoreMemory, Path: "daedalus.db"},
		Lock:       LockConfig{Driver: LockMemory, RedisAddr: "localhost:6379", TTL: 30 * time.Second},
		Expression: expression.KindJS,
		Tracing: TracingConfig{
			OTLPEndpoint: "127.0.0.1:4318",
			SampleRatio:  1.0,
			Insecure:     true,
		},
		Blob:        BlobConfig{Container: "daedalus-results"},
		Environment: "development",
		LogLevel:    "info",
	}
}

// LoadFromEnv returns Default overridden by DAEDALUS_* variables
func LoadFromEnv() (Config, error) {
	d := Default()
	requestStream := getEnv("DAEDALUS_REQUEST_STREAM", d.NATS.RequestStream)
	resultStream := getEnv("DAEDALUS_RESULT_STREAM", d.NATS.ResultStream)
	cfg := Config{
		NATS: NATSConfig{
			URL:               getEnv("DAEDALUS_NATS_URL", d.NATS.URL),
			Token:             getEnv("DAEDALUS_NATS_TOKEN", ""),
			Username:          getEnv("DAEDALUS_NATS_USERNAME", ""),
			Password:          getEnv("DAEDALUS_NATS_PASSWORD", ""),
			MaxDeliver:        getEnvInt("DAEDALUS_NATS_MAX_DELIVER", d.NATS.MaxDeliver),
			AckWait:           getEnvDuration("DAEDALUS_NATS_ACK_WAIT", d.NATS.AckWait),
			PublishMaxRetries: getEnvInt("DAEDALUS_NATS_PUBLISH_MAX_RETRIES", d.NATS.PublishMaxRetries),
			RequestStream:     requestStream,
			RequestSubject:    getEnv("DAEDALUS_REQUEST_SUBJECT", requestStream+".run"),
			ResultStream:      resultStream,
			ResultSubject:     getEnv("DAEDALUS_RESULT_SUBJECT", resultStream+".done"),
		},
		Engine: EngineConfig{
			ResultConsumer:  getEnv("DAEDALUS_RESULT_CONSUMER", d.Engine.ResultConsumer),
			ResultBatchSize: getEnvInt("DAEDALUS_RESULT_BATCH_SIZE", d.Engine.ResultBatchSize),
			ResultTimeout:   getEnvDuration("DAEDALUS_RESULT_TIMEOUT", d.Engine.ResultTimeout),
			LockTimeout:     getEnvDuration("DAEDALUS_LOCK_TIMEOUT", d.Engine.LockTimeout),
		},
		Executor: ExecutorConfig{
			Consumer:       getEnv("DAEDALUS_EXECUTOR_CONSUMER", d.Executor.Consumer),
			BatchSize:      getEnvInt("DAEDALUS_EXECUTOR_BATCH_SIZE", d.Executor.BatchSize),
			Workers:        getEnvInt("DAEDALUS_EXECUTOR_WORKERS", 0),
			ProcessTimeout: getEnvDuration("DAEDALUS_EXECUTOR_PROCESS_TIMEOUT", d.Executor.ProcessTimeout),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(getEnv("DAEDALUS_STORE", d.Store.Driver)),
			Path:   getEnv("DAEDALUS_STORE_PATH", d.Store.Path),
		},
		Lock: LockConfig{
			Driver:        strings.ToLower(getEnv("DAEDALUS_LOCK", d.Lock.Driver)),
			RedisAddr:     getEnv("DAEDALUS_REDIS_ADDR", d.Lock.RedisAddr),
			RedisPassword: getEnv("DAEDALUS_REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("DAEDALUS_REDIS_DB", 0),
			TTL:           getEnvDuration("DAEDALUS_LOCK_TTL", d.Lock.TTL),
		},
		Expression: expression.Kind(strings.ToLower(getEnv("DAEDALUS_EXPRESSION", string(d.Expression)))),
		Tracing: TracingConfig{
			Enabled:      getEnvBool("DAEDALUS_TRACING_ENABLED", false),
			OTLPEndpoint: getEnv("DAEDALUS_OTLP_ENDPOINT", d.Tracing.OTLPEndpoint),
			SampleRatio:  getEnvFloat("DAEDALUS_TRACING_SAMPLE_RATIO", d.Tracing.SampleRatio),
			Insecure:     getEnvBool("DAEDALUS_OTLP_INSECURE", d.Tracing.Insecure),
		},
		Blob: BlobConfig{
			ConnectionString: getEnv("DAEDALUS_BLOB_CONNECTION_STRING", ""),
			Container:        getEnv("DAEDALUS_BLOB_CONTAINER", d.Blob.Container),
		},
		SentryDSN:   getEnv("DAEDALUS_SENTRY_DSN", ""),
		Environment: getEnv("DAEDALUS_ENVIRONMENT", d.Environment),
		MetricsAddr: getEnv("DAEDALUS_METRICS_ADDR", ""),
		LogLevel:    strings.ToLower(getEnv("DAEDALUS_LOG_LEVEL", d.LogLevel)),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks driver names and numeric bounds
func (c Config) Validate() error {
	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store path is required for the sqlite store")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.Lock.Driver {
	case LockMemory:
	case LockRedis:
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("redis address is required for the redis locker")
		}
	default:
		return fmt.Errorf("unknown lock driver %q", c.Lock.Driver)
	}

	switch c.Expression {
	case expression.KindJS, expression.KindJQ, expression.KindPath:
	default:
		return fmt.Errorf("unknown expression kind %q", c.Expression)
	}

	if c.Executor.BatchSize <= 0 || c.Engine.ResultBatchSize <= 0 {
		return fmt.Errorf("batch sizes must be greater than 0")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample ratio must be between 0 and 1")
	}
	return nil
}

// ConnectionConfig maps the NATS section onto a connection configuration
func (c Config) ConnectionConfig(name string, logger *zap.Logger) *nats.ConnectionConfig {
	nc := nats.DefaultConnectionConfig(c.NATS.URL)
	nc.Name = name
	nc.Token = c.NATS.Token
	nc.Username = c.NATS.Username
	nc.Password = c.NATS.Password
	nc.MaxDeliver = c.NATS.MaxDeliver
	nc.AckWait = c.NATS.AckWait
	nc.PublishMaxRetries = c.NATS.PublishMaxRetries
	nc.RequestStream = c.NATS.RequestStream
	nc.ResultStream = c.NATS.ResultStream
	nc.RequestSubject = c.NATS.RequestSubject
	nc.ResultSubject = c.NATS.ResultSubject
	nc.Logger = logger
	return nc
}

// RunnerTracing returns the runner tracing configuration, nil when disabled
func (c Config) RunnerTracing(serviceName, version string) *runner.TracingConfig {
	if !c.Tracing.Enabled {
		return nil
	}
	return &runner.TracingConfig{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    c.Environment,
		OTLPEndpoint:   c.Tracing.OTLPEndpoint,
		SampleRatio:    c.Tracing.SampleRatio,
		Insecure:       c.Tracing.Insecure,
	}
}

// NewLogger builds a production logger at the configured level
func (c Config) NewLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = level
	return zc.Build()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("30s") or plain seconds ("30")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

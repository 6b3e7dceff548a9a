package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/joho/godotenv"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Dispatch modes.
const (
	DispatchInline = "inline"
	DispatchKafka  = "kafka"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Hazard feed.
	NWSBaseURL    string
	NWSUserAgent  string
	NWSTimeout    time.Duration
	ZoneCacheSize int

	// Drivers.
	PollInterval         time.Duration
	ConfirmInterval      time.Duration
	ClassifyConcurrency  int
	ConfirmMaxConcurrent int
	EventCompletionGrace time.Duration

	// Reasoning oracle. An empty URL disables it.
	OracleURL        string
	OracleTimeout    time.Duration
	OracleRatePerSec float64
	WindThresholdMPH int

	RetryAttempts       int
	RetryInitialBackoff time.Duration

	// Persistence mirror.
	StoreDriver string
	StoreDSN    string

	// Action dispatch.
	DispatchMode       string
	KafkaBrokers       []string
	KafkaActionTopic   string
	KafkaGroupID       string
	BatchSize          int
	BatchFlushInterval time.Duration
}

// OracleEnabled reports whether an oracle endpoint is configured.
func (c *Config) OracleEnabled() bool {
	return c.OracleURL != ""
}

// Load reads configuration from environment variables, applying defaults
// where unset. A .env file in the working directory is read first; variables
// already set in the environment take precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}
	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}
	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	p := parser{}
	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		NWSBaseURL:    sharedcfg.EnvOrDefault("NWS_BASE_URL", "https://api.weather.gov"),
		NWSUserAgent:  sharedcfg.EnvOrDefault("NWS_USER_AGENT", "(storm-alert-correlator, ops@example.com)"),
		NWSTimeout:    p.duration("NWS_TIMEOUT", "10s"),
		ZoneCacheSize: p.positiveInt("ZONE_CACHE_SIZE", 1000),

		PollInterval:         p.duration("POLL_INTERVAL", "5m"),
		ConfirmInterval:      p.duration("CONFIRM_INTERVAL", "1h"),
		ClassifyConcurrency:  p.positiveInt("CLASSIFY_CONCURRENCY", 8),
		ConfirmMaxConcurrent: p.positiveInt("CONFIRM_MAX_CONCURRENT", 4),
		EventCompletionGrace: p.duration("EVENT_COMPLETION_GRACE", "30m"),

		OracleURL:        os.Getenv("ORACLE_URL"),
		OracleTimeout:    p.duration("ORACLE_TIMEOUT", "30s"),
		OracleRatePerSec: p.rate("ORACLE_RATE_PER_SEC", 2),
		WindThresholdMPH: p.positiveInt("WIND_THRESHOLD_MPH", 58),

		RetryAttempts:       p.positiveInt("RETRY_ATTEMPTS", 3),
		RetryInitialBackoff: p.duration("RETRY_INITIAL_BACKOFF", "500ms"),

		StoreDriver: sharedcfg.EnvOrDefault("STORE_DRIVER", StoreMemory),
		StoreDSN:    os.Getenv("STORE_DSN"),

		DispatchMode:       sharedcfg.EnvOrDefault("DISPATCH_MODE", DispatchInline),
		KafkaBrokers:       sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaActionTopic:   sharedcfg.EnvOrDefault("KAFKA_ACTION_TOPIC", "hazard-lifecycle-actions"),
		KafkaGroupID:       sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "storm-alert-correlator"),
		BatchSize:          batchSize,
		BatchFlushInterval: flushInterval,
	}
	if p.err != nil {
		return nil, p.err
	}

	if cfg.NWSUserAgent == "" {
		return nil, errors.New("NWS_USER_AGENT is required")
	}

	switch cfg.StoreDriver {
	case StoreMemory:
	case StoreSQLite, StorePostgres:
		if cfg.StoreDSN == "" {
			return nil, errors.New("STORE_DSN is required")
		}
	default:
		return nil, fmt.Errorf("invalid STORE_DRIVER %q", cfg.StoreDriver)
	}

	switch cfg.DispatchMode {
	case DispatchInline:
	case DispatchKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required")
		}
		if cfg.KafkaActionTopic == "" {
			return nil, errors.New("KAFKA_ACTION_TOPIC is required")
		}
	default:
		return nil, fmt.Errorf("invalid DISPATCH_MODE %q", cfg.DispatchMode)
	}

	return cfg, nil
}

// parser keeps the first parse error so Load can read every variable in one
// pass.
type parser struct {
	err error
}

func (p *parser) duration(name, def string) time.Duration {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(name, def))
	if err != nil || d <= 0 {
		p.fail(errors.New("invalid " + name))
		return 0
	}
	return d
}

func (p *parser) positiveInt(name string, def int) int {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		p.fail(errors.New("invalid " + name))
		return 0
	}
	return n
}

// rate accepts zero, meaning unlimited.
func (p *parser) rate(name string, def float64) float64 {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		p.fail(errors.New("invalid " + name))
		return 0
	}
	return f
}

func (p *parser) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

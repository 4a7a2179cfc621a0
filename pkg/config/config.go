package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"ledger-saga/pkg/logging"
	"ledger-saga/pkg/recovery"
	"ledger-saga/pkg/resilience"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// Event backends.
const (
	EventsNone     = "none"
	EventsKafka    = "kafka"
	EventsRabbitMQ = "rabbitmq"
)

// Config is the daemon configuration.
type Config struct {
	HTTPAddr string

	Store      StoreConfig
	Resilience resilience.ResilientConfig
	Recovery   RecoveryConfig
	Events     EventsConfig
	Log        logging.Config

	// MaxIterations bounds one Advance call
	MaxIterations int
}

// StoreConfig selects and configures the record store.
type StoreConfig struct {
	Backend       string
	PostgresDSN   string
	MongoURI      string
	MongoDatabase string
}

// RecoveryConfig configures the recovery scanner and its lease.
type RecoveryConfig struct {
	StalenessThreshold time.Duration
	ScanInterval       time.Duration
	BatchSize          int
	LeaseTTL           time.Duration
	Workers            int
	QueueSize          int

	// RedisAddr enables Redis leases when set
	RedisAddr     string
	RedisPassword string
}

// EventsConfig selects and configures the event publisher.
type EventsConfig struct {
	Backend        string
	KafkaBrokers   []string
	KafkaTopic     string
	RabbitMQURL    string
	RabbitExchange string
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		Store: StoreConfig{
			Backend:       BackendMemory,
			MongoDatabase: "ledger",
		},
		Resilience: resilience.DefaultResilientConfig(),
		Recovery: RecoveryConfig{
			StalenessThreshold: recovery.DefaultStalenessThreshold,
			ScanInterval:       time.Minute,
			BatchSize:          500,
			LeaseTTL:           2 * time.Minute,
			Workers:            4,
			QueueSize:          256,
		},
		Events: EventsConfig{
			Backend:        EventsNone,
			KafkaTopic:     "ledger.transfers",
			RabbitExchange: "ledger_events",
		},
		Log:           logging.DefaultConfig(),
		MaxIterations: 16,
	}
}

// Load reads the optional .env files into the process environment and
// builds the configuration from LEDGER_* variables. Missing files are
// ignored; variables already set take precedence over file values.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: failed to load %s: %w", f, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds the configuration from a variable lookup function.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Default()
	p := parser{getenv: getenv}

	p.str("LEDGER_HTTP_ADDR", &cfg.HTTPAddr)

	p.str("LEDGER_STORE", &cfg.Store.Backend)
	p.str("LEDGER_POSTGRES_DSN", &cfg.Store.PostgresDSN)
	p.str("LEDGER_MONGO_URI", &cfg.Store.MongoURI)
	p.str("LEDGER_MONGO_DATABASE", &cfg.Store.MongoDatabase)

	p.duration("LEDGER_STORE_TIMEOUT", &cfg.Resilience.Timeout)
	p.integer("LEDGER_STORE_MAX_RETRIES", &cfg.Resilience.Retry.MaxRetries)
	p.duration("LEDGER_STORE_INITIAL_BACKOFF", &cfg.Resilience.Retry.InitialBackoff)
	p.duration("LEDGER_STORE_MAX_BACKOFF", &cfg.Resilience.Retry.MaxBackoff)
	p.duration("LEDGER_BREAKER_TIMEOUT", &cfg.Resilience.CircuitBreakerConfig.Timeout)

	p.integer("LEDGER_MAX_ITERATIONS", &cfg.MaxIterations)

	p.duration("LEDGER_RECOVERY_STALENESS", &cfg.Recovery.StalenessThreshold)
	p.duration("LEDGER_RECOVERY_INTERVAL", &cfg.Recovery.ScanInterval)
	p.integer("LEDGER_RECOVERY_BATCH_SIZE", &cfg.Recovery.BatchSize)
	p.duration("LEDGER_RECOVERY_LEASE_TTL", &cfg.Recovery.LeaseTTL)
	p.integer("LEDGER_RECOVERY_WORKERS", &cfg.Recovery.Workers)
	p.integer("LEDGER_RECOVERY_QUEUE_SIZE", &cfg.Recovery.QueueSize)
	p.str("LEDGER_REDIS_ADDR", &cfg.Recovery.RedisAddr)
	p.str("LEDGER_REDIS_PASSWORD", &cfg.Recovery.RedisPassword)

	p.str("LEDGER_EVENTS", &cfg.Events.Backend)
	p.list("LEDGER_KAFKA_BROKERS", &cfg.Events.KafkaBrokers)
	p.str("LEDGER_KAFKA_TOPIC", &cfg.Events.KafkaTopic)
	p.str("LEDGER_RABBITMQ_URL", &cfg.Events.RabbitMQURL)
	p.str("LEDGER_RABBITMQ_EXCHANGE", &cfg.Events.RabbitExchange)

	if getenv("LEDGER_LOG_DEV") == "true" {
		cfg.Log = logging.DevelopmentConfig()
	}
	p.str("LEDGER_LOG_LEVEL", &cfg.Log.Level)
	p.str("LEDGER_LOG_FORMAT", &cfg.Log.Format)

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("config: LEDGER_POSTGRES_DSN is required for the postgres store"))
		}
	case BackendMongo:
		if c.Store.MongoURI == "" {
			errs = append(errs, errors.New("config: LEDGER_MONGO_URI is required for the mongo store"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown store backend %q", c.Store.Backend))
	}

	switch c.Events.Backend {
	case EventsNone:
	case EventsKafka:
		if len(c.Events.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("config: LEDGER_KAFKA_BROKERS is required for kafka events"))
		}
	case EventsRabbitMQ:
		if c.Events.RabbitMQURL == "" {
			errs = append(errs, errors.New("config: LEDGER_RABBITMQ_URL is required for rabbitmq events"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown events backend %q", c.Events.Backend))
	}

	if c.Recovery.StalenessThreshold <= 0 {
		errs = append(errs, errors.New("config: recovery staleness threshold must be positive"))
	}
	if c.Recovery.ScanInterval <= 0 {
		errs = append(errs, errors.New("config: recovery scan interval must be positive"))
	}
	if c.MaxIterations <= 0 {
		errs = append(errs, errors.New("config: max iterations must be positive"))
	}
	if err := c.Resilience.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) str(key string, dst *string) {
	if v := p.getenv(key); v != "" {
		*dst = v
	}
}

func (p *parser) list(key string, dst *[]string) {
	v := p.getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (p *parser) integer(key string, dst *int) {
	v := p.getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("config: %s: %w", key, err))
		return
	}
	*dst = n
}

func (p *parser) duration(key string, dst *time.Duration) {
	v := p.getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("config: %s: %w", key, err))
		return
	}
	*dst = d
}

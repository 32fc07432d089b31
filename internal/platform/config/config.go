// Package config loads process configuration from environment variables.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendKafka    = "kafka"
)

// Config is the full process configuration. Each concern has its own struct
// and environment prefix.
type Config struct {
	Server     Server     `envPrefix:"SERVER_"`
	Log        Log        `envPrefix:"LOG_"`
	Storage    Storage    `envPrefix:"STORAGE_"`
	Postgres   Postgres   `envPrefix:"POSTGRES_"`
	Redis      Redis      `envPrefix:"REDIS_"`
	Queue      Queue      `envPrefix:"QUEUE_"`
	Kafka      Kafka      `envPrefix:"KAFKA_"`
	Downstream Downstream `envPrefix:"DOWNSTREAM_"`
	Resilience Resilience `envPrefix:"RESILIENCE_"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr              string        `env:"ADDR" envDefault:":8080"`
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	// EmbeddedWorker runs the issuance consumer inside the HTTP process.
	// Required when both storage and queue use the memory backend.
	EmbeddedWorker bool `env:"EMBEDDED_WORKER" envDefault:"true"`
}

type Log struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

type Storage struct {
	Backend string `env:"BACKEND" envDefault:"memory"`
}

type Postgres struct {
	URL string `env:"URL"`
	// Driver selects the database/sql driver: "pgx" or "postgres" (lib/pq).
	Driver          string        `env:"DRIVER" envDefault:"pgx"`
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS" envDefault:"10"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"30m"`
}

// Redis configures the go-redis client.
type Redis struct {
	URL          string        `env:"URL"`
	PoolSize     int           `env:"POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"3s"`
	KeyPrefix    string        `env:"KEY_PREFIX" envDefault:"invoicer"`
}

// Queue configures the issuance queue gateway.
type Queue struct {
	Backend        string        `env:"BACKEND" envDefault:"memory"`
	Topic          string        `env:"TOPIC" envDefault:"invoice_requests"`
	ReconnectDelay time.Duration `env:"RECONNECT_DELAY" envDefault:"5s"`
	// MaxDeliveries caps redelivery of a failing message. Zero keeps
	// requeueing forever.
	MaxDeliveries   int    `env:"MAX_DELIVERIES" envDefault:"0"`
	DeadLetterTopic string `env:"DEAD_LETTER_TOPIC"`
}

type Kafka struct {
	Brokers           []string      `env:"BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	ConsumerGroup     string        `env:"CONSUMER_GROUP" envDefault:"invoice-issuance-workers"`
	Partitions        int32         `env:"PARTITIONS" envDefault:"3"`
	ReplicationFactor int16         `env:"REPLICATION_FACTOR" envDefault:"1"`
	SessionTimeout    time.Duration `env:"SESSION_TIMEOUT" envDefault:"45s"`
}

// Downstream configures the external invoice issuance API.
type Downstream struct {
	BaseURL       string `env:"BASE_URL" envDefault:"http://localhost:3001"`
	Authorization string `env:"AUTHORIZATION"`
	// HTTPTimeout bounds the transport; the breaker's call timeout is the
	// effective per-attempt bound.
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s"`
}

// Resilience configures retry and the circuit breaker around downstream calls.
type Resilience struct {
	MaxAttempts      int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	InitialDelay     time.Duration `env:"INITIAL_DELAY" envDefault:"1s"`
	MaxDelay         time.Duration `env:"MAX_DELAY" envDefault:"0s"`
	CallTimeout      time.Duration `env:"CALL_TIMEOUT" envDefault:"5s"`
	FailureThreshold float64       `env:"FAILURE_THRESHOLD" envDefault:"50"`
	MinRequests      int           `env:"MIN_REQUESTS" envDefault:"1"`
	ResetTimeout     time.Duration `env:"RESET_TIMEOUT" envDefault:"30s"`
	RollingWindow    time.Duration `env:"ROLLING_WINDOW" envDefault:"10s"`
	RollingBuckets   int           `env:"ROLLING_BUCKETS" envDefault:"10"`
	// OverallDeadline bounds a whole retry sequence. Zero disables it.
	OverallDeadline time.Duration `env:"OVERALL_DEADLINE" envDefault:"0s"`
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations that cannot start.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Postgres.URL == "" {
			return fmt.Errorf("POSTGRES_URL is required for storage backend %q", c.Storage.Backend)
		}
		if c.Postgres.Driver != "pgx" && c.Postgres.Driver != "postgres" {
			return fmt.Errorf("unsupported postgres driver %q", c.Postgres.Driver)
		}
	case BackendRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("REDIS_URL is required for storage backend %q", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}

	switch c.Queue.Backend {
	case BackendMemory:
	case BackendKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required for queue backend %q", c.Queue.Backend)
		}
	default:
		return fmt.Errorf("unsupported queue backend %q", c.Queue.Backend)
	}
	if c.Queue.Topic == "" {
		return fmt.Errorf("QUEUE_TOPIC cannot be empty")
	}
	if c.Queue.MaxDeliveries < 0 {
		return fmt.Errorf("QUEUE_MAX_DELIVERIES cannot be negative")
	}
	if c.Queue.MaxDeliveries > 0 && c.Queue.DeadLetterTopic == "" {
		return fmt.Errorf("QUEUE_DEAD_LETTER_TOPIC is required when QUEUE_MAX_DELIVERIES is set")
	}

	if _, err := url.ParseRequestURI(c.Downstream.BaseURL); err != nil {
		return fmt.Errorf("invalid DOWNSTREAM_BASE_URL: %w", err)
	}

	r := c.Resilience
	if r.MaxAttempts < 1 {
		return fmt.Errorf("RESILIENCE_MAX_ATTEMPTS must be at least 1")
	}
	if r.FailureThreshold <= 0 || r.FailureThreshold > 100 {
		return fmt.Errorf("RESILIENCE_FAILURE_THRESHOLD must be in (0, 100]")
	}
	if r.RollingBuckets < 1 {
		return fmt.Errorf("RESILIENCE_ROLLING_BUCKETS must be at least 1")
	}
	return nil
}

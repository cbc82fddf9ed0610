// Package config holds the typed process configuration. Everything is parsed
// from the environment once at startup and validated eagerly; no component
// reads os.Getenv at use time.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full engine configuration.
type Config struct {
	Addr          string        `env:"SHUTTLE_ADDR" envDefault:":8080"`
	LogLevel      string        `env:"SHUTTLE_LOG_LEVEL" envDefault:"info"`
	JWTSigningKey string        `env:"SHUTTLE_JWT_SIGNING_KEY"`
	ShutdownGrace time.Duration `env:"SHUTTLE_SHUTDOWN_GRACE" envDefault:"10s"`

	// Metadata store selection.
	MetadataDriver string `env:"SHUTTLE_METADATA_DRIVER" envDefault:"memory"`
	PostgresURL    string `env:"SHUTTLE_POSTGRES_URL"`

	Redis RedisConfig
	Kafka KafkaConfig

	// Raw per-domain settings. DomainKeys maps domain -> base64 key material,
	// DomainRoles maps domain -> pipe-separated role list, DomainBackends maps
	// domain -> backend selector ("memory", "fs:<dir>", "redis").
	DomainNames    []string          `env:"SHUTTLE_DOMAINS" envSeparator:","`
	DomainKeys     map[string]string `env:"SHUTTLE_DOMAIN_KEYS" envSeparator:"," envKeyValSeparator:"="`
	DomainRoles    map[string]string `env:"SHUTTLE_DOMAIN_ROLES" envSeparator:"," envKeyValSeparator:"="`
	DomainBackends map[string]string `env:"SHUTTLE_DOMAIN_BACKENDS" envSeparator:"," envKeyValSeparator:"="`

	// Consistency sweep tuning.
	SweepInterval       time.Duration `env:"SHUTTLE_SWEEP_INTERVAL" envDefault:"1m"`
	SweepConcurrency    int           `env:"SHUTTLE_SWEEP_CONCURRENCY" envDefault:"8"`
	ConflictRetryBudget int           `env:"SHUTTLE_CONFLICT_RETRY_BUDGET" envDefault:"5"`

	Retry RetryConfig

	// Domains is derived from the raw fields during Load.
	Domains []DomainSettings `env:"-"`
}

// RedisConfig configures the optional redis-backed storage backend.
type RedisConfig struct {
	URL          string        `env:"SHUTTLE_REDIS_URL"`
	PoolSize     int           `env:"SHUTTLE_REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"SHUTTLE_REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"SHUTTLE_REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"SHUTTLE_REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"SHUTTLE_REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// KafkaConfig configures the optional audit event sink. Empty brokers disable
// the sink.
type KafkaConfig struct {
	Brokers []string `env:"SHUTTLE_KAFKA_BROKERS" envSeparator:","`
	Topic   string   `env:"SHUTTLE_KAFKA_TOPIC" envDefault:"shuttle.audit"`
}

// RetryConfig parameterizes the shared retry policy.
type RetryConfig struct {
	MaxAttempts int           `env:"SHUTTLE_RETRY_MAX_ATTEMPTS" envDefault:"4"`
	BaseDelay   time.Duration `env:"SHUTTLE_RETRY_BASE_DELAY" envDefault:"50ms"`
	MaxDelay    time.Duration `env:"SHUTTLE_RETRY_MAX_DELAY" envDefault:"2s"`
	MaxElapsed  time.Duration `env:"SHUTTLE_RETRY_MAX_ELAPSED" envDefault:"30s"`
}

// DomainSettings is the typed per-domain view assembled from the raw maps.
type DomainSettings struct {
	Name    string
	Key     string // base64-encoded 32-byte key material
	Roles   []string
	Backend string
}

// Load parses the environment and derives per-domain settings. Missing key
// material for a configured domain is an error here; malformed material is
// caught later by the key registry, which owns format validation.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.buildDomains(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) buildDomains() error {
	for _, name := range c.DomainNames {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		key, ok := c.DomainKeys[name]
		if !ok {
			return fmt.Errorf("domain %q has no key material configured", name)
		}
		var roles []string
		for _, role := range strings.Split(c.DomainRoles[name], "|") {
			if role = strings.TrimSpace(role); role != "" {
				roles = append(roles, role)
			}
		}
		backend := c.DomainBackends[name]
		if backend == "" {
			backend = "memory"
		}
		c.Domains = append(c.Domains, DomainSettings{
			Name:    name,
			Key:     key,
			Roles:   roles,
			Backend: backend,
		})
	}
	return nil
}

func (c *Config) validate() error {
	switch c.MetadataDriver {
	case "memory":
	case "postgres":
		if c.PostgresURL == "" {
			return fmt.Errorf("metadata driver postgres requires SHUTTLE_POSTGRES_URL")
		}
	default:
		return fmt.Errorf("unknown metadata driver %q", c.MetadataDriver)
	}
	if c.SweepConcurrency < 1 {
		return fmt.Errorf("sweep concurrency must be at least 1")
	}
	if c.ConflictRetryBudget < 1 {
		return fmt.Errorf("conflict retry budget must be at least 1")
	}
	for _, d := range c.Domains {
		switch {
		case d.Backend == "memory", d.Backend == "redis":
		case strings.HasPrefix(d.Backend, "fs:"):
			if strings.TrimPrefix(d.Backend, "fs:") == "" {
				return fmt.Errorf("domain %q: fs backend requires a directory", d.Name)
			}
		default:
			return fmt.Errorf("domain %q: unknown backend %q", d.Name, d.Backend)
		}
		if d.Backend == "redis" && c.Redis.URL == "" {
			return fmt.Errorf("domain %q uses the redis backend but SHUTTLE_REDIS_URL is empty", d.Name)
		}
	}
	return nil
}

// Package config loads the tool gate's runtime configuration.
// Precedence: defaults < YAML file < environment variables.
// The resulting Config is built once at startup and never mutated.
package config

import "time"

// Config holds all runtime configuration for the tool gate.
type Config struct {
	Server      Server      `yaml:"server"`
	Auth        Auth        `yaml:"auth"`
	Policy      Policy      `yaml:"policy"`
	Rate        Rate        `yaml:"rate"`
	Idempotency Idempotency `yaml:"idempotency"`
	Pending     Pending     `yaml:"pending"`
	Tools       Tools       `yaml:"tools"`
	Audit       Audit       `yaml:"audit"`
	Postgres    Postgres    `yaml:"postgres"`
	ClickHouse  ClickHouse  `yaml:"clickhouse"`
	Redis       Redis       `yaml:"redis"`
	NATS        NATS        `yaml:"nats"`
	Logging     Logging     `yaml:"logging"`
}

// Server holds listener configuration.
type Server struct {
	HTTPPort string `yaml:"http_port"`
	GRPCPort string `yaml:"grpc_port"`
}

// Auth holds caller credential configuration.
type Auth struct {
	APIKey   string        `yaml:"api_key"`   // Shared credential for the static authenticator
	CacheTTL time.Duration `yaml:"cache_ttl"` // Postgres authenticator cache TTL
}

// Policy holds the tool allowlist.
type Policy struct {
	AllowedTools []string `yaml:"allowed_tools"`
}

// Rate holds fixed-window rate limiting configuration.
type Rate struct {
	Threshold       int           `yaml:"threshold"` // Calls admitted per window; <= 0 disables limiting
	Window          time.Duration `yaml:"window"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// Idempotency holds dedup cache configuration.
type Idempotency struct {
	TTL                time.Duration `yaml:"ttl"`                 // 0 = records never expire
	ReservationTimeout time.Duration `yaml:"reservation_timeout"` // Upper bound on an in-flight execution
}

// Pending holds approval workflow configuration.
type Pending struct {
	TTL time.Duration `yaml:"ttl"` // 0 = pending actions never expire
}

// Tools holds tool execution configuration.
type Tools struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Audit holds audit log configuration.
type Audit struct {
	Path             string `yaml:"path"`
	RingSize         int    `yaml:"ring_size"`
	MaxWriteFailures int    `yaml:"max_write_failures"`
}

// Postgres holds the optional durable store connection.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ClickHouse holds the optional audit analytics sink connection.
type ClickHouse struct {
	DSN string `yaml:"dsn"`
}

// Redis holds the optional shared limiter / idempotency backend.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATS holds the optional message bus used by the send_message tool.
type NATS struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level string `yaml:"level"`
}

// DefaultAllowedTools is the allowlist used when none is configured.
var DefaultAllowedTools = []string{
	"search_customer",
	"create_ticket",
	"update_customer_status",
	"send_message",
	"get_incident_impact",
}

// Defaults returns a Config populated with default values.
func Defaults() Config {
	return Config{
		Server: Server{
			HTTPPort: "8000",
			GRPCPort: "50054",
		},
		Auth: Auth{
			APIKey:   "dev-key",
			CacheTTL: 30 * time.Second,
		},
		Policy: Policy{
			AllowedTools: append([]string(nil), DefaultAllowedTools...),
		},
		Rate: Rate{
			Threshold:       60,
			Window:          time.Minute,
			CleanupInterval: 5 * time.Minute,
		},
		Idempotency: Idempotency{
			ReservationTimeout: 30 * time.Second,
		},
		Tools: Tools{
			Timeout: 10 * time.Second,
		},
		Audit: Audit{
			Path:             "audit.log",
			RingSize:         1000,
			MaxWriteFailures: 100,
		},
		Postgres: Postgres{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		NATS: NATS{
			Subject: "toolgate.messages",
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

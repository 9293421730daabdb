package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration when
// TOOL_GATE_CONFIG is unset.
const DefaultConfigFile = "tool-gate.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// A .env file in the working directory is loaded first if present.
func Load() (*Config, error) {
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	path := os.Getenv("TOOL_GATE_CONFIG")
	if path == "" {
		path = DefaultConfigFile
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)
	normalize(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.HTTPPort, "TOOL_GATE_HTTP_PORT")
	setString(&cfg.Server.GRPCPort, "TOOL_GATE_GRPC_PORT")

	setString(&cfg.Auth.APIKey, "TOOL_GATE_API_KEY")
	setSeconds(&cfg.Auth.CacheTTL, "TOOL_GATE_AUTH_CACHE_TTL_S")

	setList(&cfg.Policy.AllowedTools, "TOOL_GATE_ALLOWED_TOOLS")

	setInt(&cfg.Rate.Threshold, "TOOL_GATE_RATE_LIMIT")
	setDuration(&cfg.Rate.Window, "TOOL_GATE_RATE_WINDOW")
	setDuration(&cfg.Rate.CleanupInterval, "TOOL_GATE_RATE_CLEANUP_INTERVAL")

	setDuration(&cfg.Idempotency.TTL, "TOOL_GATE_IDEMPOTENCY_TTL")
	setDuration(&cfg.Idempotency.ReservationTimeout, "TOOL_GATE_IDEMPOTENCY_RESERVATION_TIMEOUT")

	setDuration(&cfg.Pending.TTL, "TOOL_GATE_PENDING_TTL")
	setDuration(&cfg.Tools.Timeout, "TOOL_GATE_TOOL_TIMEOUT")

	setString(&cfg.Audit.Path, "TOOL_GATE_AUDIT_LOG")
	setInt(&cfg.Audit.RingSize, "TOOL_GATE_AUDIT_RING")
	setInt(&cfg.Audit.MaxWriteFailures, "TOOL_GATE_AUDIT_MAX_WRITE_FAILURES")

	setString(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setString(&cfg.ClickHouse.DSN, "CLICKHOUSE_DSN")

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Subject, "TOOL_GATE_NATS_SUBJECT")

	setString(&cfg.Logging.Level, "TOOL_GATE_LOG_LEVEL")
}

// normalize trims and de-duplicates list values.
func normalize(cfg *Config) {
	seen := make(map[string]struct{}, len(cfg.Policy.AllowedTools))
	tools := make([]string, 0, len(cfg.Policy.AllowedTools))
	for _, t := range cfg.Policy.AllowedTools {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		tools = append(tools, t)
	}
	if len(tools) == 0 {
		tools = append(tools, DefaultAllowedTools...)
	}
	cfg.Policy.AllowedTools = tools
}

func validate(cfg *Config) error {
	if cfg.Auth.APIKey == "" && cfg.Postgres.DSN == "" {
		return errors.New("auth.api_key is required when no postgres authenticator is configured")
	}
	if cfg.Rate.Threshold > 0 && cfg.Rate.Window <= 0 {
		return fmt.Errorf("rate.window must be positive, got %s", cfg.Rate.Window)
	}
	if cfg.Idempotency.TTL < 0 {
		return fmt.Errorf("idempotency.ttl must not be negative, got %s", cfg.Idempotency.TTL)
	}
	if cfg.Idempotency.ReservationTimeout <= 0 {
		return fmt.Errorf("idempotency.reservation_timeout must be positive, got %s", cfg.Idempotency.ReservationTimeout)
	}
	if cfg.Pending.TTL < 0 {
		return fmt.Errorf("pending.ttl must not be negative, got %s", cfg.Pending.TTL)
	}
	if cfg.Tools.Timeout <= 0 {
		return fmt.Errorf("tools.timeout must be positive, got %s", cfg.Tools.Timeout)
	}
	if cfg.Audit.Path == "" {
		return errors.New("audit.path is required")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(i) * time.Second
		}
	}
}

func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return
	}
	*dst = strings.Split(v, ",")
}

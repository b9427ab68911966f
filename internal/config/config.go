// Package config loads the Kestrel configuration.
//
// Sources are applied in order, later ones winning:
//
//  1. DefaultConfig, or ProConfig when KESTREL_TIER=pro
//  2. an optional YAML file (path argument or KESTREL_CONFIG)
//  3. KESTREL_* environment variables, including those from a .env file
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Load builds the configuration from defaults, file and environment.
func Load(path string) (*domain.Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv("KESTREL_TIER"), string(domain.TierPro)) {
		cfg = domain.ProConfig()
	}

	if path == "" {
		path = os.Getenv("KESTREL_CONFIG")
	}
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *domain.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays KESTREL_* variables.
func applyEnv(cfg *domain.Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return nil
		}
		n, err := cast.ToIntE(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", domain.ErrInvalidInput, key, v)
		}
		*dst = n
		return nil
	}
	flag := func(key string, dst *bool) error {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return nil
		}
		b, err := cast.ToBoolE(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a boolean", domain.ErrInvalidInput, key, v)
		}
		*dst = b
		return nil
	}

	str("KESTREL_HOST", &cfg.Server.Host)
	str("KESTREL_DB_DRIVER", &cfg.Repository.Driver)
	str("KESTREL_SQLITE_PATH", &cfg.Repository.SQLitePath)
	str("KESTREL_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	str("KESTREL_POSTGRES_USER", &cfg.Repository.PostgresUser)
	str("KESTREL_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	str("KESTREL_POSTGRES_DB", &cfg.Repository.PostgresDB)
	str("KESTREL_POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)
	str("KESTREL_CACHE_TYPE", &cfg.Cache.Type)
	str("KESTREL_REDIS_ADDR", &cfg.Cache.RedisAddr)
	str("KESTREL_REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	str("KESTREL_BUS_TYPE", &cfg.EventBus.Type)
	str("KESTREL_NATS_URL", &cfg.EventBus.NATSUrl)
	str("KESTREL_NATS_TOKEN", &cfg.EventBus.NATSToken)
	str("KESTREL_STATS_BACKEND", &cfg.Stats.Backend)
	str("KESTREL_RULES_FILE", &cfg.Engine.RulesFile)
	str("KESTREL_RULE_RELOAD", &cfg.Scheduler.RuleReload)
	str("KESTREL_PRECISION_REPORT", &cfg.Scheduler.PrecisionReport)
	str("KESTREL_LOG_LEVEL", &cfg.Logging.Level)
	str("KESTREL_LOG_FORMAT", &cfg.Logging.Format)
	str("KESTREL_SERVICE_NAME", &cfg.Tracing.ServiceName)

	if v := os.Getenv("KESTREL_VELOCITY_WINDOWS"); v != "" {
		cfg.Engine.VelocityWindows = splitList(v)
	}
	if v := os.Getenv("KESTREL_DEBUG"); v != "" && cast.ToBool(v) {
		cfg.Logging.Level = "debug"
	}

	for key, dst := range map[string]*int{
		"KESTREL_PORT":          &cfg.Server.Port,
		"KESTREL_POSTGRES_PORT": &cfg.Repository.PostgresPort,
		"KESTREL_REDIS_DB":      &cfg.Cache.RedisDB,
		"KESTREL_MAX_WORKERS":   &cfg.Engine.MaxWorkers,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*bool{
		"KESTREL_SEED_DEFAULTS":  &cfg.Engine.SeedDefaults,
		"KESTREL_FEEDBACK_ASYNC": &cfg.Feedback.Async,
		"KESTREL_TRACING":        &cfg.Tracing.Enabled,
		"KESTREL_METRICS":        &cfg.Metrics.Enabled,
	} {
		if err := flag(key, dst); err != nil {
			return err
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks a configuration before any component is built from it.
func Validate(cfg *domain.Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d", domain.ErrInvalidInput, cfg.Server.Port)
	}
	if err := cfg.Policy.Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: repository driver %q", domain.ErrInvalidInput, cfg.Repository.Driver)
	}
	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("%w: cache type %q", domain.ErrInvalidInput, cfg.Cache.Type)
	}
	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		return fmt.Errorf("%w: event bus type %q", domain.ErrInvalidInput, cfg.EventBus.Type)
	}
	switch cfg.Stats.Backend {
	case "", "sql", "memory":
	case "redis":
		if cfg.Cache.Type != "redis" {
			return fmt.Errorf("%w: redis stats backend requires the redis cache", domain.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: stats backend %q", domain.ErrInvalidInput, cfg.Stats.Backend)
	}
	switch cfg.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("%w: log format %q", domain.ErrInvalidInput, cfg.Logging.Format)
	}
	return nil
}

package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier" yaml:"tier"`

	// Scoring policy shared by the engine and the processor
	Policy Policy `json:"policy" yaml:"policy"`

	// Component configurations
	Engine     EngineConfig     `json:"engine" yaml:"engine"`
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"event_bus"`
	Stats      StatsConfig      `json:"stats" yaml:"stats"`
	Feedback   FeedbackConfig   `json:"feedback" yaml:"feedback"`
	Scheduler  SchedulerConfig  `json:"scheduler" yaml:"scheduler"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"write_timeout"` // seconds
}

// EngineConfig tunes rule evaluation.
type EngineConfig struct {
	// MaxWorkers bounds the goroutines evaluating rules for one context.
	MaxWorkers int `json:"maxWorkers" yaml:"max_workers"`

	// RulesFile is an optional YAML rule pack seeded into an empty store.
	RulesFile string `json:"rulesFile" yaml:"rules_file"`

	// SeedDefaults loads the built-in rule templates into an empty store.
	SeedDefaults bool `json:"seedDefaults" yaml:"seed_defaults"`

	// VelocityWindows are the windows the occurrence counter fills in, e.g. ["1h", "24h"].
	VelocityWindows []string `json:"velocityWindows" yaml:"velocity_windows"`
}

// StatsConfig selects the rule statistics backend.
type StatsConfig struct {
	// Backend is "sql", "memory" or "redis".
	Backend string `json:"backend" yaml:"backend"`

	// RedisPrefix namespaces the per-rule hashes.
	RedisPrefix string `json:"redisPrefix" yaml:"redis_prefix"`
}

// FeedbackConfig controls outcome propagation.
type FeedbackConfig struct {
	// Async publishes outcomes to the bus for the worker instead of applying inline.
	Async bool `json:"async" yaml:"async"`

	// Concurrency bounds the per-outcome rule fan-out.
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// LowPrecisionThreshold flags rules below this precision in reports.
	LowPrecisionThreshold float64 `json:"lowPrecisionThreshold" yaml:"low_precision_threshold"`

	// MinTriggers is the trigger count below which precision is not reported.
	MinTriggers int64 `json:"minTriggers" yaml:"min_triggers"`
}

// SchedulerConfig holds cron expressions for background jobs. Empty disables a job.
type SchedulerConfig struct {
	RuleReload      string `json:"ruleReload" yaml:"rule_reload"`
	PrecisionReport string `json:"precisionReport" yaml:"precision_report"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ServiceName string `json:"serviceName" yaml:"service_name"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier:   TierCommunity,
		Policy: DefaultPolicy(),
		Engine: EngineConfig{
			MaxWorkers:      10,
			SeedDefaults:    true,
			VelocityWindows: []string{"1h", "24h"},
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Stats: StatsConfig{
			Backend:     "sql",
			RedisPrefix: "kestrel:rulestats",
		},
		Feedback: FeedbackConfig{
			Concurrency:           8,
			LowPrecisionThreshold: 40,
			MinTriggers:           20,
		},
		Scheduler: SchedulerConfig{
			RuleReload:      "@every 1m",
			PrecisionReport: "0 6 * * *",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Stats.Backend = "redis"
	cfg.Feedback.Async = true
	cfg.Tracing.Enabled = true
	return cfg
}

// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Rule operations. Rules are never deleted, only deactivated.
	SaveRule(ctx context.Context, rule *Rule) error
	GetRule(ctx context.Context, code string) (*Rule, error)
	ListRules(ctx context.Context, filter RuleFilter) ([]*Rule, error)
	SetRuleActive(ctx context.Context, code string, active bool) error

	// Rule statistics. Each call is a single atomic update.
	IncrementRuleTriggers(ctx context.Context, code string, at time.Time) error
	IncrementRuleOutcome(ctx context.Context, code string, outcome Outcome) (*RuleStats, error)
	GetRuleStats(ctx context.Context, code string) (*RuleStats, error)

	// Score operations. Scores are written once; override and outcome are
	// conditional updates that fail with ErrInvalidState / ErrConflict.
	SaveScore(ctx context.Context, score *Score) error
	GetScore(ctx context.Context, id string) (*Score, error)
	ListScoresByEntity(ctx context.Context, entity EntityRef, limit int) ([]*Score, error)
	OverrideScore(ctx context.Context, score *Score) error
	SetScoreOutcome(ctx context.Context, score *Score) error
	LinkScoreCase(ctx context.Context, scoreID, caseID string) error

	// Case operations
	SaveCase(ctx context.Context, c *Case) error
	UpdateCase(ctx context.Context, c *Case) error
	GetCase(ctx context.Context, id string) (*Case, error)
	GetCaseByNumber(ctx context.Context, number string) (*Case, error)
	ListCases(ctx context.Context, filter CaseFilter) ([]*Case, error)
	NextCaseSequence(ctx context.Context, period string) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" yaml:"postgres_host"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgres_port"`
	PostgresUser     string `json:"postgresUser" yaml:"postgres_user"`
	PostgresPassword string `json:"-" yaml:"postgres_password"`
	PostgresDB       string `json:"postgresDb" yaml:"postgres_db"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"conn_max_lifetime"`
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kestrel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, domain.TierCommunity, cfg.Tier)
	assert.Equal(t, "sqlite", cfg.Repository.Driver)
	assert.Equal(t, "memory", cfg.Cache.Type)
	assert.Equal(t, "channel", cfg.EventBus.Type)
	assert.Equal(t, "sql", cfg.Stats.Backend)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"1h", "24h"}, cfg.Engine.VelocityWindows)
}

func TestLoadProTier(t *testing.T) {
	t.Setenv("KESTREL_TIER", "pro")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, domain.TierPro, cfg.Tier)
	assert.Equal(t, "postgres", cfg.Repository.Driver)
	assert.Equal(t, "redis", cfg.Stats.Backend)
	assert.True(t, cfg.Feedback.Async)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
server:
  port: 9090
policy:
  decision_thresholds:
    challenge: 30
    review: 55
    block: 85
  severity_multipliers:
    critical: 3
engine:
  velocity_windows: ["15m", "7d"]
cache:
  local_ttl: 90s
scheduler:
  precision_report: ""
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 85.0, cfg.Policy.DecisionThresholds.Block)
	assert.Equal(t, 3.0, cfg.Policy.Multiplier(domain.SeverityCritical))
	assert.Equal(t, 1.5, cfg.Policy.Multiplier(domain.SeverityHigh), "unspecified multipliers keep their default")
	assert.Equal(t, 80.0, cfg.Policy.RiskBands.VeryHigh)
	assert.Equal(t, []string{"15m", "7d"}, cfg.Engine.VelocityWindows)
	assert.Equal(t, 90*time.Second, cfg.Cache.LocalTTL)
	assert.Empty(t, cfg.Scheduler.PrecisionReport)
	assert.Equal(t, "@every 1m", cfg.Scheduler.RuleReload)
}

func TestLoadFileFromEnv(t *testing.T) {
	path := writeFile(t, "server:\n  port: 7070\n")
	t.Setenv("KESTREL_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "server:\n  port: 9090\nlogging:\n  level: warn\n")
	t.Setenv("KESTREL_PORT", "9191")
	t.Setenv("KESTREL_DEBUG", "true")
	t.Setenv("KESTREL_FEEDBACK_ASYNC", "1")
	t.Setenv("KESTREL_VELOCITY_WINDOWS", "1h, 7d ,")
	t.Setenv("KESTREL_SQLITE_PATH", "/var/lib/kestrel/kestrel.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Feedback.Async)
	assert.Equal(t, []string{"1h", "7d"}, cfg.Engine.VelocityWindows)
	assert.Equal(t, "/var/lib/kestrel/kestrel.db", cfg.Repository.SQLitePath)
}

func TestLoadErrors(t *testing.T) {
	t.Run("MissingFile", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("MalformedYAML", func(t *testing.T) {
		_, err := Load(writeFile(t, "server: [port"))
		assert.Error(t, err)
	})

	t.Run("BadNumber", func(t *testing.T) {
		t.Setenv("KESTREL_PORT", "eighty")
		_, err := Load("")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("BadBoolean", func(t *testing.T) {
		t.Setenv("KESTREL_TRACING", "maybe")
		_, err := Load("")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("DescendingThresholds", func(t *testing.T) {
		path := writeFile(t, "policy:\n  decision_thresholds:\n    challenge: 70\n    review: 60\n    block: 80\n")
		_, err := Load(path)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("RedisStatsWithoutRedis", func(t *testing.T) {
		t.Setenv("KESTREL_STATS_BACKEND", "redis")
		_, err := Load("")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("UnknownDriver", func(t *testing.T) {
		t.Setenv("KESTREL_DB_DRIVER", "oracle")
		_, err := Load("")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

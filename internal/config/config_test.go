package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Postgres.Host)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "progress-events", cfg.Kafka.Topic)
	assert.Equal(t, "leaderboard-projector", cfg.Kafka.GroupID)
	assert.Equal(t, 3*time.Hour, cfg.Auth.MaxAge)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 30*time.Minute, cfg.Worker.Interval)
	assert.True(t, cfg.Worker.Enabled)
	assert.Equal(t, 100, cfg.Leaderboard.DefaultLimit)

	// Game economy defaults
	assert.Equal(t, float64(1000), cfg.Game.Multitap.BasePrice)
	assert.Equal(t, float64(2), cfg.Game.Multitap.CostCoefficient)
	assert.Equal(t, float64(500), cfg.Game.EnergyLimit.BaseBenefit)
	assert.Equal(t, 1.5, cfg.Game.Mine.CostCoefficient)
	assert.Equal(t, 1.2, cfg.Game.Mine.BenefitCoefficient)
	assert.Equal(t, 6, cfg.Game.MaxDailyRefills)
	assert.Equal(t, time.Hour, cfg.Game.RefillCooldown)
	assert.Equal(t, 1.2, cfg.Game.SyncSlack)
}

func TestLoadFromFile(t *testing.T) {
	content := `
server:
  port: 9090
auth:
  bot_token: test-token
  bypass: true
game:
  max_daily_refills: 3
  sync_slack: 1.5
retry:
  max_attempts: 5
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "test-token", cfg.Auth.BotToken)
	assert.True(t, cfg.Auth.Bypass)
	assert.Equal(t, 3, cfg.Game.MaxDailyRefills)
	assert.Equal(t, 1.5, cfg.Game.SyncSlack)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.BaseDelay)

	// Unset sections still get defaults.
	assert.Equal(t, "localhost", cfg.Postgres.Host)
	assert.Equal(t, float64(1000), cfg.Game.Multitap.BasePrice)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_BOT_TOKEN", "secret-from-env")

	content := `
auth:
  bot_token: ${TEST_BOT_TOKEN}
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-from-env", cfg.Auth.BotToken)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

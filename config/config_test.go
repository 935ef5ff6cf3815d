package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castcle/ledger-engine/config"
	"github.com/castcle/ledger-engine/rewards"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Rewards.Interval)
	assert.Equal(t, 5, cfg.Rewards.MaxPayoutAttempts)

	shares, err := cfg.Rewards.Shares()
	require.NoError(t, err)
	assert.True(t, shares.Viewer.Equal(rewards.DefaultShares().Viewer))
	assert.True(t, shares.Farming.Equal(rewards.DefaultShares().Farming))
}

func TestLoad_FileThenEnv(t *testing.T) {
	// GIVEN: A file setting the port and queue, and an env var overriding the port
	// WHEN: Loading
	// THEN: env wins over file, file wins over defaults

	path := writeFile(t, "ledger.yaml", `
http:
  port: 9000
store:
  driver: memory
queue:
  workers: 16
  job_timeout: 5s
rewards:
  viewer_share: "0.2"
  creator_share: "0.4"
  farming_share: "0.4"
`)
	t.Setenv("LEDGER_HTTP_PORT", "9100")
	t.Setenv("LEDGER_REWARDS_ENABLED", "false")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.HTTP.Port)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 16, cfg.Queue.Workers)
	assert.Equal(t, 5*time.Second, cfg.Queue.JobTimeout)
	assert.False(t, cfg.Rewards.Enabled)

	shares, err := cfg.Rewards.Shares()
	require.NoError(t, err)
	assert.True(t, shares.Viewer.Equal(decimal.RequireFromString("0.2")))
}

func TestLoad_KafkaBrokersFromEnv(t *testing.T) {
	t.Setenv("LEDGER_QUEUE_DRIVER", "kafka")
	t.Setenv("LEDGER_QUEUE_KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")

	cfg, err := config.Load("")
	require.NoError(t, err)

	kc := cfg.Queue.KafkaQueue()
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, kc.Brokers)
	assert.Equal(t, "ledger.transactions", kc.Topic)
	assert.Equal(t, cfg.Queue.MaxAttempts, kc.MaxAttempts)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))

	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() config.Config {
		cfg, err := config.Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
		errMsg string
	}{
		{"defaults are valid", func(*config.Config) {}, ""},
		{"unknown store", func(c *config.Config) { c.Store.Driver = "mongo" }, `unknown store.driver "mongo"`},
		{"postgres needs dsn", func(c *config.Config) { c.Store.Driver = "postgres" }, "store.postgres_dsn is required"},
		{"kafka needs brokers", func(c *config.Config) { c.Queue.Driver = "kafka" }, "queue.kafka.brokers is required"},
		{"port range", func(c *config.Config) { c.HTTP.Port = 70000 }, "http.port 70000 out of range"},
		{"shares must sum to one", func(c *config.Config) { c.Rewards.ViewerShare = "0.3" }, "rewards shares"},
		{"shares must parse", func(c *config.Config) { c.Rewards.FarmingShare = "lots" }, "rewards.farming_share"},
		{"no workers", func(c *config.Config) { c.Queue.Workers = 0 }, "queue.workers must be positive"},
		{"negative payout attempts", func(c *config.Config) { c.Rewards.MaxPayoutAttempts = -1 }, "rewards.max_payout_attempts must not be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)

			err := cfg.Validate()

			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Store.Driver = "postgres"
	cfg.Queue.Driver = "kafka"

	err = cfg.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres_dsn")
	assert.Contains(t, err.Error(), "kafka.brokers")
}

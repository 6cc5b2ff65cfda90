package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Running.Port)
	assert.Equal(t, "", cfg.Mysql.DSN)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Equal(t, 10_000, cfg.Kafka.QueueSize)
	assert.Equal(t, 50*time.Millisecond, cfg.Kafka.BaseBackoff)
	assert.Equal(t, 2*time.Second, cfg.Relay.AcquireTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Relay.ClockIdleEviction)
	assert.Equal(t, 10*time.Minute, cfg.Redis.StatusTTL)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
running:
  port: 4000
kafka:
  brokers: ["k1:9092", "k2:9092"]
  maxBackoff: 3s
relay:
  allowedOrigins: ["*"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relayConfig.yaml"), []byte(yaml), 0o644))
	t.Setenv("RELAY_RUNNING_PORT", "5000")
	t.Setenv("RELAY_MYSQL_DSN", "user:pw@tcp(db:3306)/relay")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Running.Port)
	assert.Equal(t, "user:pw@tcp(db:3306)/relay", cfg.Mysql.DSN)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 3*time.Second, cfg.Kafka.MaxBackoff)
	assert.Equal(t, []string{"*"}, cfg.Relay.AllowedOrigins)
	// 文件里没写的仍走默认值
	assert.Equal(t, 4, cfg.Kafka.Workers)
}

func TestLoad_RepoConfigParses(t *testing.T) {
	cfg, err := Load(".")
	require.NoError(t, err)
	assert.Equal(t, "link-commits", cfg.Kafka.Topic)
	assert.NotEmpty(t, cfg.Relay.AllowedOrigins)
}

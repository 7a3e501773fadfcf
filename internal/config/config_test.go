package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: info
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:7100", cfg.Server.Addr())
	assert.Equal(t, "127.0.0.1:7101", cfg.Ops.Addr())
	assert.Equal(t, 5*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 64, cfg.Comms.OutboxSize)
	assert.Equal(t, 20, cfg.Comms.MaxPending)
	assert.Equal(t, 2*time.Minute, cfg.Comms.ReconnectWindow)
	assert.Equal(t, 3*time.Minute, cfg.Janitor.Interval)
	assert.Empty(t, cfg.Server.AllowedOrigins)
	assert.False(t, cfg.Broker.Enabled())
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
broker:
  url: nats://localhost:4222
  retry_queue_cap: 64
logging:
  level: debug
  format: console
comms:
  max_pending: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.True(t, cfg.Broker.Enabled())
	assert.Equal(t, 64, cfg.Broker.RetryQueueCap)
	assert.Equal(t, 5, cfg.Comms.MaxPending)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := Config{
		Server:  ServerConfig{Port: 0},
		Ops:     OpsConfig{Port: 70000},
		Logging: LoggingConfig{Level: "loud", Format: "xml"},
		Comms:   CommsConfig{OutboxSize: 0, MaxPending: -1},
		Janitor: JanitorConfig{Interval: 0},
	}

	err := cfg.Validate()
	require.Error(t, err)
	for _, fragment := range []string{
		"server.port",
		"ops.port",
		"logging.level",
		"logging.format",
		"comms.outbox_size",
		"comms.max_pending",
		"janitor.interval",
	} {
		assert.Contains(t, err.Error(), fragment)
	}
}

func TestValidateBrokerOnlyWhenEnabled(t *testing.T) {
	disabled := BrokerConfig{URL: "", RetryPerSec: 0}
	assert.NoError(t, validateBroker(disabled))

	enabled := BrokerConfig{URL: "nats://x", RetryPerSec: 0, RetryBurst: 0, RetryQueueCap: 0}
	assert.Error(t, validateBroker(enabled))
}

func TestLoadFromViperNil(t *testing.T) {
	_, err := LoadFromViper(nil)
	require.Error(t, err)
}

func TestLoadFromViper(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("logging.level", "warn")

	cfg, err := LoadFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

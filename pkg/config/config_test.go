package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Listen, cfg.Listen)
	assert.Equal(t, DefaultConfig().OutboundQueueSize, cfg.OutboundQueueSize)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9000"
dataDir: /tmp/codesync-test
logLevel: debug
idleGrace: 90s
flushParallelism: 3
inboundRate: 50
serviceTokens:
  - tok-admin-1
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "/tmp/codesync-test", cfg.DataDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 90*time.Second, cfg.IdleGrace.D())
	assert.Equal(t, 3, cfg.FlushParallelism)
	assert.Equal(t, float64(50), cfg.InboundRate)
	assert.Equal(t, []string{"tok-admin-1"}, cfg.ServiceTokens)

	// Untouched keys keep defaults.
	assert.Equal(t, DefaultConfig().HandlerTimeout, cfg.HandlerTimeout)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("idleGrace: fast\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CODESYNC_LISTEN", ":7777")
	t.Setenv("CODESYNC_HANDLER_TIMEOUT", "2s")
	t.Setenv("CODESYNC_OUTBOUND_QUEUE_SIZE", "32")
	t.Setenv("CODESYNC_SERVICE_TOKEN", "tok-env")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Listen)
	assert.Equal(t, 2*time.Second, cfg.HandlerTimeout.D())
	assert.Equal(t, 32, cfg.OutboundQueueSize)
	assert.Contains(t, cfg.ServiceTokens, "tok-env")
}

func TestEnvRejectsGarbage(t *testing.T) {
	t.Setenv("CODESYNC_INBOUND_RATE", "plenty")
	_, err := Load("")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"zero parallelism", func(c *Config) { c.FlushParallelism = 0 }},
		{"zero queue", func(c *Config) { c.OutboundQueueSize = 0 }},
		{"negative rate", func(c *Config) { c.InboundRate = -1 }},
		{"tiny frame cap", func(c *Config) { c.MaxFrameBytes = 16 }},
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

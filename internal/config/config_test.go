package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
registry:
  kind: memory
  memory:
    devices:
      - id: lamp-1
        class: light
        values:
          onoff: true
          dim: 0.4
      - id: lamp-2
        ready: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "./groupd.sqlite", cfg.Database.DSN)
	assert.Equal(t, 30*time.Second, cfg.Engine.AuditInterval.Duration())
	assert.Equal(t, 10*time.Second, cfg.Engine.WriteTimeout.Duration())
	assert.Equal(t, 4, cfg.Engine.InitParallelism)
	assert.Equal(t, 250, cfg.Defaults.MemberDebounce.Milliseconds())
	assert.Zero(t, cfg.Defaults.GroupDebounce)
	assert.Equal(t, 3, cfg.Defaults.WriteRetries)
	assert.Equal(t, "0.0.0.0:9090", cfg.API.Addr())
	assert.Equal(t, 30, cfg.Ledger.RetentionDays)
	assert.Equal(t, 4, cfg.EventBus.GetWorkers())
	assert.Equal(t, 100, cfg.EventBus.GetQueueSize())

	require.Len(t, cfg.Registry.Memory.Devices, 2)
	assert.True(t, cfg.Registry.Memory.Devices[0].IsReady())
	assert.False(t, cfg.Registry.Memory.Devices[1].IsReady())
	assert.Equal(t, true, cfg.Registry.Memory.Devices[0].Values["onoff"])
	assert.Equal(t, 0.4, cfg.Registry.Memory.Devices[0].Values["dim"])
}

func TestLoadExplicitZeroAuditInterval(t *testing.T) {
	path := writeConfig(t, `
registry:
  kind: memory
engine:
  audit_interval: 0s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Zero(t, cfg.Engine.AuditInterval)
}

func TestLoadExpandsVariables(t *testing.T) {
	t.Setenv("HUE_BRIDGE_HOST", "10.0.0.2")
	path := writeConfig(t, `
registry:
  hue:
    bridge: ${HUE_BRIDGE_HOST}
    token: ${HUE_TOKEN_UNSET:fallback-token}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, RegistryHue, cfg.Registry.Kind)
	assert.Equal(t, "10.0.0.2", cfg.Registry.Hue.Bridge)
	assert.Equal(t, "fallback-token", cfg.Registry.Hue.Token)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GROUPD_LOG_LEVEL", "debug")
	t.Setenv("GROUPD_ENGINE_AUDIT_INTERVAL", "5s")
	t.Setenv("GROUPD_DEFAULTS_STAGGER", "150ms")
	t.Setenv("GROUPD_API_PORT", "8181")
	t.Setenv("GROUPD_REGISTRY_KIND", "memory")

	path := writeConfig(t, `
log:
  level: warn
engine:
  audit_interval: 1m
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.Engine.AuditInterval.Duration())
	assert.Equal(t, 150, cfg.Defaults.Stagger.Milliseconds())
	assert.Equal(t, 8181, cfg.API.Port)
	assert.Equal(t, RegistryMemory, cfg.Registry.Kind)
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("GROUPD_REGISTRY_KIND", "memory")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, RegistryMemory, cfg.Registry.Kind)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "hue_without_bridge", body: "registry:\n  kind: hue\n"},
		{name: "unknown_driver", body: "registry:\n  kind: memory\ndatabase:\n  driver: mysql\n"},
		{name: "postgres_without_dsn", body: "registry:\n  kind: memory\ndatabase:\n  driver: postgres\n"},
		{name: "unknown_registry", body: "registry:\n  kind: zigbee\n"},
		{name: "duplicate_device", body: "registry:\n  kind: memory\n  memory:\n    devices:\n      - id: a\n      - id: a\n"},
		{name: "bad_duration", body: "registry:\n  kind: memory\nengine:\n  write_timeout: soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

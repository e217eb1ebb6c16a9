package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
logger:
  level: "debug"
  format: "console"
session:
  type: "redis"
  default_lifetime: 2h
  redis:
    addr: "localhost:6379"
    prefix: "relay:session"
registry:
  type: "redis"
  ttl: 5m
  redis:
    addr: "localhost:6379"
    prefix: "relay:registry"
gateway:
  path: "/realtime"
  write_timeout: 3s
`)

	cfg, gotPath, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, gotPath)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "redis", cfg.Session.Type)
	assert.Equal(t, 2*time.Hour, cfg.Session.DefaultLifetime)
	assert.Equal(t, "relay:session", cfg.Session.Redis.Prefix)
	assert.Equal(t, "redis", cfg.Registry.Type)
	assert.Equal(t, 5*time.Minute, cfg.Registry.TTL)
	assert.Equal(t, "/realtime", cfg.Gateway.Path)
	assert.Equal(t, 3*time.Second, cfg.Gateway.WriteTimeout)
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `
logger:
  level: "info"
`)

	cfg, _, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "/metrics", cfg.Server.MetricsPath)
	assert.Equal(t, "memory", cfg.Session.Type)
	assert.Equal(t, 8*time.Hour, cfg.Session.DefaultLifetime)
	assert.Equal(t, "memory", cfg.Registry.Type)
	assert.Equal(t, 10*time.Minute, cfg.Registry.TTL)
	assert.Equal(t, "/ws", cfg.Gateway.Path)
	assert.Equal(t, 10*time.Second, cfg.Gateway.WriteTimeout)
	assert.Equal(t, 30*time.Second, cfg.Gateway.PingInterval)
}

func TestLoadConfig_EnvSubstitution(t *testing.T) {
	t.Setenv("RELAY_TEST_ADDR", ":7070")
	os.Unsetenv("RELAY_TEST_STORE")

	path := writeConfig(t, `
server:
  addr: "${RELAY_TEST_ADDR:':8080'}"
session:
  type: "${RELAY_TEST_STORE:memory}"
`)

	cfg, _, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Session.Type)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestResolveEnv(t *testing.T) {
	t.Setenv("RELAY_TEST_PREFIX", "game")

	out := resolveEnv([]byte("prefix: ${RELAY_TEST_PREFIX:fallback}\nother: ${RELAY_TEST_UNSET:dflt}"))
	assert.Equal(t, "prefix: game\nother: dflt", string(out))
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, "memory", cfg.Sessions.Backend)
	require.Equal(t, "none", cfg.Auth.Mode)
}

func TestLoadFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  name: override
  addr: ":9000"
sessions:
  backend: redis
  redis_addr: "redis.internal:6379"
  ttl: 30m
logging:
  level: debug
  format: text
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "override", cfg.Server.Name)
	require.Equal(t, ":9000", cfg.Server.Addr)
	require.Equal(t, "redis", cfg.Sessions.Backend)
	require.Equal(t, 30*time.Minute, cfg.Sessions.TTL)
	require.Equal(t, "debug", cfg.Logging.Level)
	// Untouched fields keep their defaults.
	require.Equal(t, 60*time.Second, cfg.Server.RequestTimeout)
}

func TestFeatureFlagsDefaultOnAndDisableFromFile(t *testing.T) {
	cfg := Default()
	require.True(t, cfg.Features.Tools)
	require.True(t, cfg.Features.Resources)
	require.True(t, cfg.Features.Prompts)

	path := filepath.Join(t.TempDir(), "mcpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("features:\n  prompts: false\n"), 0o600))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.False(t, loaded.Features.Prompts)
	require.True(t, loaded.Features.Tools)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9000\"\n"), 0o600))

	t.Setenv("MCPD_ADDR", ":7070")
	t.Setenv("MCPD_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Server.Addr)
	require.Equal(t, "warn", cfg.Logging.Level)
}

func TestUnknownBackendRejected(t *testing.T) {
	cfg := Default()
	cfg.Sessions.Backend = "dynamodb"
	require.Error(t, cfg.Validate())
}

func TestOIDCModeRequiresIssuerAndAudience(t *testing.T) {
	cfg := Default()
	cfg.Auth.Mode = "oidc"
	require.Error(t, cfg.Validate())

	cfg.Auth.Issuer = "https://issuer.example.com"
	require.Error(t, cfg.Validate())

	cfg.Auth.Audiences = []string{"mcpd"}
	require.NoError(t, cfg.Validate())
}

func TestMissingFileIsAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "mongo", cfg.StoreDriver)
	assert.Equal(t, 1000, cfg.MaxConnections)
	assert.Equal(t, 3*time.Second, cfg.AutosaveDelay)
	assert.Equal(t, 10*1024*1024, cfg.MaxContentBytes)
	assert.Equal(t, []string{"admin", "superadmin"}, cfg.AdminRoles)
	assert.NotEmpty(t, cfg.InstanceID)
	assert.Equal(t, RateRule{Max: 10, Window: time.Minute}, cfg.RateLimits["save-document"])
	assert.False(t, cfg.IsProduction())
}

func TestLoad_MissingSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("MAX_CONNECTIONS", "5")
	t.Setenv("AUTOSAVE_DELAY", "250ms")
	t.Setenv("RATE_LIMIT_SEND_CHANGES", "7")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.MaxConnections)
	assert.Equal(t, 250*time.Millisecond, cfg.AutosaveDelay)
	assert.Equal(t, 7, cfg.RateLimits["send-changes"].Max)
	assert.Equal(t, 10*time.Second, cfg.RateLimits["send-changes"].Window)
	assert.True(t, cfg.IsProduction())
}

func TestLoad_YAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docsync.yaml")
	body := `
max_connections: 42
max_delta_ops: 10
admin_roles: [ops]
rate_limits:
  cursor-update:
    max: 5
    window: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 42, cfg.MaxConnections)
	assert.Equal(t, 10, cfg.MaxDeltaOps)
	assert.Equal(t, []string{"ops"}, cfg.AdminRoles)
	assert.Equal(t, RateRule{Max: 5, Window: 2 * time.Second}, cfg.RateLimits["cursor-update"])
	// untouched rules keep their defaults
	assert.Equal(t, 20, cfg.RateLimits["join-document"].Max)
}

func TestValidate_RejectsBadRule(t *testing.T) {
	cfg := &Config{
		JWTSecret:      "s",
		StoreDriver:    "memory",
		MaxConnections: 1,
		AutosaveDelay:  time.Second,
		RateLimits:     map[string]RateRule{"ping": {Max: 0, Window: time.Second}},
	}
	assert.Error(t, cfg.Validate())
}

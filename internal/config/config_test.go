package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()

	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestLoadDefaultsWithEnvSecret(t *testing.T) {
	t.Setenv("ACCOUNTD_SECURITY_MASTERSECRET", "s3cret")
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "Mail", cfg.Product)
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTP.Addr())
	assert.Equal(t, 10*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "s3cret", cfg.Security.MasterSecret)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "accounts.activity", cfg.Redis.Channel)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accountd.yaml")
	content := `
environment: production
product: Calendar
http:
  port: 9090
  writetimeout: 30s
database:
  dsn: "file::memory:"
redis:
  enabled: true
  addr: redis:6379
security:
  mastersecret: from-file
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("ACCOUNTD_HTTP_PORT", "7070")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "Calendar", cfg.Product)
	assert.Equal(t, 7070, cfg.HTTP.Port)
	assert.Equal(t, 30*time.Second, cfg.HTTP.WriteTimeout)
	assert.Equal(t, "file::memory:", cfg.Database.DSN)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "from-file", cfg.Security.MasterSecret)
}

func TestLoadRequiresSecret(t *testing.T) {
	chdir(t, t.TempDir())

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mastersecret")
}

func TestValidateProduct(t *testing.T) {
	cfg := &AppConfig{
		Product:  "Photos",
		Database: DatabaseConfig{DSN: "x"},
		Security: SecurityConfig{MasterSecret: "x"},
	}
	assert.Error(t, cfg.Validate())

	cfg.Product = "Vpn"
	assert.NoError(t, cfg.Validate())
}

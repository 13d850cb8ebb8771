package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/evm-engine/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "./data/evm.db", cfg.DB.Path)
	assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "@every 1h", cfg.Scheduler.Spec)
	assert.Equal(t, 4, cfg.Engine.Parallelism)
	assert.True(t, cfg.Engine.Cache)
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	// GIVEN: A YAML file and an EVM_SERVER_HTTP_ADDR override
	// THEN: The file beats defaults and the environment beats the file

	path := filepath.Join(t.TempDir(), "evm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_addr: ":9000"
  shutdown_timeout: 3s
db:
  path: ":memory:"
scheduler:
  enabled: false
  spec: "0 0 2 * * *"
engine:
  parallelism: 1
  cache: false
`), 0o600))
	t.Setenv("EVM_SERVER_HTTP_ADDR", ":9100")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Server.HTTPAddr)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, ":memory:", cfg.DB.Path)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "0 0 2 * * *", cfg.Scheduler.Spec)
	assert.Equal(t, 1, cfg.Engine.Parallelism)
	assert.False(t, cfg.Engine.Cache)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

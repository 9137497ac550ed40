package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, BackendMemory, cfg.Dispatcher.Backend)
	assert.Equal(t, 5, cfg.Publish.MaxRetries)
	assert.Equal(t, "0 */5 * * * *", cfg.Publish.ReconcileSpec)
	assert.Equal(t, 10*time.Minute, cfg.Publish.ReconcileHorizon)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatwit.yaml")
	err := os.WriteFile(path, []byte(`
server:
  port: 9090
dispatcher:
  backend: postgres
  connection_string: postgres://localhost/chatwit
publish:
  stale_after: 1h
webhook:
  url: https://publisher.internal/hooks/publish
`), 0o600)
	require.NoError(t, err)

	t.Setenv("CHATWIT_WEBHOOK_SECRET", "from-env")
	t.Setenv("CHATWIT_SERVER_PORT", "9191")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, BackendPostgres, cfg.Dispatcher.Backend)
	assert.Equal(t, "postgres://localhost/chatwit", cfg.Dispatcher.ConnectionString)
	assert.Equal(t, time.Hour, cfg.Publish.StaleAfter)
	assert.Equal(t, "https://publisher.internal/hooks/publish", cfg.Webhook.URL)
	assert.Equal(t, "from-env", cfg.Webhook.Secret)
}

func TestIdleTransactionTimeoutOutlastsPublishDeadline(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Greater(t, cfg.IdleTransactionTimeout(), cfg.Publish.Deadline)
	assert.Equal(t, 3*time.Minute, cfg.IdleTransactionTimeout())

	t.Setenv("CHATWIT_PUBLISH_DEADLINE", "5m")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 6*time.Minute, cfg.IdleTransactionTimeout())

	t.Setenv("CHATWIT_DISPATCHER_TRANSACTION_TIMEOUT", "10m")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.IdleTransactionTimeout())

	t.Setenv("CHATWIT_DISPATCHER_TRANSACTION_TIMEOUT", "30s")
	_, err = Load("")
	assert.ErrorIs(t, err, ErrTransactionTimeout)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("CHATWIT_DISPATCHER_BACKEND", "kafka")

	_, err := Load("")
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

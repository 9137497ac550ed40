package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/witroch4/chatwit/internal/config"
)

func TestLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, Level("debug"))
	assert.Equal(t, zerolog.WarnLevel, Level("warn"))
	assert.Equal(t, zerolog.ErrorLevel, Level("error"))
	assert.Equal(t, zerolog.InfoLevel, Level("verbose"))
}

func TestInitWritesToFile(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	path := filepath.Join(t.TempDir(), "logs", "chatwitd.log")
	err := Init(config.LoggingConfig{Level: "debug", Output: "file", FilePath: path})
	require.NoError(t, err)

	log.Debug().Str("agendamento_id", "a1").Msg("agendamento scheduled")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"agendamento_id":"a1"`)
	assert.Contains(t, string(b), `"level":"debug"`)
}

func TestInitFallsBackToStdout(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	err := Init(config.LoggingConfig{Level: "info", Output: "file", FilePath: filepath.Join(blocker, "x", "chatwitd.log")})
	assert.Error(t, err)
}

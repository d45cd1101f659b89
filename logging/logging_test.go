package logging_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindgarden/session-ledger/config"
	"github.com/mindgarden/session-ledger/logging"
)

func TestNew_WritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.log")

	log, err := logging.New(config.App{Env: "production"}, config.Logger{Level: "info", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	log.Info("ledger: mapping created")
	log.Debug("dropped at info level")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"ledger: mapping created"`)
	assert.Contains(t, string(data), `"service":"session-ledger"`)
	assert.NotContains(t, string(data), "dropped at info level")
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, err := logging.New(config.App{}, config.Logger{Level: "chatty"})
	assert.Error(t, err)
}

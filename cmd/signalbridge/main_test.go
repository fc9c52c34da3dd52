package main

import (
	"os"
	"path/filepath"
	"testing"

	"signalbridge/internal/config"
	"signalbridge/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLogOutputWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "signalbridge.log")
	closer, err := setupLogOutput(config.AppConfig{LogPath: path, LogMaxSize: 1, LogBackups: 1, LogMaxAge: 1})
	require.NoError(t, err)
	require.NotNil(t, closer)
	t.Cleanup(func() {
		logger.SetOutput(os.Stdout)
		_ = closer.Close()
	})

	logger.Infof("[test] rotating writer ready")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "rotating writer ready")
}

func TestSetupLogOutputDisabled(t *testing.T) {
	closer, err := setupLogOutput(config.AppConfig{})
	require.NoError(t, err)
	assert.Nil(t, closer)
}

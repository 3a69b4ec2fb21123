package config

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chatsync/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestConfigWatcher_StartInvalidPath(t *testing.T) {
	watcher := NewConfigWatcher(filepath.Join(t.TempDir(), "missing.json"), time.Millisecond, quietLogger())
	assert.Error(t, watcher.Start(context.Background()))
}

func TestConfigWatcher_ReloadsOnChange(t *testing.T) {
	path := writeConfig(t, "config.json", `{"log_level": "info"}`)
	watcher := NewConfigWatcher(path, 10*time.Millisecond, quietLogger())

	initial, err := watcher.Load()
	require.NoError(t, err)
	assert.Equal(t, "info", initial.LogLevel)

	changes := make(chan *models.Config, 1)
	watcher.OnConfigChange(func(c *models.Config) { changes <- c })
	watcher.OnConfigChange(func(*models.Config) { panic("callback failure") })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- watcher.Start(ctx) }()

	require.NoError(t, os.WriteFile(path, []byte(`{"log_level": "debug"}`), 0o600))
	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case c := <-changes:
		assert.Equal(t, "debug", c.LogLevel)
	case <-time.After(2 * time.Second):
		t.Fatal("configuration was not reloaded")
	}
	assert.Equal(t, "debug", watcher.GetConfig().LogLevel)

	cancel()
	assert.NoError(t, <-done)
}

func TestConfigWatcher_KeepsOldConfigOnInvalidReload(t *testing.T) {
	path := writeConfig(t, "config.json", `{"log_level": "info"}`)
	watcher := NewConfigWatcher(path, time.Hour, quietLogger())
	_, err := watcher.Load()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"log_level":`), 0o600))
	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	watcher.checkForChanges()
	assert.Equal(t, "info", watcher.GetConfig().LogLevel)
}

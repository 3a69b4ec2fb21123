package config

import (
	"context"
	"os"
	"sync"
	"time"

	"chatsync/internal/models"

	"github.com/sirupsen/logrus"
)

const defaultWatchInterval = 5 * time.Second

// ConfigWatcher polls the configuration file and reloads it on change.
// Only settings that are safe to swap at runtime are acted upon by callers
// (log level, retention schedule).
type ConfigWatcher struct {
	configPath string
	interval   time.Duration
	logger     *logrus.Logger

	mu        sync.RWMutex
	config    *models.Config
	modTime   time.Time
	callbacks []func(*models.Config)
}

// NewConfigWatcher creates a watcher; a zero interval uses the default
func NewConfigWatcher(configPath string, interval time.Duration, logger *logrus.Logger) *ConfigWatcher {
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	return &ConfigWatcher{
		configPath: configPath,
		interval:   interval,
		logger:     logger,
	}
}

// Load reads the file once and records its modification time
func (cw *ConfigWatcher) Load() (*models.Config, error) {
	config, err := LoadConfig(cw.configPath)
	if err != nil {
		return nil, err
	}
	stat, err := os.Stat(cw.configPath)
	if err != nil {
		return nil, err
	}

	cw.mu.Lock()
	cw.config = config
	cw.modTime = stat.ModTime()
	cw.mu.Unlock()
	return config, nil
}

// Start loads the configuration if needed and polls until ctx is done
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	if cw.GetConfig() == nil {
		if _, err := cw.Load(); err != nil {
			return err
		}
	}

	cw.logger.WithField("path", cw.configPath).Info("Configuration watcher started")

	ticker := time.NewTicker(cw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("Configuration watcher stopping")
			return nil
		case <-ticker.C:
			cw.checkForChanges()
		}
	}
}

func (cw *ConfigWatcher) checkForChanges() {
	stat, err := os.Stat(cw.configPath)
	if err != nil {
		cw.logger.WithError(err).Error("Failed to stat configuration file")
		return
	}

	cw.mu.RLock()
	changed := stat.ModTime().After(cw.modTime)
	cw.mu.RUnlock()
	if !changed {
		return
	}

	cw.logger.Debug("Configuration file changed")
	cw.reloadConfig(stat.ModTime())
}

// GetConfig returns the current configuration
func (cw *ConfigWatcher) GetConfig() *models.Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.config
}

// OnConfigChange registers a callback run after every successful reload
func (cw *ConfigWatcher) OnConfigChange(callback func(*models.Config)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *ConfigWatcher) reloadConfig(modTime time.Time) {
	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		cw.logger.WithError(err).Error("Failed to reload configuration")
		// Remember the bad revision so it is not re-parsed every tick
		cw.mu.Lock()
		cw.modTime = modTime
		cw.mu.Unlock()
		return
	}

	cw.mu.Lock()
	oldConfig := cw.config
	cw.config = newConfig
	cw.modTime = modTime
	callbacks := make([]func(*models.Config), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.Unlock()

	cw.logger.Info("Configuration reloaded successfully")

	for _, callback := range callbacks {
		cw.runCallback(callback, newConfig)
	}

	cw.logConfigChanges(oldConfig, newConfig)
}

func (cw *ConfigWatcher) runCallback(cb func(*models.Config), config *models.Config) {
	defer func() {
		if r := recover(); r != nil {
			cw.logger.WithField("panic", r).Error("Config change callback panicked")
		}
	}()
	cb(config)
}

func (cw *ConfigWatcher) logConfigChanges(old, new *models.Config) {
	if old == nil {
		return
	}

	if old.LogLevel != new.LogLevel {
		cw.logger.WithFields(logrus.Fields{
			"old": old.LogLevel,
			"new": new.LogLevel,
		}).Info("Log level changed")
	}

	if old.Retention != new.Retention {
		cw.logger.WithFields(logrus.Fields{
			"old_cron": old.Retention.Cron,
			"new_cron": new.Retention.Cron,
			"old_days": old.Retention.ClosedThreadDays,
			"new_days": new.Retention.ClosedThreadDays,
		}).Info("Retention settings changed")
	}

	if old.Server.Port != new.Server.Port || old.Database.Path != new.Database.Path {
		cw.logger.Warn("Server port and database path changes require a restart")
	}
}

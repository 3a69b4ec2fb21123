package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"chatsync/internal/constants"
	"chatsync/internal/models"
	"chatsync/internal/security"

	"github.com/adhocore/gronx"
	"github.com/goccy/go-yaml"
)

var (
	ErrMissingDBPath   = models.ConfigError{Message: "missing database path"}
	ErrInvalidRole     = models.ConfigError{Message: "client role must be visitor or agent"}
	ErrInvalidCron     = models.ConfigError{Message: "invalid retention cron expression"}
	ErrInvalidSampling = models.ConfigError{Message: "tracing sample rate must be between 0 and 1"}
)

// LoadConfig reads a JSON or YAML configuration file, applies defaults and
// CHATSYNC_* environment overrides, then validates the result
func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - path validated above
	if err != nil {
		return nil, err
	}

	config, err := Parse(file, filepath.Ext(path))
	if err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(config)

	if err := validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// FromEnvironment builds a configuration from defaults and CHATSYNC_*
// environment variables, for clients started without a config file
func FromEnvironment() (*models.Config, error) {
	config := &models.Config{}
	applyEnvironmentOverrides(config)
	if err := validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// Parse decodes raw configuration bytes. ".yaml" and ".yml" select YAML,
// everything else is treated as JSON.
func Parse(data []byte, ext string) (*models.Config, error) {
	var config models.Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	}
	return &config, nil
}

// Default returns a configuration with every default applied, for callers
// that run without a config file
func Default() *models.Config {
	config := &models.Config{}
	applyDefaults(config)
	return config
}

func applyDefaults(c *models.Config) {
	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec <= 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}
	if c.Server.RateLimitPerMinute == 0 {
		c.Server.RateLimitPerMinute = constants.DefaultRateLimitPerMinute
	}

	if c.Relay.SendBuffer <= 0 {
		c.Relay.SendBuffer = constants.DefaultRelaySendBuffer
	}
	if c.Relay.FramesPerSec <= 0 {
		c.Relay.FramesPerSec = constants.DefaultRelayFramesPerSec
	}
	if c.Relay.FrameBurst <= 0 {
		c.Relay.FrameBurst = constants.DefaultRelayFrameBurst
	}
	if c.Relay.MaxFrameBytes <= 0 {
		c.Relay.MaxFrameBytes = constants.DefaultRelayMaxFrameBytes
	}

	if c.Retention.Cron == "" {
		c.Retention.Cron = constants.DefaultRetentionCron
	}
	if c.Retention.ClosedThreadDays <= 0 {
		c.Retention.ClosedThreadDays = constants.DefaultClosedThreadDays
	}

	if c.Client.RelayURL == "" {
		c.Client.RelayURL = constants.DefaultRelayURL
	}
	if c.Client.HTTPTimeoutSec <= 0 {
		c.Client.HTTPTimeoutSec = constants.DefaultHTTPTimeoutSec
	}

	chat := &c.Chat
	setMs(&chat.TypingDebounceMs, constants.DefaultTypingDebounce.Milliseconds())
	setMs(&chat.TypingIdleMs, constants.DefaultTypingIdleTimeout.Milliseconds())
	setMs(&chat.TypingRefreshMs, constants.DefaultTypingRefreshInterval.Milliseconds())
	setMs(&chat.HeartbeatIntervalMs, constants.DefaultHeartbeatInterval.Milliseconds())
	setMs(&chat.LivenessTTLMs, constants.DefaultLivenessTTL.Milliseconds())
	setMs(&chat.InboxReconcileIntervalMs, constants.DefaultInboxReconcileInterval.Milliseconds())
	if chat.PageSize <= 0 {
		chat.PageSize = constants.DefaultPageSize
	}
	if chat.PageSize > constants.MaxPageSize {
		chat.PageSize = constants.MaxPageSize
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultDatabaseRetryAttempts
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "chatsync"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func setMs(field *int, def int64) {
	if *field <= 0 {
		*field = int(def)
	}
}

func validate(c *models.Config) error {
	applyDefaults(c)

	if c.Database.Path != "" {
		if err := security.ValidateDatabasePath(c.Database.Path); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid database path: %v", err)}
		}
	}
	if c.Client.Role != "" && !c.Client.Role.Valid() {
		return ErrInvalidRole
	}
	if c.Retention.Enabled && !gronx.IsValid(c.Retention.Cron) {
		return ErrInvalidCron
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return ErrInvalidSampling
	}
	if c.Retry.MaxBackoffMs < c.Retry.InitialBackoffMs {
		return models.ConfigError{Message: "retry maxBackoffMs must not be lower than initialBackoffMs"}
	}
	if c.Chat.TypingRefreshMs >= c.Chat.TypingIdleMs {
		return models.ConfigError{Message: "typingRefreshMs must be shorter than typingIdleMs"}
	}
	if c.Chat.HeartbeatIntervalMs >= c.Chat.LivenessTTLMs {
		return models.ConfigError{Message: "heartbeatIntervalMs must be shorter than livenessTtlMs"}
	}
	return nil
}

// ValidateRelay checks the settings only the relay needs
func ValidateRelay(c *models.Config) error {
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if v := os.Getenv("CHATSYNC_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("CHATSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("CHATSYNC_RELAY_URL"); v != "" {
		c.Client.RelayURL = v
	}
	if v := os.Getenv("CHATSYNC_PARTICIPANT_ID"); v != "" {
		c.Client.ParticipantID = v
	}
	if v := os.Getenv("CHATSYNC_ROLE"); v != "" {
		c.Client.Role = models.Role(strings.ToLower(v))
	}
	if v := os.Getenv("CHATSYNC_AGENT_ID"); v != "" {
		c.Client.AgentID = v
	}
	if v := os.Getenv("CHATSYNC_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CHATSYNC_OTLP_ENDPOINT"); v != "" {
		c.Tracing.OTLPEndpoint = v
		c.Tracing.Enabled = true
		c.Tracing.UseStdout = false
	}
	if v := os.Getenv("CHATSYNC_TRACING_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Tracing.Enabled = enabled
		}
	}
}

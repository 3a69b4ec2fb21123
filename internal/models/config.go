package models

// Config holds the application configuration shared by the relay and the client
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Relay     RelayConfig     `json:"relay" yaml:"relay"`
	Retention RetentionConfig `json:"retention" yaml:"retention"`
	Client    ClientConfig    `json:"client" yaml:"client"`
	Chat      ChatConfig      `json:"chat" yaml:"chat"`
	Retry     RetryConfig     `json:"retry" yaml:"retry"`
	Tracing   TracingConfig   `json:"tracing" yaml:"tracing"`
	LogLevel  string          `json:"log_level" yaml:"log_level"`
}

// ServerConfig holds relay HTTP server settings. RateLimitPerMinute caps
// REST requests per client IP; a negative value disables the limit.
type ServerConfig struct {
	Port               int `json:"port" yaml:"port"`
	ReadTimeoutSec     int `json:"readTimeoutSec" yaml:"readTimeoutSec"`
	WriteTimeoutSec    int `json:"writeTimeoutSec" yaml:"writeTimeoutSec"`
	IdleTimeoutSec     int `json:"idleTimeoutSec" yaml:"idleTimeoutSec"`
	RateLimitPerMinute int `json:"rateLimitPerMinute" yaml:"rateLimitPerMinute"`
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	Path string `json:"path" yaml:"path"`
}

// RelayConfig tunes the websocket fan-out
type RelayConfig struct {
	SendBuffer     int      `json:"sendBuffer" yaml:"sendBuffer"`
	FramesPerSec   float64  `json:"framesPerSec" yaml:"framesPerSec"`
	FrameBurst     int      `json:"frameBurst" yaml:"frameBurst"`
	MaxFrameBytes  int64    `json:"maxFrameBytes" yaml:"maxFrameBytes"`
	AllowedOrigins []string `json:"allowedOrigins" yaml:"allowedOrigins"`
}

// RetentionConfig controls purging of closed threads
type RetentionConfig struct {
	Enabled          bool   `json:"enabled" yaml:"enabled"`
	Cron             string `json:"cron" yaml:"cron"`
	ClosedThreadDays int    `json:"closedThreadDays" yaml:"closedThreadDays"`
}

// ClientConfig identifies a chat client and where its relay lives
type ClientConfig struct {
	RelayURL       string `json:"relayUrl" yaml:"relayUrl"`
	ParticipantID  string `json:"participantId" yaml:"participantId"`
	Role           Role   `json:"role" yaml:"role"`
	AgentID        string `json:"agentId" yaml:"agentId"`
	HTTPTimeoutSec int    `json:"httpTimeoutSec" yaml:"httpTimeoutSec"`
}

// ChatConfig holds the timing contracts of the sync engine, in milliseconds
type ChatConfig struct {
	TypingDebounceMs         int `json:"typingDebounceMs" yaml:"typingDebounceMs"`
	TypingIdleMs             int `json:"typingIdleMs" yaml:"typingIdleMs"`
	TypingRefreshMs          int `json:"typingRefreshMs" yaml:"typingRefreshMs"`
	HeartbeatIntervalMs      int `json:"heartbeatIntervalMs" yaml:"heartbeatIntervalMs"`
	LivenessTTLMs            int `json:"livenessTtlMs" yaml:"livenessTtlMs"`
	PageSize                 int `json:"pageSize" yaml:"pageSize"`
	InboxReconcileIntervalMs int `json:"inboxReconcileIntervalMs" yaml:"inboxReconcileIntervalMs"`
}

// RetryConfig holds retry related configurations
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs" yaml:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs" yaml:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts" yaml:"maxAttempts"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	ServiceName    string  `json:"service_name" yaml:"service_name"`
	ServiceVersion string  `json:"service_version" yaml:"service_version"`
	Environment    string  `json:"environment" yaml:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate" yaml:"sample_rate"`
	Enabled        bool    `json:"enabled" yaml:"enabled"`
	UseStdout      bool    `json:"use_stdout" yaml:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}

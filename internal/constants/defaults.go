package constants

import "time"

// Typing signal timing
const (
	DefaultTypingDebounce        = 300 * time.Millisecond
	DefaultTypingIdleTimeout     = 3000 * time.Millisecond
	DefaultTypingRefreshInterval = 1200 * time.Millisecond
	// How long a remote "is typing" flag stays visible without a refresh.
	DefaultTypingDisplayTTL = 4000 * time.Millisecond
)

// Liveness timing
const (
	DefaultHeartbeatInterval = 8000 * time.Millisecond
	DefaultLivenessTTL       = 20000 * time.Millisecond
)

// Message content limits
const (
	MaxMessageBodyLength   = 500
	MaxThreadIDLength      = 128
	MaxParticipantIDLength = 128
	OptimisticIDPrefix     = "optimistic-"
)

// Pagination
const (
	DefaultPageSize = 30
	MaxPageSize     = 200
)

// Client defaults
const (
	DefaultInboxReconcileInterval = 2 * time.Second
	DefaultGatewayAckTimeout      = 5 * time.Second
	DefaultGatewayCallTimeout     = 5 * time.Second
	DefaultHTTPTimeoutSec         = 30
	DefaultRelayURL               = "http://localhost:8085"
)

// Relay defaults
const (
	DefaultServerPort            = 8085
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultRateLimitPerMinute    = 600
	RateLimiterIdleTTL           = 10 * time.Minute
	DefaultGracefulShutdownSec   = 30
	DefaultConfigWatchInterval   = 10 * time.Second
	ServerErrorChannelSize       = 1
	DefaultRelaySendBuffer       = 64
	DefaultRelayFramesPerSec     = 20
	DefaultRelayFrameBurst       = 40
	DefaultRelayMaxFrameBytes    = 16 * 1024
	DefaultRetentionCron         = "0 3 * * *"
	DefaultClosedThreadDays      = 30
)

// Database retry
const (
	DefaultDatabaseRetryAttempts = 3
	DefaultRetryBackoffMs        = 100
	DefaultMaxBackoffMs          = 2000
)

// Circuit breaker defaults for the repository client
const (
	DefaultBreakerMaxFailures = 5
	DefaultBreakerTimeout     = 30 * time.Second
)

// Privacy settings
const (
	DefaultIDMaskLength = 8
)

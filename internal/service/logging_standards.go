package service

// Logging Standards for chatsync
//
// This file defines standard field names, log levels, and patterns
// to ensure consistent logging across the sync engine.

// Standard Field Names
// Use these exact field names for consistency across all logging calls.
// Identifier and body fields are masked by internal/privacy unless verbose
// logging is enabled.
const (
	// Core identifiers
	LogFieldThreadID      = "thread_id"
	LogFieldClientID      = "client_id"
	LogFieldMessageID     = "message_id"
	LogFieldParticipantID = "participant_id"
	LogFieldSenderID      = "sender_id"
	LogFieldAgentID       = "agent_id"
	LogFieldRole          = "role"

	// Service and operation fields
	LogFieldService   = "service"
	LogFieldOperation = "operation"
	LogFieldComponent = "component"

	// Sync state
	LogFieldEvent         = "event"
	LogFieldDeliveryState = "delivery_state"
	LogFieldChannelStatus = "channel_status"
	LogFieldOnline        = "online"
	LogFieldBody          = "body"

	// HTTP request fields
	LogFieldRequestID  = "request_id"
	LogFieldTraceID    = "trace_id"
	LogFieldMethod     = "method"
	LogFieldURL        = "url"
	LogFieldRoute      = "route"
	LogFieldStatusCode = "status_code"
	LogFieldRemoteIP   = "remote_ip"
	LogFieldUserAgent  = "user_agent"

	// Performance and metrics
	LogFieldDuration = "duration_ms"
	LogFieldCount    = "count"
	LogFieldSize     = "size_bytes"

	// Error and debugging
	LogFieldErrorCode = "error_code"
	LogFieldAttempt   = "attempt"
)

// Log Level Usage Guidelines
//
// DEBUG: Per-event detail. Realtime events, typing emissions, heartbeats.
//
// INFO: Session lifecycle and state changes.
//   - Session started/closed
//   - Thread switched
//   - Message confirmed by the repository
//
// WARN: Expected failures that become state.
//   - Send failed or skipped because the channel is not subscribed
//   - Best-effort broadcast failed
//   - Inbox refresh failed
//
// ERROR: Unexpected failures that need attention.
//   - Unknown event types reaching the session
//   - Repository returned malformed data

// Standard Log Message Patterns
//
// Starting operations: "Starting [operation]"
// Failed operations: "Failed to [operation]"
// Skipping operations: "Skipping [operation]: [reason]"

// Example Usage:
//
// logger.WithFields(s.fields(logrus.Fields{
//     LogFieldThreadID: threadID,
//     LogFieldClientID: clientID,
// })).Warn("Failed to send message")

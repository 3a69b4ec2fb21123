package types

// Relay REST endpoints
const (
	EndpointThreads     = "/threads"
	EndpointMessages    = "/threads/{id}/messages"
	EndpointMarkRead    = "/threads/{id}/read"
	EndpointCloseThread = "/threads/{id}/close"
	EndpointAgentInbox  = "/agents/{id}/inbox"
	EndpointRealtime    = "/ws"
	EndpointHealth      = "/health"
	EndpointMetrics     = "/metrics"
)

const (
	QueryParamCursor      = "cursor"
	QueryParamLimit       = "limit"
	QueryParamParticipant = "participantId"
	QueryParamRole        = "role"
	HeaderRequestID       = "X-Request-ID"
)

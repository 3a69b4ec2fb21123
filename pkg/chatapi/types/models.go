package types

import "chatsync/internal/models"

// EnsureThreadRequest creates the thread if ThreadID is empty or unknown
type EnsureThreadRequest struct {
	ThreadID  string `json:"threadId,omitempty"`
	VisitorID string `json:"visitorId"`
	AgentID   string `json:"agentId"`
}

type FetchThreadPageRequest struct {
	ThreadID string                `json:"threadId"`
	Cursor   *models.MessageCursor `json:"cursor,omitempty"`
	Limit    int                   `json:"limit"`
}

type ThreadPage struct {
	Items      []models.Message      `json:"items"`
	NextCursor *models.MessageCursor `json:"nextCursor"`
}

type SendMessageRequest struct {
	ThreadID   string      `json:"threadId"`
	ClientID   string      `json:"clientId"`
	SenderID   string      `json:"senderId"`
	SenderRole models.Role `json:"senderRole"`
	Body       string      `json:"body"`
	CreatedAt  int64       `json:"createdAt"`
}

type MarkThreadReadRequest struct {
	ThreadID      string `json:"threadId"`
	ParticipantID string `json:"participantId"`
	At            int64  `json:"at"`
}

type TypingRequest struct {
	ThreadID      string `json:"threadId"`
	ParticipantID string `json:"participantId"`
	IsTyping      bool   `json:"isTyping"`
	At            int64  `json:"at"`
}

type HeartbeatRequest struct {
	ThreadID      string `json:"threadId"`
	ParticipantID string `json:"participantId"`
	At            int64  `json:"at"`
}

// InboxResponse wraps the agent inbox on the wire
type InboxResponse struct {
	Items []models.InboxThread `json:"items"`
}

// HealthResponse is returned by the relay health endpoint
type HealthResponse struct {
	Status      string `json:"status"`
	Database    string `json:"database"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
}

package models

type ThreadStatus string

const (
	ThreadStatusOpen   ThreadStatus = "open"
	ThreadStatusClosed ThreadStatus = "closed"
)

// Thread is a conversation between one visitor and one agent
type Thread struct {
	ID        string       `json:"id"`
	VisitorID string       `json:"visitorId"`
	AgentID   string       `json:"agentId"`
	Status    ThreadStatus `json:"status"`
	CreatedAt int64        `json:"createdAt"`
	UpdatedAt int64        `json:"updatedAt"`
}

// ThreadParticipant is the membership of one actor in a thread
type ThreadParticipant struct {
	ThreadID      string `json:"threadId"`
	ParticipantID string `json:"participantId"`
	Role          Role   `json:"role"`
	LastReadAt    *int64 `json:"lastReadAt,omitempty"`
}

// InboxThread is the agent-side summary of one thread
type InboxThread struct {
	Thread      Thread   `json:"thread"`
	UnreadCount int      `json:"unreadCount"`
	LastMessage *Message `json:"lastMessage,omitempty"`
}

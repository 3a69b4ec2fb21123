package models

import "chatsync/internal/constants"

type DeliveryState string

const (
	DeliveryStateSending DeliveryState = "sending"
	DeliveryStateSent    DeliveryState = "sent"
	DeliveryStateFailed  DeliveryState = "failed"
)

// CanTransition reports whether a message may move from s to next.
// Sent is terminal.
func (s DeliveryState) CanTransition(next DeliveryState) bool {
	switch s {
	case DeliveryStateSending:
		return next == DeliveryStateSent || next == DeliveryStateFailed
	case DeliveryStateFailed:
		return next == DeliveryStateSending
	default:
		return false
	}
}

type Role string

const (
	RoleVisitor Role = "visitor"
	RoleAgent   Role = "agent"
)

func (r Role) Valid() bool {
	return r == RoleVisitor || r == RoleAgent
}

// Message is a single chat message. CreatedAt and Seq are Unix milliseconds
// and a per-thread sequence respectively; together with ID they define the
// total order of a thread.
type Message struct {
	ID            string        `json:"id"`
	ClientID      string        `json:"clientId"`
	ThreadID      string        `json:"threadId"`
	SenderID      string        `json:"senderId"`
	SenderRole    Role          `json:"senderRole"`
	Body          string        `json:"body"`
	CreatedAt     int64         `json:"createdAt"`
	Seq           int64         `json:"seq"`
	DeliveryState DeliveryState `json:"deliveryState"`
}

// IsOptimistic reports whether m is a local placeholder that has not been
// confirmed by the backend yet.
func (m Message) IsOptimistic() bool {
	return len(m.ID) > len(constants.OptimisticIDPrefix) && m.ID[:len(constants.OptimisticIDPrefix)] == constants.OptimisticIDPrefix
}

// OptimisticID returns the placeholder id used before the backend assigns one.
func OptimisticID(clientID string) string {
	return constants.OptimisticIDPrefix + clientID
}

// MessageCursor is a pagination position. Pages are requested strictly older
// than the cursor.
type MessageCursor struct {
	CreatedAt int64  `json:"createdAt"`
	Seq       int64  `json:"seq"`
	ID        string `json:"id"`
}

package types

import (
	"context"

	"chatsync/internal/models"
)

// Repository is the persistence contract consumed by the sync engine
type Repository interface {
	EnsureThread(ctx context.Context, req EnsureThreadRequest) (*models.Thread, error)
	// FetchThreadPage returns items newest first. NextCursor is nil when no
	// older page remains.
	FetchThreadPage(ctx context.Context, req FetchThreadPageRequest) (*ThreadPage, error)
	// SendMessage is idempotent on (ThreadID, ClientID)
	SendMessage(ctx context.Context, req SendMessageRequest) (*models.Message, error)
	MarkThreadRead(ctx context.Context, req MarkThreadReadRequest) error
	FetchAgentInbox(ctx context.Context, agentID string) ([]models.InboxThread, error)
}

// EventHandler receives decoded gateway events in delivery order
type EventHandler func(models.Event)

// Gateway is the realtime pub/sub contract consumed by the sync engine
type Gateway interface {
	ConnectThread(ctx context.Context, threadID string) error
	// SendMessage is a best-effort low-latency push to peers
	SendMessage(ctx context.Context, threadID string, message models.Message) error
	SetTyping(ctx context.Context, req TypingRequest) error
	PublishHeartbeat(ctx context.Context, req HeartbeatRequest) error
	Subscribe(handler EventHandler) (unsubscribe func())
	Disconnect(ctx context.Context) error
}

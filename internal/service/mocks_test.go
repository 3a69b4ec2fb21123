package service

import (
	"context"
	"sync"

	"chatsync/internal/models"
	"chatsync/pkg/chatapi/types"

	"github.com/stretchr/testify/mock"
)

// Mock repository. SendMessage and FetchThreadPage accept a func return
// value so a test can echo the request back.
type mockRepository struct {
	mock.Mock
}

func (m *mockRepository) EnsureThread(ctx context.Context, req types.EnsureThreadRequest) (*models.Thread, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Thread), args.Error(1)
}

func (m *mockRepository) FetchThreadPage(ctx context.Context, req types.FetchThreadPageRequest) (*types.ThreadPage, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.ThreadPage), args.Error(1)
}

func (m *mockRepository) SendMessage(ctx context.Context, req types.SendMessageRequest) (*models.Message, error) {
	args := m.Called(ctx, req)
	if fn, ok := args.Get(0).(func(types.SendMessageRequest) *models.Message); ok {
		return fn(req), args.Error(1)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Message), args.Error(1)
}

func (m *mockRepository) MarkThreadRead(ctx context.Context, req types.MarkThreadReadRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *mockRepository) FetchAgentInbox(ctx context.Context, agentID string) ([]models.InboxThread, error) {
	args := m.Called(ctx, agentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.InboxThread), args.Error(1)
}

// Mock gateway. Subscribe keeps the handler so tests can push events.
type mockGateway struct {
	mock.Mock

	mu      sync.Mutex
	handler types.EventHandler
}

func (m *mockGateway) ConnectThread(ctx context.Context, threadID string) error {
	return m.Called(ctx, threadID).Error(0)
}

func (m *mockGateway) SendMessage(ctx context.Context, threadID string, message models.Message) error {
	return m.Called(ctx, threadID, message).Error(0)
}

func (m *mockGateway) SetTyping(ctx context.Context, req types.TypingRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *mockGateway) PublishHeartbeat(ctx context.Context, req types.HeartbeatRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *mockGateway) Subscribe(handler types.EventHandler) func() {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.handler = nil
		m.mu.Unlock()
	}
}

func (m *mockGateway) Disconnect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockGateway) push(event models.Event) {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler != nil {
		handler(event)
	}
}

func (m *mockGateway) subscribed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler != nil
}

// typingCalls returns the typing requests seen so far, in order
func (m *mockGateway) typingCalls() []types.TypingRequest {
	var out []types.TypingRequest
	for _, call := range m.Calls {
		if call.Method == "SetTyping" {
			out = append(out, call.Arguments.Get(1).(types.TypingRequest))
		}
	}
	return out
}

func (m *mockGateway) heartbeatCalls() int {
	n := 0
	for _, call := range m.Calls {
		if call.Method == "PublishHeartbeat" {
			n++
		}
	}
	return n
}

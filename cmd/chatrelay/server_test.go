package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"chatsync/internal/database"
	apperrors "chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/relay"
	"chatsync/internal/service"
	"chatsync/internal/timeline"
	"chatsync/internal/versioning"
	"chatsync/pkg/chatapi"
	"chatsync/pkg/chatapi/types"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type testRelay struct {
	server *Server
	db     *database.Database
	hub    *relay.Hub
	reg    *metrics.Registry
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	logger := quietLogger()
	db, err := database.New(context.Background(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg := metrics.NewRegistry()
	hub := relay.NewHub(logger, relay.ConfigFromModels(models.RelayConfig{}), reg)
	t.Cleanup(hub.Close)

	return &testRelay{
		server: NewServer(models.ServerConfig{}, db, hub, reg, logger, false),
		db:     db,
		hub:    hub,
		reg:    reg,
	}
}

func (tr *testRelay) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = bytes.NewBufferString(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			reader = bytes.NewReader(data)
		}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	tr.server.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (tr *testRelay) ensureThread(t *testing.T) models.Thread {
	t.Helper()
	w := tr.do(t, http.MethodPost, "/threads", types.EnsureThreadRequest{VisitorID: "visitor-1", AgentID: "agent-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[models.Thread](t, w)
}

func TestServer_Health(t *testing.T) {
	tr := newTestRelay(t)

	w := tr.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	health := decode[types.HealthResponse](t, w)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "ok", health.Database)
	assert.Zero(t, health.Connections)

	require.NoError(t, tr.db.Close())
	w = tr.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	health = decode[types.HealthResponse](t, w)
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "unavailable", health.Database)
}

func TestServer_ThreadLifecycle(t *testing.T) {
	tr := newTestRelay(t)
	thread := tr.ensureThread(t)
	assert.NotEmpty(t, thread.ID)
	assert.Equal(t, models.ThreadStatusOpen, thread.Status)

	again := tr.do(t, http.MethodPost, "/threads", types.EnsureThreadRequest{ThreadID: thread.ID, VisitorID: "visitor-1", AgentID: "agent-1"})
	require.Equal(t, http.StatusOK, again.Code)
	assert.Equal(t, thread.ID, decode[models.Thread](t, again).ID)

	messagesPath := "/threads/" + thread.ID + "/messages"
	send := types.SendMessageRequest{ClientID: "client-1", SenderID: "visitor-1", SenderRole: models.RoleVisitor, Body: "hello", CreatedAt: 1}
	w := tr.do(t, http.MethodPost, messagesPath, send)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode[models.Message](t, w)
	assert.Equal(t, thread.ID, first.ThreadID)
	assert.Equal(t, "hello", first.Body)

	w = tr.do(t, http.MethodPost, messagesPath, send)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, first.ID, decode[models.Message](t, w).ID, "resend with the same client id is idempotent")

	w = tr.do(t, http.MethodGet, messagesPath+"?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[types.ThreadPage](t, w)
	require.Len(t, page.Items, 1)
	assert.Nil(t, page.NextCursor)

	w = tr.do(t, http.MethodGet, "/agents/agent-1/inbox", nil)
	require.Equal(t, http.StatusOK, w.Code)
	inbox := decode[types.InboxResponse](t, w)
	require.Len(t, inbox.Items, 1)
	assert.Equal(t, 1, inbox.Items[0].UnreadCount)
	require.NotNil(t, inbox.Items[0].LastMessage)
	assert.Equal(t, first.ID, inbox.Items[0].LastMessage.ID)

	w = tr.do(t, http.MethodPost, "/threads/"+thread.ID+"/read", types.MarkThreadReadRequest{ParticipantID: "agent-1"})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = tr.do(t, http.MethodPost, "/threads/"+thread.ID+"/close", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.ThreadStatusClosed, decode[models.Thread](t, w).Status)

	send.ClientID = "client-2"
	w = tr.do(t, http.MethodPost, messagesPath, send)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestServer_PagesWithCursor(t *testing.T) {
	tr := newTestRelay(t)
	thread := tr.ensureThread(t)
	messagesPath := "/threads/" + thread.ID + "/messages"

	for i, id := range []string{"client-a", "client-b", "client-c"} {
		w := tr.do(t, http.MethodPost, messagesPath, types.SendMessageRequest{
			ClientID: id, SenderID: "visitor-1", SenderRole: models.RoleVisitor, Body: id, CreatedAt: int64(i + 1),
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := tr.do(t, http.MethodGet, messagesPath+"?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[types.ThreadPage](t, w)
	require.Len(t, page.Items, 2)
	require.NotNil(t, page.NextCursor)

	token, err := timeline.EncodeCursor(*page.NextCursor)
	require.NoError(t, err)
	w = tr.do(t, http.MethodGet, messagesPath+"?limit=2&cursor="+token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	older := decode[types.ThreadPage](t, w)
	require.Len(t, older.Items, 1)
	assert.Equal(t, "client-a", older.Items[0].ClientID)
}

func TestServer_RejectsBadRequests(t *testing.T) {
	tr := newTestRelay(t)
	thread := tr.ensureThread(t)
	messagesPath := "/threads/" + thread.ID + "/messages"

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   apperrors.ErrorCode
	}{
		{name: "non numeric limit", method: http.MethodGet, path: messagesPath + "?limit=ten", status: http.StatusBadRequest, code: apperrors.ErrCodeInvalidInput},
		{name: "negative limit", method: http.MethodGet, path: messagesPath + "?limit=-1", status: http.StatusBadRequest},
		{name: "garbage cursor", method: http.MethodGet, path: messagesPath + "?cursor=!!!", status: http.StatusBadRequest, code: apperrors.ErrCodeInvalidInput},
		{name: "invalid json", method: http.MethodPost, path: messagesPath, body: "{not json", status: http.StatusBadRequest, code: apperrors.ErrCodeInvalidInput},
		{name: "thread id mismatch", method: http.MethodPost, path: messagesPath, body: types.SendMessageRequest{ThreadID: "other", ClientID: "c1", SenderID: "visitor-1", SenderRole: models.RoleVisitor, Body: "x"}, status: http.StatusBadRequest, code: apperrors.ErrCodeInvalidInput},
		{name: "unknown thread", method: http.MethodPost, path: "/threads/missing/messages", body: types.SendMessageRequest{ClientID: "c1", SenderID: "visitor-1", SenderRole: models.RoleVisitor, Body: "x"}, status: http.StatusNotFound},
		{name: "ensure without participants", method: http.MethodPost, path: "/threads", body: types.EnsureThreadRequest{}, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := tr.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.NotEmpty(t, w.Header().Get(types.HeaderRequestID))
			if tt.code != "" {
				resp := decode[apperrors.HTTPErrorResponse](t, w)
				assert.Equal(t, tt.code, resp.Error.Code)
				assert.NotEmpty(t, resp.RequestID)
			}
		})
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	tr := newTestRelay(t)
	tr.do(t, http.MethodGet, "/agents/agent-1/inbox", nil)

	w := tr.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `chatsync_http_requests_total{method="GET",route="/agents/{id}/inbox"`)
}

func TestServer_PublishesInsertedMessagesOverRealtime(t *testing.T) {
	tr := newTestRelay(t)
	srv := httptest.NewServer(tr.server.router)
	defer srv.Close()

	thread := tr.ensureThread(t)
	ctx := context.Background()

	agentGateway, err := chatapi.NewGatewayClient(srv.URL, "agent-1", models.RoleAgent, quietLogger())
	require.NoError(t, err)
	defer agentGateway.Disconnect(ctx)

	inserted := make(chan models.MessageInserted, 8)
	agentGateway.Subscribe(func(e models.Event) {
		if m, ok := e.(models.MessageInserted); ok {
			inserted <- m
		}
	})
	// The agent is not joined; it still hears about its own threads
	require.NoError(t, agentGateway.ConnectThread(ctx, "some-other-thread"))
	require.Eventually(t, func() bool {
		connections, _ := tr.hub.Stats()
		return connections == 1
	}, 2*time.Second, 5*time.Millisecond)

	repo := chatapi.NewRepositoryClient(srv.URL, srv.Client(), quietLogger())
	msg, err := repo.SendMessage(ctx, types.SendMessageRequest{
		ThreadID: thread.ID, ClientID: "client-1", SenderID: "visitor-1", SenderRole: models.RoleVisitor, Body: "hi", CreatedAt: 1,
	})
	require.NoError(t, err)

	select {
	case got := <-inserted:
		assert.Equal(t, thread.ID, got.ThreadID)
		assert.Equal(t, msg.ID, got.Message.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("agent never received message.inserted")
	}
}

func TestServer_NegotiatesProtocolVersion(t *testing.T) {
	tr := newTestRelay(t)
	srv := httptest.NewServer(tr.server.router)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/agents/agent-1/inbox", nil)
	require.NoError(t, err)
	req.Header.Set(versioning.AcceptVersionHeader, "0.9.0")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
	assert.Equal(t, versioning.Current.String(), resp.Header.Get(versioning.CurrentVersionHeader))

	query := url.Values{types.QueryParamParticipant: {"agent-1"}, types.QueryParamRole: {string(models.RoleAgent)}}
	_, wsResp, err := websocket.Dial(context.Background(), srv.URL+types.EndpointRealtime+"?"+query.Encode(), &websocket.DialOptions{
		HTTPHeader: http.Header{versioning.AcceptVersionHeader: {"2.0.0"}},
	})
	require.Error(t, err)
	require.NotNil(t, wsResp)
	assert.Equal(t, http.StatusNotImplemented, wsResp.StatusCode)
}

func TestServer_RateLimitsRESTButNotHealth(t *testing.T) {
	tr := newTestRelay(t)
	limited := NewServer(models.ServerConfig{RateLimitPerMinute: 2}, tr.db, tr.hub, tr.reg, quietLogger(), false)

	serve := func(path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		limited.router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, serve("/agents/agent-1/inbox"))
	assert.Equal(t, http.StatusOK, serve("/agents/agent-1/inbox"))
	assert.Equal(t, http.StatusTooManyRequests, serve("/agents/agent-1/inbox"))
	assert.Equal(t, http.StatusOK, serve("/health"))
}

func TestServer_OldAgentsGetNoInboxPush(t *testing.T) {
	tr := newTestRelay(t)
	srv := httptest.NewServer(tr.server.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	thread := tr.ensureThread(t)

	query := url.Values{types.QueryParamParticipant: {"agent-1"}, types.QueryParamRole: {string(models.RoleAgent)}}
	ws, _, err := websocket.Dial(ctx, srv.URL+types.EndpointRealtime+"?"+query.Encode(), &websocket.DialOptions{
		HTTPHeader: http.Header{versioning.AcceptVersionHeader: {versioning.V1_0_0.String()}},
	})
	require.NoError(t, err)
	defer ws.CloseNow()
	require.Eventually(t, func() bool {
		connections, _ := tr.hub.Stats()
		return connections == 1
	}, 2*time.Second, 5*time.Millisecond)

	w := tr.do(t, http.MethodPost, "/threads/"+thread.ID+"/messages", types.SendMessageRequest{
		ThreadID: thread.ID, ClientID: "client-1", SenderID: "visitor-1", SenderRole: models.RoleVisitor, Body: "hi", CreatedAt: 1,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	readCtx, readCancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer readCancel()
	_, _, err = ws.Read(readCtx)
	assert.Error(t, err, "a 1.0 agent socket only hears rooms it joined")
}

func TestServer_SessionsConverse(t *testing.T) {
	tr := newTestRelay(t)
	srv := httptest.NewServer(tr.server.router)
	defer srv.Close()

	ctx := context.Background()
	thread := tr.ensureThread(t)

	newSession := func(participantID string, role models.Role) *service.Session {
		gateway, err := chatapi.NewGatewayClient(srv.URL, participantID, role, quietLogger())
		require.NoError(t, err)
		repo := chatapi.NewRepositoryClient(srv.URL, srv.Client(), quietLogger())
		session := service.NewSession(quietLogger(), service.SessionConfig{
			ParticipantID: participantID,
			Role:          role,
		}, repo, gateway, service.WithSessionMetrics(metrics.NewRegistry()))
		t.Cleanup(func() { _ = session.Close(context.Background()) })
		require.NoError(t, session.Start(ctx, thread.ID))
		return session
	}

	visitor := newSession("visitor-1", models.RoleVisitor)
	agent := newSession("agent-1", models.RoleAgent)

	require.Eventually(t, func() bool {
		return len(tr.hub.Members(thread.ID)) == 2
	}, 2*time.Second, 5*time.Millisecond)

	_, err := visitor.Send(ctx, "where is my order?")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, m := range agent.Messages(thread.ID) {
			if m.Body == "where is my order?" && m.SenderID == "visitor-1" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	sent := visitor.Messages(thread.ID)
	require.Len(t, sent, 1)
	assert.Equal(t, models.DeliveryStateSent, sent[0].DeliveryState)
}

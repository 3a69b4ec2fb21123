package chatapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	apperrors "chatsync/internal/errors"
	"chatsync/internal/models"
	"chatsync/internal/timeline"
	"chatsync/internal/tracing"
	"chatsync/pkg/chatapi/types"
	"chatsync/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func newRepoServer(t *testing.T, handler http.HandlerFunc) *RepositoryClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewRepositoryClient(srv.URL+"/", srv.Client(), quietLogger())
}

func TestRepositoryClient_Routes(t *testing.T) {
	cursor := models.MessageCursor{CreatedAt: 1000, Seq: 3, ID: "m3"}
	token, err := timeline.EncodeCursor(cursor)
	require.NoError(t, err)

	tests := []struct {
		name       string
		wantMethod string
		wantPath   string
		wantQuery  map[string]string
		reply      interface{}
		call       func(ctx context.Context, c *RepositoryClient) error
	}{
		{
			name:       "ensure thread",
			wantMethod: http.MethodPost,
			wantPath:   "/threads",
			reply:      models.Thread{ID: "t1", VisitorID: "v1", AgentID: "a1", Status: models.ThreadStatusOpen},
			call: func(ctx context.Context, c *RepositoryClient) error {
				thread, err := c.EnsureThread(ctx, types.EnsureThreadRequest{VisitorID: "v1", AgentID: "a1"})
				if err == nil {
					assert.Equal(t, "t1", thread.ID)
				}
				return err
			},
		},
		{
			name:       "fetch first page",
			wantMethod: http.MethodGet,
			wantPath:   "/threads/t1/messages",
			wantQuery:  map[string]string{types.QueryParamLimit: "30"},
			reply:      types.ThreadPage{},
			call: func(ctx context.Context, c *RepositoryClient) error {
				page, err := c.FetchThreadPage(ctx, types.FetchThreadPageRequest{ThreadID: "t1", Limit: 30})
				if err == nil {
					assert.NotNil(t, page.Items)
					assert.Empty(t, page.Items)
					assert.Nil(t, page.NextCursor)
				}
				return err
			},
		},
		{
			name:       "fetch older page",
			wantMethod: http.MethodGet,
			wantPath:   "/threads/t1/messages",
			wantQuery:  map[string]string{types.QueryParamLimit: "10", types.QueryParamCursor: token},
			reply:      types.ThreadPage{Items: []models.Message{{ID: "m2", ThreadID: "t1", CreatedAt: 900, Seq: 2}}},
			call: func(ctx context.Context, c *RepositoryClient) error {
				page, err := c.FetchThreadPage(ctx, types.FetchThreadPageRequest{ThreadID: "t1", Limit: 10, Cursor: &cursor})
				if err == nil {
					require.Len(t, page.Items, 1)
					assert.Equal(t, "m2", page.Items[0].ID)
				}
				return err
			},
		},
		{
			name:       "send message",
			wantMethod: http.MethodPost,
			wantPath:   "/threads/t1/messages",
			reply:      models.Message{ID: "m1", ClientID: "c1", ThreadID: "t1", DeliveryState: models.DeliveryStateSent},
			call: func(ctx context.Context, c *RepositoryClient) error {
				msg, err := c.SendMessage(ctx, types.SendMessageRequest{ThreadID: "t1", ClientID: "c1", Body: "hi"})
				if err == nil {
					assert.Equal(t, "m1", msg.ID)
				}
				return err
			},
		},
		{
			name:       "mark read",
			wantMethod: http.MethodPost,
			wantPath:   "/threads/t1/read",
			call: func(ctx context.Context, c *RepositoryClient) error {
				return c.MarkThreadRead(ctx, types.MarkThreadReadRequest{ThreadID: "t1", ParticipantID: "a1", At: 5})
			},
		},
		{
			name:       "agent inbox",
			wantMethod: http.MethodGet,
			wantPath:   "/agents/a1/inbox",
			reply:      types.InboxResponse{Items: []models.InboxThread{{Thread: models.Thread{ID: "t1"}, UnreadCount: 2}}},
			call: func(ctx context.Context, c *RepositoryClient) error {
				items, err := c.FetchAgentInbox(ctx, "a1")
				if err == nil {
					require.Len(t, items, 1)
					assert.Equal(t, 2, items[0].UnreadCount)
				}
				return err
			},
		},
		{
			name:       "close thread",
			wantMethod: http.MethodPost,
			wantPath:   "/threads/t1/close",
			reply:      models.Thread{ID: "t1", Status: models.ThreadStatusClosed},
			call: func(ctx context.Context, c *RepositoryClient) error {
				thread, err := c.CloseThread(ctx, "t1")
				if err == nil {
					assert.Equal(t, models.ThreadStatusClosed, thread.Status)
				}
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits int32
			client := newRepoServer(t, func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&hits, 1)
				assert.Equal(t, tt.wantMethod, r.Method)
				assert.Equal(t, tt.wantPath, r.URL.Path)
				for k, v := range tt.wantQuery {
					assert.Equal(t, v, r.URL.Query().Get(k), "query %s", k)
				}
				assert.NotEmpty(t, r.Header.Get(types.HeaderRequestID))
				if tt.reply == nil {
					w.WriteHeader(http.StatusNoContent)
					return
				}
				writeJSON(t, w, http.StatusOK, tt.reply)
			})

			require.NoError(t, tt.call(context.Background(), client))
			assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
		})
	}
}

func TestRepositoryClient_SendsRequestBodyAndRequestID(t *testing.T) {
	var got types.SendMessageRequest
	var requestID string
	client := newRepoServer(t, func(w http.ResponseWriter, r *http.Request) {
		requestID = r.Header.Get(types.HeaderRequestID)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(t, w, http.StatusCreated, models.Message{ID: "m1", ThreadID: "t1"})
	})

	ctx := tracing.WithRequestID(context.Background(), "req-42")
	_, err := client.SendMessage(ctx, types.SendMessageRequest{
		ThreadID:   "t1",
		ClientID:   "c1",
		SenderID:   "v1",
		SenderRole: models.RoleVisitor,
		Body:       "hello",
		CreatedAt:  1234,
	})
	require.NoError(t, err)

	assert.Equal(t, "req-42", requestID)
	assert.Equal(t, "c1", got.ClientID)
	assert.Equal(t, int64(1234), got.CreatedAt)
	assert.Equal(t, models.RoleVisitor, got.SenderRole)
}

func TestRepositoryClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantCode      apperrors.ErrorCode
		wantRetryable bool
	}{
		{
			name:     "validation error body",
			status:   http.StatusBadRequest,
			body:     `{"error":{"code":"VALIDATION_FAILED","message":"Invalid body: too long","context":{"field":"body","reason":"too_long"}}}`,
			wantCode: apperrors.ErrCodeValidationFailed,
		},
		{
			name:     "not found body",
			status:   http.StatusNotFound,
			body:     `{"error":{"code":"NOT_FOUND","message":"thread not found"}}`,
			wantCode: apperrors.ErrCodeNotFound,
		},
		{
			name:          "rate limited body",
			status:        http.StatusTooManyRequests,
			body:          `{"error":{"code":"RATE_LIMIT","message":"slow down"}}`,
			wantCode:      apperrors.ErrCodeRateLimit,
			wantRetryable: true,
		},
		{
			name:          "plain text 502",
			status:        http.StatusBadGateway,
			body:          "bad gateway",
			wantCode:      apperrors.ErrCodeTransport,
			wantRetryable: true,
		},
		{
			name:     "plain text 403",
			status:   http.StatusForbidden,
			body:     "forbidden",
			wantCode: apperrors.ErrCodeTransport,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newRepoServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.SendMessage(context.Background(), types.SendMessageRequest{ThreadID: "t1"})
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, apperrors.GetCode(err))
			assert.Equal(t, tt.wantRetryable, apperrors.IsRetryable(err))
		})
	}

	t.Run("validation reason survives the round trip", func(t *testing.T) {
		client := newRepoServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(tests[0].body))
		})
		_, err := client.SendMessage(context.Background(), types.SendMessageRequest{ThreadID: "t1"})
		assert.Equal(t, "too_long", apperrors.ValidationReason(err))
	})
}

func TestRepositoryClient_MalformedReply(t *testing.T) {
	client := newRepoServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{not json"))
	})

	_, err := client.EnsureThread(context.Background(), types.EnsureThreadRequest{VisitorID: "v1"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeTransport))
}

func TestRepositoryClient_BreakerOpensOnRetryableFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	logger := quietLogger()
	client := NewRepositoryClient(srv.URL, srv.Client(), logger,
		WithBreaker(circuitbreaker.New("test", 3, time.Minute, logger)))

	for i := 0; i < 3; i++ {
		_, err := client.FetchAgentInbox(context.Background(), "a1")
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, client.BreakerState())

	_, err := client.FetchAgentInbox(context.Background(), "a1")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeTransport))
	assert.True(t, apperrors.IsRetryable(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits), "open breaker must not reach the relay")
}

func TestRepositoryClient_ClientErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"VALIDATION_FAILED","message":"bad"}}`))
	}))
	defer srv.Close()

	logger := quietLogger()
	client := NewRepositoryClient(srv.URL, srv.Client(), logger,
		WithBreaker(circuitbreaker.New("test", 2, time.Minute, logger)))

	for i := 0; i < 5; i++ {
		_, err := client.SendMessage(context.Background(), types.SendMessageRequest{ThreadID: "t1"})
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidationFailed))
	}
	assert.Equal(t, circuitbreaker.StateClosed, client.BreakerState())
}

func TestRepositoryClient_UnreachableRelayIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewRepositoryClient(url, nil, quietLogger())
	_, err := client.FetchThreadPage(context.Background(), types.FetchThreadPageRequest{ThreadID: "t1"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeTransport))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestRepositoryClient_CancelledContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := NewRepositoryClient(srv.URL, srv.Client(), quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.FetchAgentInbox(ctx, "a1")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeTimeout))
}

func TestRepositoryClient_Health(t *testing.T) {
	client := newRepoServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, types.EndpointHealth, r.URL.Path)
		writeJSON(t, w, http.StatusOK, types.HealthResponse{Status: "healthy", Database: "ok", Connections: 2, Rooms: 1})
	})

	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 2, health.Connections)
}

func TestEndpoint_EscapesIDs(t *testing.T) {
	assert.Equal(t, "/threads/a%2Fb/messages", endpoint(types.EndpointMessages, "a/b"))
	assert.Equal(t, "/agents/a1/inbox", endpoint(types.EndpointAgentInbox, "a1"))
}

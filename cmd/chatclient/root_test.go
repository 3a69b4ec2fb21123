package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatsync/internal/models"
	"chatsync/pkg/chatapi/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeRelay(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(types.HealthResponse{Status: "healthy", Database: "ok", Connections: 1500, Rooms: 3})
	})
	mux.HandleFunc("/agents/agent-1/inbox", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(types.InboxResponse{Items: []models.InboxThread{
			{Thread: models.Thread{ID: "t1", VisitorID: "visitor-1", Status: models.ThreadStatusOpen}, UnreadCount: 2},
		}})
	})
	mux.HandleFunc("/threads/t1/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(types.ThreadPage{
			Items: []models.Message{
				{ID: "m2", SenderID: "agent-1", Body: "second", CreatedAt: 2000, DeliveryState: models.DeliveryStateSent},
				{ID: "m1", SenderID: "visitor-1", Body: "first", CreatedAt: 1000, DeliveryState: models.DeliveryStateSent},
			},
			NextCursor: &models.MessageCursor{CreatedAt: 1000, Seq: 1, ID: "m1"},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(strings.NewReader(stdin), &out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--env-file", "does-not-exist.env"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestHealthCommand(t *testing.T) {
	srv := fakeRelay(t)
	out, err := execute(t, "", "health", "--relay", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "healthy: database ok, 1,500 open sockets, 3 active rooms\n", out)
}

func TestInboxCommand(t *testing.T) {
	srv := fakeRelay(t)
	out, err := execute(t, "", "inbox", "--relay", srv.URL, "--as", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "Inbox: 1 thread, 2 unread\n* t1  visitor-1  open  2 unread\n", out)
}

func TestHistoryCommand(t *testing.T) {
	srv := fakeRelay(t)
	out, err := execute(t, "", "history", "--relay", srv.URL, "--as", "visitor-1", "--thread", "t1", "--limit", "5")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasSuffix(lines[0], "] you: first"), lines[0])
	assert.True(t, strings.HasSuffix(lines[1], "] agent-1: second"), lines[1])
	assert.Equal(t, "(older messages available)", lines[2])
}

func TestCommandErrors(t *testing.T) {
	srv := fakeRelay(t)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "history needs a thread", args: []string{"history", "--relay", srv.URL}, want: "thread"},
		{name: "visitor needs an agent", args: []string{"visitor", "--relay", srv.URL, "--as", "visitor-1"}, want: "--agent"},
		{name: "agent needs an identity", args: []string{"agent", "--relay", srv.URL}, want: "--as"},
		{name: "unreadable config", args: []string{"health", "--config", "missing.yaml"}, want: "failed to load config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CHATSYNC_AGENT_ID", "")
			t.Setenv("CHATSYNC_PARTICIPANT_ID", "")
			_, err := execute(t, "", tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestVersionFlag(t *testing.T) {
	out, err := execute(t, "", "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "chatclient version dev")
}

package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/server/servertest"
)

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name           string
		path           string
		healthy        bool
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "root reports running",
			path:           "/",
			healthy:        true,
			expectedStatus: http.StatusOK,
			expectedBody:   "chatrelay server is running!",
		},
		{
			name:           "healthz reports running",
			path:           "/healthz",
			healthy:        true,
			expectedStatus: http.StatusOK,
			expectedBody:   "chatrelay server is running!",
		},
		{
			name:           "unhealthy backplane degrades",
			path:           "/healthz",
			healthy:        false,
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody:   "chatrelay server is degraded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			healthy := tt.healthy
			env := newTestEnv(t, func(o *Options) {
				o.Healthy = func() bool { return healthy }
			})

			resp := servertest.MakeRequest(t, http.MethodGet, env.http.URL+tt.path)
			servertest.AssertStatusCode(t, resp, tt.expectedStatus)
			servertest.AssertContentType(t, resp, "text/plain")
			assert.Equal(t, tt.expectedBody, readBody(t, resp))
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.dial(t, "alice")
	join(t, alice, "chat-1", "alice")

	resp := servertest.MakeRequest(t, http.MethodGet, env.http.URL+"/metrics")
	servertest.AssertStatusCode(t, resp, http.StatusOK)
	body := readBody(t, resp)
	assert.Contains(t, body, "chatrelay_connections 1")
	assert.Contains(t, body, `chatrelay_commands_total{command="join_chat",outcome="ok"} 1`)
}

func TestChatHandler(t *testing.T) {
	env := newTestEnv(t, nil)

	chatURL := func(chatID, token string) string {
		u := env.http.URL + "/chats/" + chatID
		if token != "" {
			u += "?access_token=" + url.QueryEscape(token)
		}
		return u
	}

	t.Run("participant", func(t *testing.T) {
		resp := servertest.MakeRequest(t, http.MethodGet, chatURL("chat-1", env.token(t, "alice")))
		servertest.AssertStatusCode(t, resp, http.StatusOK)
		servertest.AssertContentType(t, resp, "application/json")

		var c chat.Chat
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&c))
		assert.Equal(t, chat.ChatID("chat-1"), c.ID)
		assert.ElementsMatch(t, []chat.UserID{"alice", "bob"}, c.ParticipantIDs)
	})

	tests := []struct {
		name           string
		url            string
		expectedStatus int
	}{
		{name: "missing token", url: chatURL("chat-1", ""), expectedStatus: http.StatusUnauthorized},
		{name: "non-participant", url: chatURL("chat-1", env.token(t, "carol")), expectedStatus: http.StatusForbidden},
		{name: "unknown chat", url: chatURL("missing", env.token(t, "alice")), expectedStatus: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := servertest.MakeRequest(t, http.MethodGet, tt.url)
			servertest.AssertStatusCode(t, resp, tt.expectedStatus)
		})
	}
}

func TestTestPageHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	TestPageHandler(rr, httptest.NewRequest(http.MethodGet, "/test", http.NoBody))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/html", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), "access_token")
	assert.Contains(t, rr.Body.String(), "JoinChat")
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{name: "query parameter", target: "/ws?access_token=abc", want: "abc"},
		{name: "bearer header", target: "/ws", header: "Bearer xyz", want: "xyz"},
		{name: "bearer scheme is case insensitive", target: "/ws", header: "bearer xyz", want: "xyz"},
		{name: "query wins over header", target: "/ws?access_token=abc", header: "Bearer xyz", want: "abc"},
		{name: "other scheme ignored", target: "/ws", header: "Basic dXNlcjpwYXNz", want: ""},
		{name: "nothing", target: "/ws", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, http.NoBody)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, tokenFromRequest(r))
		})
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{Logger: slog.Default()})
	assert.Error(t, err)
}

package server

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/backplane/memory"
	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/dispatch"
	"github.com/Tyrowin/chatrelay/internal/groups"
	"github.com/Tyrowin/chatrelay/internal/idempotency"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/registry"
	"github.com/Tyrowin/chatrelay/internal/server/servertest"
	memstore "github.com/Tyrowin/chatrelay/internal/store/memory"
)

type testEnv struct {
	srv      *Server
	http     *httptest.Server
	wsURL    string
	auth     *auth.Authenticator
	store    *memstore.Store
	groups   *groups.Manager
	registry *registry.Registry
	metrics  *metrics.Metrics
}

// newTestEnv serves a complete relay over httptest. chat-1 has alice and
// bob, chat-2 has alice and carol.
func newTestEnv(t *testing.T, customize func(*Options)) *testEnv {
	t.Helper()

	store := memstore.New()
	store.CreateChat("chat-1", "general", "alice", "bob")
	store.CreateChat("chat-2", "random", "alice", "carol")

	g := groups.New(4)
	reg := registry.New(g, registry.Options{})
	bp := memory.New("test")
	m := metrics.New(func() float64 { return float64(reg.Count()) })

	d, err := dispatch.New(dispatch.Options{
		Oracle:      store,
		Store:       store,
		Backplane:   bp,
		Registry:    reg,
		Groups:      g,
		Idempotency: idempotency.NewMemory(time.Minute),
		Metrics:     m,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	require.Eventually(t, func() bool { return bp.Subscribers() == 1 }, time.Second, time.Millisecond)

	a, err := auth.New([]byte("test-secret"), "chatrelay")
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{servertest.TestOrigin}
	cfg.RateLimit.Burst = 1000
	opts := Options{
		Config:        cfg,
		Authenticator: a,
		Dispatcher:    d,
		Registry:      reg,
		Metrics:       m,
		Chats:         d,
	}
	if customize != nil {
		customize(&opts)
	}
	srv, err := New(opts)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		assert.NoError(t, srv.Shutdown(2*time.Second))
		cancel()
		assert.NoError(t, <-done)
		_ = bp.Close()
	})

	return &testEnv{
		srv:      srv,
		http:     ts,
		wsURL:    servertest.WebSocketURL(ts.URL),
		auth:     a,
		store:    store,
		groups:   g,
		registry: reg,
		metrics:  m,
	}
}

func (e *testEnv) token(t *testing.T, user chat.UserID) string {
	t.Helper()
	token, err := e.auth.IssueToken(user, time.Hour)
	require.NoError(t, err)
	return token
}

func (e *testEnv) dial(t *testing.T, user chat.UserID) *servertest.Client {
	t.Helper()
	return servertest.Dial(t, e.wsURL, e.token(t, user))
}

// join sends JoinChat and consumes the caller's own UserJoined event.
func join(t *testing.T, c *servertest.Client, chatID chat.ChatID, user chat.UserID) {
	t.Helper()
	c.Send(t, Command{Type: CommandJoinChat, ChatID: chatID})
	ev := c.Expect(t, chat.EventUserJoined)
	require.Equal(t, user, ev.UserID)
	require.Equal(t, chatID, ev.ChatID)
}

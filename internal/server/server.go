package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/registry"
)

// Authenticator resolves the user behind a handshake token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (chat.UserID, error)
}

// ChatReader returns a chat and its participants to one of them.
type ChatReader interface {
	GetChat(ctx context.Context, userID chat.UserID, chatID chat.ChatID) (chat.Chat, error)
}

// Options wires a Server to its collaborators.
type Options struct {
	Config        Config
	Authenticator Authenticator
	Dispatcher    Dispatcher
	Registry      *registry.Registry
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	// Healthy reports readiness on /healthz. Nil means always healthy.
	Healthy func() bool
	// Chats serves GET /chats/{chatId}. Nil leaves the route unregistered.
	Chats ChatReader
}

// Server is the WebSocket session surface of the relay.
type Server struct {
	cfg        Config
	auth       Authenticator
	dispatcher Dispatcher
	chats      ChatReader
	registry   *registry.Registry
	metrics    *metrics.Metrics
	logger     *slog.Logger
	healthy    func() bool

	origins  *originPolicy
	upgrader websocket.Upgrader
	hub      *Hub
}

// New validates opts and builds a Server.
func New(opts Options) (*Server, error) {
	switch {
	case opts.Authenticator == nil:
		return nil, errors.New("server: authenticator is required")
	case opts.Dispatcher == nil:
		return nil, errors.New("server: dispatcher is required")
	case opts.Registry == nil:
		return nil, errors.New("server: registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Healthy == nil {
		opts.Healthy = func() bool { return true }
	}

	s := &Server{
		cfg:        sanitizeConfig(opts.Config),
		auth:       opts.Authenticator,
		dispatcher: opts.Dispatcher,
		chats:      opts.Chats,
		registry:   opts.Registry,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		healthy:    opts.Healthy,
		hub:        NewHub(opts.Registry, opts.Logger),
	}
	s.origins = newOriginPolicy(s.cfg.AllowedOrigins, s.logger)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	return s, nil
}

// Config returns the sanitized configuration in use.
func (s *Server) Config() Config { return s.cfg }

// Hub returns the socket supervisor.
func (s *Server) Hub() *Hub { return s.hub }

// Shutdown closes every WebSocket and waits for the pumps to exit.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.hub.Shutdown(timeout)
}

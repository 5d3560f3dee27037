package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/chatrelay/internal/registry"
)

// Hub supervises the pump goroutines of every WebSocket on this process.
// Connection state and membership live in the registry; the hub owns only
// the sockets and the goroutines serving them.
type Hub struct {
	registry *registry.Registry
	logger   *slog.Logger

	mutex   sync.Mutex
	clients map[*Client]struct{}
	closing bool
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a Hub. Connections registered under Context are cancelled
// when the hub shuts down.
func NewHub(reg *registry.Registry, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry: reg,
		logger:   logger,
		clients:  make(map[*Client]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Context is the parent of every connection context.
func (h *Hub) Context() context.Context { return h.ctx }

// Clients returns the number of sockets being served.
func (h *Hub) Clients() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}

// serve launches the pumps of client. It returns false once shutdown has
// started; the caller then owns the cleanup.
func (h *Hub) serve(client *Client) bool {
	h.mutex.Lock()
	if h.closing {
		h.mutex.Unlock()
		return false
	}
	h.clients[client] = struct{}{}
	clientCount := len(h.clients)
	h.wg.Add(2)
	h.mutex.Unlock()

	h.logger.InfoContext(client.ctx, "client connected", slog.Int("clients", clientCount))

	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
		h.release(client)
	}()
	return true
}

func (h *Hub) release(client *Client) {
	h.mutex.Lock()
	delete(h.clients, client)
	clientCount := len(h.clients)
	h.mutex.Unlock()

	h.logger.InfoContext(client.ctx, "client disconnected", slog.Int("clients", clientCount))
}

// shutdownClients closes every connection: registry teardown releases the
// outbound queues, closing the sockets unblocks the read pumps.
func (h *Hub) shutdownClients() {
	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	closed := h.registry.CloseAll()
	for _, client := range clients {
		client.closeConnection()
	}

	h.logger.Info("closed client connections",
		slog.Int("sockets", len(clients)),
		slog.Int("registered", closed))
}

// Shutdown stops accepting sockets, closes the open ones and waits for
// their goroutines, or until timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.mutex.Lock()
	h.closing = true
	h.mutex.Unlock()

	h.cancel()
	h.shutdownClients()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}

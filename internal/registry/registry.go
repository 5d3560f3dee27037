// Package registry tracks the live connections of the local process and is
// the only path through which a connection's group membership changes.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/groups"
)

// DefaultQueueSize is the outbound queue length of each connection.
const DefaultQueueSize = 256

var (
	// ErrDuplicateConnection is returned when a connection id is registered twice.
	ErrDuplicateConnection = errors.New("registry: connection already registered")
	// ErrUnknownConnection is returned for ids that are not registered.
	ErrUnknownConnection = errors.New("registry: unknown connection")
	// ErrConnectionClosed is returned when membership changes race teardown.
	ErrConnectionClosed = errors.New("registry: connection closed")
)

// Options configures a Registry.
type Options struct {
	QueueSize int
	Logger    *slog.Logger
}

// Registry owns every Connection of the process.
type Registry struct {
	groups    *groups.Manager
	queueSize int
	logger    *slog.Logger

	mu    sync.RWMutex
	conns map[chat.ConnectionID]*Connection
}

// New creates a Registry that keeps membership in g.
func New(g *groups.Manager, opts Options) *Registry {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		groups:    g,
		queueSize: opts.QueueSize,
		logger:    opts.Logger,
		conns:     make(map[chat.ConnectionID]*Connection),
	}
}

// Register binds id to userID. It must be called once per physical
// connection, after the user's identity has been resolved. The returned
// connection's context derives from parent.
func (r *Registry) Register(parent context.Context, id chat.ConnectionID, userID chat.UserID) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[id]; exists {
		return nil, ErrDuplicateConnection
	}
	conn := newConnection(parent, id, userID, r.queueSize)
	r.conns[id] = conn

	r.logger.Info("connection registered",
		slog.String("conn_id", string(id)),
		slog.String("user_id", string(userID)),
		slog.Int("total", len(r.conns)))
	return conn, nil
}

// Unregister tears down id: the connection leaves every group, its queue is
// closed and its context cancelled. Unregistering an unknown or already
// removed connection is a no-op.
func (r *Registry) Unregister(id chat.ConnectionID) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	remaining := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return
	}

	// Closing first rejects any join still in flight for this connection.
	conn.close()
	left := r.groups.RemoveConnectionFromAllGroups(id)

	r.logger.Info("connection unregistered",
		slog.String("conn_id", string(id)),
		slog.String("user_id", string(conn.userID)),
		slog.Int("groups_left", len(left)),
		slog.Int("total", remaining))
}

// Lookup returns the connection registered under id.
func (r *Registry) Lookup(id chat.ConnectionID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[id]
	return conn, ok
}

// Join records that id joined chatID. Authorization must already have been
// granted by the caller. It reports whether the connection was newly added.
func (r *Registry) Join(id chat.ConnectionID, chatID chat.ChatID) (bool, error) {
	conn, ok := r.Lookup(id)
	if !ok {
		return false, ErrUnknownConnection
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.closed {
		return false, ErrConnectionClosed
	}
	added := r.groups.Join(chatID, id)
	conn.chats[chatID] = struct{}{}
	return added, nil
}

// Leave records that id left chatID. Leaving a chat the connection is not
// joined to is a no-op that reports false.
func (r *Registry) Leave(id chat.ConnectionID, chatID chat.ChatID) (bool, error) {
	conn, ok := r.Lookup(id)
	if !ok {
		return false, ErrUnknownConnection
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.closed {
		return false, ErrConnectionClosed
	}
	delete(conn.chats, chatID)
	return r.groups.Leave(chatID, id), nil
}

// Deliver queues frame on connection id. A connection whose queue is full
// is considered too slow and is unregistered. It reports whether the frame
// was queued.
func (r *Registry) Deliver(id chat.ConnectionID, frame []byte) bool {
	conn, ok := r.Lookup(id)
	if !ok {
		return false
	}
	queued, full := conn.enqueue(frame)
	if full {
		r.evict(conn)
	}
	return queued
}

// DeliverToMember queues frame on connection id only if it is still joined
// to chatID. It reports whether the frame was queued and whether the
// connection was evicted for being too slow.
func (r *Registry) DeliverToMember(id chat.ConnectionID, chatID chat.ChatID, frame []byte) (queued bool, evicted bool) {
	conn, ok := r.Lookup(id)
	if !ok {
		return false, false
	}
	queued, full := conn.enqueueMember(chatID, frame)
	if full {
		r.evict(conn)
	}
	return queued, full
}

func (r *Registry) evict(conn *Connection) {
	r.logger.Warn("connection send queue full, evicting",
		slog.String("conn_id", string(conn.id)),
		slog.String("user_id", string(conn.userID)))
	r.Unregister(conn.id)
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns the registered connections.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

// CloseAll unregisters every connection. Used during shutdown.
func (r *Registry) CloseAll() int {
	conns := r.Snapshot()
	for _, conn := range conns {
		r.Unregister(conn.id)
	}
	return len(conns)
}

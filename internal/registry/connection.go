package registry

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

// Connection is one live, authenticated connection on this process. It is
// bound to a single user for its whole lifetime.
type Connection struct {
	id          chat.ConnectionID
	userID      chat.UserID
	connectedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	send   chan []byte

	// mu serialises membership changes against teardown so a join racing a
	// disconnect can never leave the connection in a group.
	mu     sync.Mutex
	closed bool
	chats  map[chat.ChatID]struct{}
}

func newConnection(parent context.Context, id chat.ConnectionID, userID chat.UserID, queueSize int) *Connection {
	ctx, cancel := context.WithCancel(parent)
	return &Connection{
		id:          id,
		userID:      userID,
		connectedAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		send:        make(chan []byte, queueSize),
		chats:       make(map[chat.ChatID]struct{}),
	}
}

// ID returns the process-unique connection identifier.
func (c *Connection) ID() chat.ConnectionID { return c.id }

// UserID returns the authenticated user bound to the connection.
func (c *Connection) UserID() chat.UserID { return c.userID }

// ConnectedAt returns the registration time.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// Context is cancelled when the connection is unregistered.
func (c *Connection) Context() context.Context { return c.ctx }

// Outbound returns the queue of encoded frames waiting to be written. It is
// closed when the connection is unregistered.
func (c *Connection) Outbound() <-chan []byte { return c.send }

// Chats returns the chats the connection is currently joined to.
func (c *Connection) Chats() []chat.ChatID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.Keys(c.chats)
}

// Closed reports whether the connection has been unregistered.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// enqueue queues frame without blocking. It returns false when the
// connection is closed or its queue is full.
func (c *Connection) enqueue(frame []byte) (ok bool, full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offer(frame)
}

// enqueueMember queues frame only while the connection is joined to chatID.
// Membership is checked under the same lock Leave takes, so a frame for a
// chat the connection has left is never queued.
func (c *Connection) enqueueMember(chatID chat.ChatID, frame []byte) (ok bool, full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, joined := c.chats[chatID]; !joined {
		return false, false
	}
	return c.offer(frame)
}

// offer must be called with c.mu held.
func (c *Connection) offer(frame []byte) (ok bool, full bool) {
	if c.closed {
		return false, false
	}
	select {
	case c.send <- frame:
		return true, false
	default:
		return false, true
	}
}

// close marks the connection closed, releases its queue and cancels its
// context. It reports whether this call performed the close.
func (c *Connection) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	c.closed = true
	c.chats = make(map[chat.ChatID]struct{})
	close(c.send)
	c.cancel()
	return true
}

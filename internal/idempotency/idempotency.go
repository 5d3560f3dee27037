// Package idempotency remembers the message stored for a client request id
// so a retried SendMessage does not persist the same message twice.
package idempotency

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

// DefaultTTL bounds how long a request id is remembered.
const DefaultTTL = 10 * time.Minute

// Key scopes a request id to the user and chat that sent it.
type Key struct {
	UserID    chat.UserID
	ChatID    chat.ChatID
	RequestID string
}

// String encodes the key with the user and chat ids length-prefixed, so ids
// containing the separator cannot produce the same encoding.
func (k Key) String() string {
	return strconv.Itoa(len(k.UserID)) + ":" + string(k.UserID) + "|" +
		strconv.Itoa(len(k.ChatID)) + ":" + string(k.ChatID) + "|" + k.RequestID
}

// Store records stored messages by request key.
type Store interface {
	// Get returns the message recorded for key, if any.
	Get(ctx context.Context, key Key) (chat.Message, bool, error)
	// Put records msg for key.
	Put(ctx context.Context, key Key, msg chat.Message) error
}

// Memory is a process-local Store with lazy expiry.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[Key]memoryEntry
	puts    int
}

type memoryEntry struct {
	msg     chat.Message
	expires time.Time
}

// NewMemory creates a Memory store. A non-positive ttl selects DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[Key]memoryEntry),
	}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key Key) (chat.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return chat.Message{}, false, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.entries, key)
		return chat.Message{}, false, nil
	}
	return e.msg, true, nil
}

// Put implements Store. Every 256th write sweeps expired entries.
func (m *Memory) Put(_ context.Context, key Key, msg chat.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.entries[key] = memoryEntry{msg: msg, expires: now.Add(m.ttl)}

	m.puts++
	if m.puts%256 == 0 {
		for k, e := range m.entries {
			if !now.Before(e.expires) {
				delete(m.entries, k)
			}
		}
	}
	return nil
}

// Len returns the number of entries, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Package groups keeps, per chat, the set of local connections subscribed to
// that chat's broadcasts.
//
// The manager performs no authorization. Callers decide whether a
// connection may join; the manager only records the outcome.
//
// Locking: chats are spread over a fixed number of shards by an FNV-1a hash
// of the chat id, each shard guarded by its own RWMutex. A reverse index
// (connection -> chats) sits behind a separate mutex. When both are needed
// the shard lock is taken first.
package groups

import (
	"hash/fnv"
	"sync"

	"github.com/samber/lo"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

// DefaultShards is the shard count used by New when none is given.
const DefaultShards = 32

type members map[chat.ConnectionID]struct{}

type shard struct {
	mu     sync.RWMutex
	groups map[chat.ChatID]members
}

// Manager maps chat ids to local connection ids.
type Manager struct {
	shards []*shard

	idxMu sync.Mutex
	index map[chat.ConnectionID]map[chat.ChatID]struct{}
}

// New creates a Manager with n shards. n <= 0 selects DefaultShards.
func New(n int) *Manager {
	if n <= 0 {
		n = DefaultShards
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{groups: make(map[chat.ChatID]members)}
	}
	return &Manager{
		shards: shards,
		index:  make(map[chat.ConnectionID]map[chat.ChatID]struct{}),
	}
}

func (m *Manager) shardFor(chatID chat.ChatID) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(chatID))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

// Join adds connID to chatID's group. It returns false when the connection
// was already a member.
func (m *Manager) Join(chatID chat.ChatID, connID chat.ConnectionID) bool {
	s := m.shardFor(chatID)
	s.mu.Lock()
	defer s.mu.Unlock()

	group, ok := s.groups[chatID]
	if !ok {
		group = make(members)
		s.groups[chatID] = group
	}
	if _, exists := group[connID]; exists {
		return false
	}
	group[connID] = struct{}{}

	m.idxMu.Lock()
	chats, ok := m.index[connID]
	if !ok {
		chats = make(map[chat.ChatID]struct{})
		m.index[connID] = chats
	}
	chats[chatID] = struct{}{}
	m.idxMu.Unlock()

	return true
}

// Leave removes connID from chatID's group. Removing a non-member is a
// no-op and returns false.
func (m *Manager) Leave(chatID chat.ChatID, connID chat.ConnectionID) bool {
	s := m.shardFor(chatID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.remove(chatID, connID) {
		return false
	}

	m.idxMu.Lock()
	if chats, ok := m.index[connID]; ok {
		delete(chats, chatID)
		if len(chats) == 0 {
			delete(m.index, connID)
		}
	}
	m.idxMu.Unlock()

	return true
}

// remove deletes connID from the group; the caller holds s.mu.
func (s *shard) remove(chatID chat.ChatID, connID chat.ConnectionID) bool {
	group, ok := s.groups[chatID]
	if !ok {
		return false
	}
	if _, exists := group[connID]; !exists {
		return false
	}
	delete(group, connID)
	if len(group) == 0 {
		delete(s.groups, chatID)
	}
	return true
}

// LocalSubscribers returns a snapshot of the connections currently joined
// to chatID. The slice is owned by the caller.
func (m *Manager) LocalSubscribers(chatID chat.ChatID) []chat.ConnectionID {
	s := m.shardFor(chatID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	return lo.Keys(s.groups[chatID])
}

// IsMember reports whether connID is currently joined to chatID.
func (m *Manager) IsMember(chatID chat.ChatID, connID chat.ConnectionID) bool {
	s := m.shardFor(chatID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.groups[chatID][connID]
	return ok
}

// ChatsOf returns the chats connID is joined to.
func (m *Manager) ChatsOf(connID chat.ConnectionID) []chat.ChatID {
	m.idxMu.Lock()
	defer m.idxMu.Unlock()

	return lo.Keys(m.index[connID])
}

// RemoveConnectionFromAllGroups drops connID from every group it joined and
// returns the chats it was removed from.
func (m *Manager) RemoveConnectionFromAllGroups(connID chat.ConnectionID) []chat.ChatID {
	m.idxMu.Lock()
	chats := lo.Keys(m.index[connID])
	delete(m.index, connID)
	m.idxMu.Unlock()

	removed := make([]chat.ChatID, 0, len(chats))
	for _, chatID := range chats {
		s := m.shardFor(chatID)
		s.mu.Lock()
		if s.remove(chatID, connID) {
			removed = append(removed, chatID)
		}
		s.mu.Unlock()
	}
	return removed
}

// GroupCount returns the number of chats with at least one local member.
func (m *Manager) GroupCount() int {
	total := 0
	for _, s := range m.shards {
		s.mu.RLock()
		total += len(s.groups)
		s.mu.RUnlock()
	}
	return total
}

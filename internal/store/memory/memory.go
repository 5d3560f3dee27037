// Package memory is an in-process chat.MembershipOracle and
// chat.MessageStore. It backs single-instance deployments and tests.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

// Store keeps chats and messages in maps guarded by a single mutex.
type Store struct {
	mu       sync.RWMutex
	chats    map[chat.ChatID]*chatRecord
	messages map[chat.MessageID]chat.Message
	now      func() time.Time
}

type chatRecord struct {
	name         string
	participants map[chat.UserID]struct{}
}

// New creates an empty store.
func New() *Store {
	return &Store{
		chats:    make(map[chat.ChatID]*chatRecord),
		messages: make(map[chat.MessageID]chat.Message),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateChat adds or replaces a chat with the given participants.
func (s *Store) CreateChat(id chat.ChatID, name string, participants ...chat.UserID) {
	rec := &chatRecord{name: name, participants: make(map[chat.UserID]struct{}, len(participants))}
	for _, p := range participants {
		rec.participants[p] = struct{}{}
	}

	s.mu.Lock()
	s.chats[id] = rec
	s.mu.Unlock()
}

// Seed creates chats from a definition such as
// "general=alice,bob;random=alice,carol". The chat id doubles as its name.
func (s *Store) Seed(def string) error {
	for _, entry := range strings.Split(def, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, members, ok := strings.Cut(entry, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return fmt.Errorf("memory: invalid chat definition %q", entry)
		}
		var participants []chat.UserID
		for _, m := range strings.Split(members, ",") {
			if m = strings.TrimSpace(m); m != "" {
				participants = append(participants, chat.UserID(m))
			}
		}
		s.CreateChat(chat.ChatID(id), id, participants...)
	}
	return nil
}

// AddParticipant adds userID to an existing chat.
func (s *Store) AddParticipant(chatID chat.ChatID, userID chat.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.chats[chatID]
	if !ok {
		return chat.NotFound("add_participant", "chat not found")
	}
	rec.participants[userID] = struct{}{}
	return nil
}

// RemoveParticipant revokes userID's membership. Existing messages are kept.
func (s *Store) RemoveParticipant(chatID chat.ChatID, userID chat.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.chats[chatID]
	if !ok {
		return chat.NotFound("remove_participant", "chat not found")
	}
	delete(rec.participants, userID)
	return nil
}

// IsParticipant implements chat.MembershipOracle. Unknown chats have no
// participants.
func (s *Store) IsParticipant(ctx context.Context, userID chat.UserID, chatID chat.ChatID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.chats[chatID]
	if !ok {
		return false, nil
	}
	_, member := rec.participants[userID]
	return member, nil
}

// GetChat implements chat.MembershipOracle.
func (s *Store) GetChat(ctx context.Context, chatID chat.ChatID) (chat.Chat, error) {
	if err := ctx.Err(); err != nil {
		return chat.Chat{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.chats[chatID]
	if !ok {
		return chat.Chat{}, chat.NotFound("get_chat", "chat not found")
	}
	return chat.Chat{
		ID:             chatID,
		Name:           rec.name,
		ParticipantIDs: lo.Keys(rec.participants),
	}, nil
}

// CreateMessage implements chat.MessageStore.
func (s *Store) CreateMessage(ctx context.Context, chatID chat.ChatID, senderID chat.UserID, content string) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.chats[chatID]
	if !ok {
		return chat.Message{}, chat.NotFound("create_message", "chat not found")
	}
	if _, member := rec.participants[senderID]; !member {
		return chat.Message{}, chat.Forbidden("create_message")
	}

	msg := chat.Message{
		ID:        chat.MessageID(uuid.NewString()),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: s.now(),
	}
	s.messages[msg.ID] = msg
	return msg, nil
}

// EditMessage implements chat.MessageStore.
func (s *Store) EditMessage(ctx context.Context, messageID chat.MessageID, editorID chat.UserID, content string) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.owned("edit_message", messageID, editorID)
	if err != nil {
		return chat.Message{}, err
	}
	edited := s.now()
	msg.Content = content
	msg.EditedAt = &edited
	s.messages[messageID] = msg
	return msg, nil
}

// DeleteMessage implements chat.MessageStore. Deletion is soft: the record is
// kept with Deleted set.
func (s *Store) DeleteMessage(ctx context.Context, messageID chat.MessageID, requesterID chat.UserID) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.owned("delete_message", messageID, requesterID)
	if err != nil {
		return chat.Message{}, err
	}
	msg.Deleted = true
	s.messages[messageID] = msg
	return msg, nil
}

// owned must be called with s.mu held.
func (s *Store) owned(op string, messageID chat.MessageID, userID chat.UserID) (chat.Message, error) {
	msg, ok := s.messages[messageID]
	if !ok || msg.Deleted {
		return chat.Message{}, chat.NotFound(op, "message not found")
	}
	if msg.SenderID != userID {
		return chat.Message{}, chat.Forbidden(op)
	}
	return msg, nil
}

// Message returns a stored record, including soft-deleted ones.
func (s *Store) Message(id chat.MessageID) (chat.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	return msg, ok
}

// MessageCount returns the number of stored records.
func (s *Store) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

var (
	_ chat.MembershipOracle = (*Store)(nil)
	_ chat.MessageStore     = (*Store)(nil)
)

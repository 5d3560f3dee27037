// Package chat defines the identifiers, records and events shared by every
// layer of the relay, together with the collaborator contracts the relay
// consumes (membership oracle and message store).
package chat

import (
	"time"

	"github.com/samber/lo"
)

// ChatID identifies a chat and the broadcast group bound to it.
type ChatID string

// UserID identifies an authenticated user.
type UserID string

// MessageID identifies a persisted message.
type MessageID string

// ConnectionID identifies one live connection on the local process.
type ConnectionID string

// MaxContentLength is the largest accepted message body, counted in runes.
const MaxContentLength = 4000

// Message is the canonical record returned by the message store. The relay
// broadcasts it verbatim and never mutates it.
type Message struct {
	ID        MessageID  `json:"id"`
	ChatID    ChatID     `json:"chatId"`
	SenderID  UserID     `json:"senderId"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"createdAt"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
	Deleted   bool       `json:"deleted"`
}

// Chat describes a chat as known to the membership oracle.
type Chat struct {
	ID             ChatID   `json:"id"`
	Name           string   `json:"name"`
	ParticipantIDs []UserID `json:"participantIds"`
}

// HasParticipant reports whether userID belongs to the chat.
func (c Chat) HasParticipant(userID UserID) bool {
	return lo.Contains(c.ParticipantIDs, userID)
}

//go:generate go run go.uber.org/mock/mockgen -source=collaborators.go -destination=mocks/mock_collaborators.go -package=mocks

package chat

import "context"

// MembershipOracle answers whether a user may act on a chat.
type MembershipOracle interface {
	IsParticipant(ctx context.Context, userID UserID, chatID ChatID) (bool, error)
	// GetChat returns an error of KindNotFound when the chat does not exist.
	GetChat(ctx context.Context, chatID ChatID) (Chat, error)
}

// MessageStore durably persists messages. Failures are reported as *Error
// values of KindNotFound or KindForbidden; anything else is treated as an
// infrastructure failure.
type MessageStore interface {
	// CreateMessage persists a new message. The chat must exist and
	// senderID must be one of its participants at persistence time.
	CreateMessage(ctx context.Context, chatID ChatID, senderID UserID, content string) (Message, error)
	// EditMessage replaces the content of a message. Only the original
	// sender may edit.
	EditMessage(ctx context.Context, messageID MessageID, editorID UserID, content string) (Message, error)
	// DeleteMessage soft-deletes a message and returns the deleted record.
	// Only the original sender may delete.
	DeleteMessage(ctx context.Context, messageID MessageID, requesterID UserID) (Message, error)
}

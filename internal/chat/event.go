package chat

// EventType tags the variant carried by an Event. The values double as the
// outbound event names of the session protocol.
type EventType string

const (
	EventReceiveMessage EventType = "ReceiveMessage"
	EventMessageEdited  EventType = "MessageEdited"
	EventMessageDeleted EventType = "MessageDeleted"
	EventUserJoined     EventType = "UserJoined"
	EventUserLeft       EventType = "UserLeft"
	EventError          EventType = "Error"
)

// Event is a transient broadcast value. Only the fields belonging to Type
// are populated.
type Event struct {
	Type      EventType `json:"type"`
	ChatID    ChatID    `json:"chatId,omitempty"`
	Message   *Message  `json:"message,omitempty"`
	MessageID MessageID `json:"messageId,omitempty"`
	UserID    UserID    `json:"userId,omitempty"`
	Error     string    `json:"error,omitempty"`
	Code      string    `json:"code,omitempty"`
}

// GroupAddressed reports whether the event is fanned out to a chat group
// rather than sent to a single connection.
func (e Event) GroupAddressed() bool {
	return e.Type != EventError
}

// MessageCreated builds the event announcing a newly persisted message.
func MessageCreated(msg Message) Event {
	return Event{Type: EventReceiveMessage, ChatID: msg.ChatID, Message: &msg}
}

// MessageEdited builds the event announcing an edited message.
func MessageEdited(msg Message) Event {
	return Event{Type: EventMessageEdited, ChatID: msg.ChatID, Message: &msg}
}

// MessageDeleted builds the event announcing a soft-deleted message.
func MessageDeleted(chatID ChatID, messageID MessageID) Event {
	return Event{Type: EventMessageDeleted, ChatID: chatID, MessageID: messageID}
}

// MemberJoined builds the event announcing that userID joined chatID.
func MemberJoined(chatID ChatID, userID UserID) Event {
	return Event{Type: EventUserJoined, ChatID: chatID, UserID: userID}
}

// MemberLeft builds the event announcing that userID left chatID.
func MemberLeft(chatID ChatID, userID UserID) Event {
	return Event{Type: EventUserLeft, ChatID: chatID, UserID: userID}
}

// ErrorEvent builds a caller-scoped error event.
func ErrorEvent(code, message string) Event {
	return Event{Type: EventError, Code: code, Error: message}
}

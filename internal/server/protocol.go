package server

import (
	"strings"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

// CommandType names an inbound command.
type CommandType string

const (
	CommandJoinChat      CommandType = "JoinChat"
	CommandLeaveChat     CommandType = "LeaveChat"
	CommandSendMessage   CommandType = "SendMessage"
	CommandEditMessage   CommandType = "EditMessage"
	CommandDeleteMessage CommandType = "DeleteMessage"
)

// Command is the JSON frame a client sends. Only the fields belonging to
// Type are read.
type Command struct {
	Type      CommandType    `json:"type"`
	ChatID    chat.ChatID    `json:"chatId,omitempty"`
	MessageID chat.MessageID `json:"messageId,omitempty"`
	Content   string         `json:"content,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
}

// Outbound frames are chat.Event values encoded as JSON. Several queued
// frames may share one WebSocket message, separated by '\n'.

// Error codes sent in Error events besides the chat.Kind names.
const (
	codeRateLimited = "rate_limited"
	codeBadFrame    = "validation"
)

// errorEvent translates a command failure into the caller-scoped event the
// client receives. Cancelled commands have no caller left and produce
// nothing.
func errorEvent(err error) (chat.Event, bool) {
	kind := chat.KindOf(err)
	if kind == chat.KindCanceled {
		return chat.Event{}, false
	}
	return chat.ErrorEvent(kind.String(), chat.ErrorMessage(err)), true
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}

package server

import (
	"context"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

// Dispatcher executes commands on behalf of a connection.
type Dispatcher interface {
	Join(ctx context.Context, connID chat.ConnectionID, userID chat.UserID, chatID chat.ChatID) error
	Leave(ctx context.Context, connID chat.ConnectionID, userID chat.UserID, chatID chat.ChatID) error
	SendMessage(ctx context.Context, connID chat.ConnectionID, userID chat.UserID, chatID chat.ChatID, content, requestID string) (chat.Message, error)
	EditMessage(ctx context.Context, connID chat.ConnectionID, userID chat.UserID, messageID chat.MessageID, content string) (chat.Message, error)
	DeleteMessage(ctx context.Context, connID chat.ConnectionID, userID chat.UserID, messageID chat.MessageID) (chat.Message, error)
	Notify(connID chat.ConnectionID, event chat.Event) bool
}

// caller identifies the connection a command arrived on.
type caller struct {
	connID chat.ConnectionID
	userID chat.UserID
}

type commandFunc func(ctx context.Context, d Dispatcher, c caller, cmd Command) error

// commands maps every inbound command type to its handler. Successful
// commands need no reply: their outcome reaches the caller as a group event.
var commands = map[CommandType]commandFunc{
	CommandJoinChat: func(ctx context.Context, d Dispatcher, c caller, cmd Command) error {
		return d.Join(ctx, c.connID, c.userID, cmd.ChatID)
	},
	CommandLeaveChat: func(ctx context.Context, d Dispatcher, c caller, cmd Command) error {
		return d.Leave(ctx, c.connID, c.userID, cmd.ChatID)
	},
	CommandSendMessage: func(ctx context.Context, d Dispatcher, c caller, cmd Command) error {
		_, err := d.SendMessage(ctx, c.connID, c.userID, cmd.ChatID, cmd.Content, cmd.RequestID)
		return err
	},
	CommandEditMessage: func(ctx context.Context, d Dispatcher, c caller, cmd Command) error {
		_, err := d.EditMessage(ctx, c.connID, c.userID, cmd.MessageID, cmd.Content)
		return err
	},
	CommandDeleteMessage: func(ctx context.Context, d Dispatcher, c caller, cmd Command) error {
		_, err := d.DeleteMessage(ctx, c.connID, c.userID, cmd.MessageID)
		return err
	},
}

// route runs cmd and reports any failure to the caller alone.
func route(ctx context.Context, d Dispatcher, c caller, cmd Command) error {
	handler, ok := commands[cmd.Type]
	if !ok {
		err := chat.Validation("route", "unknown command type "+string(cmd.Type))
		d.Notify(c.connID, chat.ErrorEvent(codeBadFrame, chat.ErrorMessage(err)))
		return err
	}

	err := handler(ctx, d, c, cmd)
	if err == nil {
		return nil
	}
	if event, ok := errorEvent(err); ok {
		d.Notify(c.connID, event)
	}
	return err
}

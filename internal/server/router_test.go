package server

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

// recordingDispatcher returns err from every command and records what it
// was asked to do.
type recordingDispatcher struct {
	err      error
	calls    []string
	notified []chat.Event
}

func (d *recordingDispatcher) Join(_ context.Context, _ chat.ConnectionID, _ chat.UserID, chatID chat.ChatID) error {
	d.calls = append(d.calls, "join:"+string(chatID))
	return d.err
}

func (d *recordingDispatcher) Leave(_ context.Context, _ chat.ConnectionID, _ chat.UserID, chatID chat.ChatID) error {
	d.calls = append(d.calls, "leave:"+string(chatID))
	return d.err
}

func (d *recordingDispatcher) SendMessage(_ context.Context, _ chat.ConnectionID, _ chat.UserID, chatID chat.ChatID, content, requestID string) (chat.Message, error) {
	d.calls = append(d.calls, "send:"+string(chatID)+":"+content+":"+requestID)
	return chat.Message{}, d.err
}

func (d *recordingDispatcher) EditMessage(_ context.Context, _ chat.ConnectionID, _ chat.UserID, messageID chat.MessageID, content string) (chat.Message, error) {
	d.calls = append(d.calls, "edit:"+string(messageID)+":"+content)
	return chat.Message{}, d.err
}

func (d *recordingDispatcher) DeleteMessage(_ context.Context, _ chat.ConnectionID, _ chat.UserID, messageID chat.MessageID) (chat.Message, error) {
	d.calls = append(d.calls, "delete:"+string(messageID))
	return chat.Message{}, d.err
}

func (d *recordingDispatcher) Notify(_ chat.ConnectionID, event chat.Event) bool {
	d.notified = append(d.notified, event)
	return true
}

func TestRouteDispatchesEveryCommandType(t *testing.T) {
	d := &recordingDispatcher{}
	who := caller{connID: "c1", userID: "alice"}
	ctx := context.Background()

	cmds := []Command{
		{Type: CommandJoinChat, ChatID: "chat-1"},
		{Type: CommandLeaveChat, ChatID: "chat-1"},
		{Type: CommandSendMessage, ChatID: "chat-1", Content: "hi", RequestID: "r1"},
		{Type: CommandEditMessage, MessageID: "m1", Content: "edited"},
		{Type: CommandDeleteMessage, MessageID: "m1"},
	}
	for _, cmd := range cmds {
		require.NoError(t, route(ctx, d, who, cmd))
	}

	assert.Equal(t, []string{
		"join:chat-1",
		"leave:chat-1",
		"send:chat-1:hi:r1",
		"edit:m1:edited",
		"delete:m1",
	}, d.calls)
	assert.Empty(t, d.notified)
}

func TestRouteTranslatesErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
		wantText string
	}{
		{name: "validation", err: chat.Validation("send_message", "content must not be empty"), wantCode: "validation", wantText: "content must not be empty"},
		{name: "forbidden", err: chat.Forbidden("join_chat"), wantCode: "forbidden", wantText: "access denied"},
		{name: "not found", err: chat.NotFound("edit_message", "message not found"), wantCode: "not_found", wantText: "message not found"},
		{name: "unavailable", err: chat.Unavailable("send_message", errors.New("dial tcp: refused")), wantCode: "unavailable", wantText: "service unavailable, please retry"},
		{name: "unclassified", err: errors.New("boom"), wantCode: "unavailable", wantText: "service unavailable, please retry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &recordingDispatcher{err: tt.err}
			err := route(context.Background(), d, caller{connID: "c1", userID: "alice"}, Command{Type: CommandJoinChat, ChatID: "chat-1"})
			require.ErrorIs(t, err, tt.err)
			require.Len(t, d.notified, 1)
			assert.Equal(t, chat.EventError, d.notified[0].Type)
			assert.Equal(t, tt.wantCode, d.notified[0].Code)
			assert.Equal(t, tt.wantText, d.notified[0].Error)
		})
	}
}

func TestRouteStaysSilentOnCancellation(t *testing.T) {
	d := &recordingDispatcher{err: chat.Canceled("join_chat", context.Canceled)}
	err := route(context.Background(), d, caller{connID: "c1", userID: "alice"}, Command{Type: CommandJoinChat, ChatID: "chat-1"})
	require.Error(t, err)
	assert.Empty(t, d.notified)
}

func TestRouteRejectsUnknownCommand(t *testing.T) {
	d := &recordingDispatcher{}
	err := route(context.Background(), d, caller{connID: "c1", userID: "alice"}, Command{Type: "Shout"})
	require.Error(t, err)
	assert.Equal(t, chat.KindValidation, chat.KindOf(err))
	assert.Empty(t, d.calls)
	require.Len(t, d.notified, 1)
	assert.Equal(t, "validation", d.notified[0].Code)
	assert.Equal(t, "unknown command type Shout", d.notified[0].Error)
}

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Tyrowin/chatrelay/internal/backplane"
	"github.com/Tyrowin/chatrelay/internal/backplane/memory"
	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/chat/mocks"
	"github.com/Tyrowin/chatrelay/internal/groups"
	"github.com/Tyrowin/chatrelay/internal/idempotency"
	"github.com/Tyrowin/chatrelay/internal/registry"
	memstore "github.com/Tyrowin/chatrelay/internal/store/memory"
)

const eventTimeout = 2 * time.Second

type harness struct {
	store    *memstore.Store
	bp       *memory.Backplane
	groups   *groups.Manager
	registry *registry.Registry
	d        *Dispatcher
}

// newHarness wires a dispatcher to an in-memory store seeded with chat-1
// (alice, bob) and starts its delivery loop.
func newHarness(t *testing.T, customize func(*Options)) *harness {
	t.Helper()

	store := memstore.New()
	store.CreateChat("chat-1", "general", "alice", "bob")
	store.CreateChat("chat-2", "random", "alice", "carol")

	g := groups.New(4)
	reg := registry.New(g, registry.Options{})
	bp := memory.New("test")

	opts := Options{
		Oracle:    store,
		Store:     store,
		Backplane: bp,
		Registry:  reg,
		Groups:    g,
	}
	if customize != nil {
		customize(&opts)
	}
	d, err := New(opts)
	require.NoError(t, err)

	h := &harness{store: store, bp: bp, groups: g, registry: reg, d: d}
	if opts.Backplane == bp {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- d.Run(ctx) }()
		t.Cleanup(func() {
			cancel()
			assert.NoError(t, <-done)
			_ = bp.Close()
		})
		require.Eventually(t, func() bool { return bp.Subscribers() == 1 }, eventTimeout, time.Millisecond)
	}
	return h
}

func (h *harness) connect(t *testing.T, id chat.ConnectionID, user chat.UserID) *registry.Connection {
	t.Helper()
	conn, err := h.registry.Register(context.Background(), id, user)
	require.NoError(t, err)
	return conn
}

func (h *harness) join(t *testing.T, conn *registry.Connection, chatID chat.ChatID) {
	t.Helper()
	require.NoError(t, h.d.Join(conn.Context(), conn.ID(), conn.UserID(), chatID))
	ev := readEvent(t, conn)
	require.Equal(t, chat.EventUserJoined, ev.Type)
	require.Equal(t, conn.UserID(), ev.UserID)
}

func readEvent(t *testing.T, conn *registry.Connection) chat.Event {
	t.Helper()
	select {
	case frame, ok := <-conn.Outbound():
		require.True(t, ok, "outbound queue closed")
		var ev chat.Event
		require.NoError(t, json.Unmarshal(frame, &ev))
		return ev
	case <-time.After(eventTimeout):
		t.Fatalf("no event for %s", conn.ID())
		return chat.Event{}
	}
}

func expectNoEvent(t *testing.T, conn *registry.Connection) {
	t.Helper()
	select {
	case frame, ok := <-conn.Outbound():
		if ok {
			t.Fatalf("unexpected event for %s: %s", conn.ID(), frame)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

// failingBackplane refuses every publish.
type failingBackplane struct{}

func (failingBackplane) Publish(context.Context, chat.ChatID, chat.Event) error {
	return backplane.Unavailable(errors.New("connection refused"))
}

func (failingBackplane) Subscribe(ctx context.Context, _ backplane.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (failingBackplane) Close() error { return nil }

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestJoinSucceedsOnlyForParticipants(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "a", "alice")
	carol := h.connect(t, "c", "carol")

	h.join(t, alice, "chat-1")
	assert.True(t, h.groups.IsMember("chat-1", "a"))

	err := h.d.Join(carol.Context(), carol.ID(), carol.UserID(), "chat-1")
	require.Error(t, err)
	assert.Equal(t, chat.KindForbidden, chat.KindOf(err))
	assert.Equal(t, "access denied", chat.ErrorMessage(err))
	assert.False(t, h.groups.IsMember("chat-1", "c"))

	expectNoEvent(t, alice)
	expectNoEvent(t, carol)
}

func TestJoinUnknownChatIsDenied(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "a", "alice")

	err := h.d.Join(alice.Context(), alice.ID(), alice.UserID(), "missing")
	assert.True(t, chat.IsForbidden(err))
	assert.Empty(t, h.groups.LocalSubscribers("missing"))
}

func TestJoinBroadcastsToExistingMembers(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "a", "alice")
	bob := h.connect(t, "b", "bob")

	h.join(t, alice, "chat-1")
	h.join(t, bob, "chat-1")

	ev := readEvent(t, alice)
	assert.Equal(t, chat.EventUserJoined, ev.Type)
	assert.Equal(t, chat.UserID("bob"), ev.UserID)
	assert.Equal(t, chat.ChatID("chat-1"), ev.ChatID)
}

func TestRejoinAcknowledgesCallerOnly(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "a", "alice")
	bob := h.connect(t, "b", "bob")
	h.join(t, alice, "chat-1")
	h.join(t, bob, "chat-1")
	_ = readEvent(t, alice) // bob joined

	require.NoError(t, h.d.Join(bob.Context(), bob.ID(), bob.UserID(), "chat-1"))

	ev := readEvent(t, bob)
	assert.Equal(t, chat.EventUserJoined, ev.Type)
	expectNoEvent(t, alice)
}

func TestRejoinRechecksMembership(t *testing.T) {
	h := newHarness(t, nil)
	bob := h.connect(t, "b", "bob")
	h.join(t, bob, "chat-1")

	require.NoError(t, h.store.RemoveParticipant("chat-1", "bob"))

	err := h.d.Join(bob.Context(), bob.ID(), bob.UserID(), "chat-1")
	assert.True(t, chat.IsForbidden(err))
}

func TestSendMessageDeliversStoredRecord(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "a", "alice")
	bob := h.connect(t, "b", "bob")
	outsider := h.connect(t, "x", "alice")

	h.join(t, alice, "chat-1")
	h.join(t, bob, "chat-1")
	_ = readEvent(t, alice) // bob joined
	h.join(t, outsider, "chat-2")

	msg, err := h.d.SendMessage(alice.Context(), alice.ID(), alice.UserID(), "chat-1", "hi", "")
	require.NoError(t, err)

	stored, ok := h.store.Message(msg.ID)
	require.True(t, ok)
	assert.Equal(t, chat.ChatID("chat-1"), stored.ChatID)
	assert.Equal(t, chat.UserID("alice"), stored.SenderID)
	assert.Equal(t, "hi", stored.Content)

	for _, conn := range []*registry.Connection{alice, bob} {
		ev := readEvent(t, conn)
		assert.Equal(t, chat.EventReceiveMessage, ev.Type)
		require.NotNil(t, ev.Message)
		assert.Equal(t, stored.ID, ev.Message.ID)
		assert.Equal(t, stored.Content, ev.Message.Content)
		assert.Equal(t, stored.SenderID, ev.Message.SenderID)
		assert.True(t, stored.CreatedAt.Equal(ev.Message.CreatedAt))
	}
	expectNoEvent(t, outsider)
}

func TestSendMessageStoresContentAsSent(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "a", "alice")

	msg, err := h.d.SendMessage(alice.Context(), alice.ID(), alice.UserID(), "chat-1", "  hello \n", "")
	require.NoError(t, err)
	assert.Equal(t, "  hello \n", msg.Content)

	stored, ok := h.store.Message(msg.ID)
	require.True(t, ok)
	assert.Equal(t, "  hello \n", stored.Content)
}

func TestSendMessageValidation(t *testing.T) {
	ctrl := gomock.NewController(t)
	oracle := mocks.NewMockMembershipOracle(ctrl)
	store := mocks.NewMockMessageStore(ctrl)

	h := newHarness(t, func(o *Options) {
		o.Oracle = oracle
		o.Store = store
	})
	alice := h.connect(t, "a", "alice")

	tests := []struct {
		name    string
		chatID  chat.ChatID
		content string
		want    string
	}{
		{"empty", "chat-1", "", "content must not be empty"},
		{"whitespace", "chat-1", " \t\n ", "content must not be empty"},
		{"oversize", "chat-1", strings.Repeat("x", 5000), "content exceeds 4000 characters"},
		{"oversize with trailing space", "chat-1", strings.Repeat("x", chat.MaxContentLength) + " ", "content exceeds 4000 characters"},
		{"oversize with leading newline", "chat-1", "\n" + strings.Repeat("é", chat.MaxContentLength), "content exceeds 4000 characters"},
		{"missing chat", "", "hi", "chatId must not be empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.d.SendMessage(alice.Context(), alice.ID(), alice.UserID(), tt.chatID, tt.content, "")
			require.Error(t, err)
			assert.Equal(t, chat.KindValidation, chat.KindOf(err))
			assert.Equal(t, tt.want, chat.ErrorMessage(err))
		})
	}
	expectNoEvent(t, alice)
}

func TestSendMessageAcceptsMaximumLength(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "a", "alice")

	// Multi-byte runes count once each.
	content := strings.Repeat("é", chat.MaxContentLength)
	_, err := h.d.SendMessage(alice.Context(), alice.ID(), alice.UserID(), "chat-1", content, "")
	assert.NoError(t, err)
}

func TestSendMessageNonParticipantIsForbidden(t *testing.T) {
	h := newHarness(t, nil)
	carol := h.connect(t, "c", "carol")
	alice := h.connect(t, "a", "alice")
	h.join(t, alice, "chat-1")

	_, err := h.d.SendMessage(carol.Context(), carol.ID(), carol.UserID(), "chat-1", "hi", "")
	assert.True(t, chat.IsForbidden(err))
	assert.Equal(t, 0, h.store.MessageCount())
	expectNoEvent(t, alice)
}

func TestStoreFailureIsNotPublished(t *testing.T) {
	ctrl := gomock.NewController(t)
	oracle := mocks.NewMockMembershipOracle(ctrl)
	store := mocks.NewMockMessageStore(ctrl)

	h := newHarness(t, func(o *Options) {
		o.Oracle = oracle
		o.Store = store
	})
	alice := h.connect(t, "a", "alice")

	oracle.EXPECT().IsParticipant(gomock.Any(), chat.UserID("alice"), chat.ChatID("chat-1")).Return(true, nil).Times(2)
	h.join(t, alice, "chat-1")

	store.EXPECT().
		CreateMessage(gomock.Any(), chat.ChatID("chat-1"), chat.UserID("alice"), "hi").
		Return(chat.Message{}, errors.New("connection reset"))

	_, err := h.d.SendMessage(alice.Context(), alice.ID(), alice.UserID(), "chat-1", "hi", "")
	require.Error(t, err)
	assert.Equal(t, chat.KindUnavailable, chat.KindOf(err))
	expectNoEvent(t, alice)
}

func TestStoreClassifiedFailurePassesThrough(t *testing.T) {
	ctrl := gomock.NewController(t)
	oracle := mocks.NewMockMembershipOracle(ctrl)
	store := mocks.NewMockMessageStore(ctrl)

	h := newHarness(t, func(o *Options) {
		o.Oracle = oracle
		o.Store = store
	})
	alice := h.connect(t, "a", "alice")

	oracle.EXPECT().IsParticipant(gomock.Any(), gomock.Any(), gomock.Any()).Return(true, nil)
	store.EXPECT().
		CreateMessage(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(chat.Message{}, chat.NotFound("create_message", "chat not found"))

	_, err := h.d.SendMessage(alice.Context(), alice.ID(), alice.UserID(), "chat-1", "hi", "")
	assert.True(t, chat.IsNotFound(err))
}

func TestOracleFailureIsUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	oracle := mocks.NewMockMembershipOracle(ctrl)

	h := newHarness(t, func(o *Options) { o.Oracle = oracle })
	alice := h.connect(t, "a", "alice")

	oracle.EXPECT().IsParticipant(gomock.Any(), gomock.Any(), gomock.Any()).Return(false, errors.New("db down"))

	err := h.d.Join(alice.Context(), alice.ID(), alice.UserID(), "chat-1")
	require.Error(t, err)
	assert.Equal(t, chat.KindUnavailable, chat.KindOf(err))
	assert.False(t, h.groups.IsMember("chat-1", "a"))
}

func TestGetChatIsLimitedToParticipants(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	c, err := h.d.GetChat(ctx, "alice", "chat-1")
	require.NoError(t, err)
	assert.Equal(t, chat.ChatID("chat-1"), c.ID)
	assert.ElementsMatch(t, []chat.UserID{"alice", "bob"}, c.ParticipantIDs)

	_, err = h.d.GetChat(ctx, "carol", "chat-1")
	assert.True(t, chat.IsForbidden(err))

	_, err = h.d.GetChat(ctx, "alice", "missing")
	assert.True(t, chat.IsForbidden(err))

	_, err = h.d.GetChat(ctx, "alice", "")
	assert.Equal(t, chat.KindValidation, chat.KindOf(err))
}

func TestGetChatOracleFailureIsUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	oracle := mocks.NewMockMembershipOracle(ctrl)
	h := newHarness(t, func(o *Options) { o.Oracle = oracle })

	oracle.EXPECT().GetChat(gomock.Any(), chat.ChatID("chat-1")).Return(chat.Chat{}, errors.New("db down"))

	_, err := h.d.GetChat(context.Background(), "alice", "chat-1")
	assert.Equal(t, chat.KindUnavailable, chat.KindOf(err))
}

func TestCallTimeoutIsUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	oracle := mocks.NewMockMembershipOracle(ctrl)

	h := newHarness(t, func(o *Options) {
		o.Oracle = oracle
		o.CallTimeout = 20 * time.Millisecond
	})
	alice := h.connect(t, "a", "alice")

	oracle.EXPECT().IsParticipant(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ chat.UserID, _ chat.ChatID) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		})

	err := h.d.Join(alice.Context(), alice.ID(), alice.UserID(), "chat-1")
	require.Error(t, err)
	assert.Equal(t, chat.KindUnavailable, chat.KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCanceledConnectionAbortsBeforeSideEffects(t *testing.T) {
	ctrl := gomock.NewController(t)
	oracle := mocks.NewMockMembershipOracle(ctrl)
	store := mocks.NewMockMessageStore(ctrl)

	h := newHarness(t, func(o *Options) {
		o.Oracle = oracle
		o.Store = store
	})
	alice := h.connect(t, "a", "alice")
	h.registry.Unregister(alice.ID())

	err := h.d.Join(alice.Context(), alice.ID(), alice.UserID(), "chat-1")
	assert.Equal(t, chat.KindCanceled, chat.KindOf(err))

	_, err = h.d.SendMessage(alice.Context(), alice.ID(), alice.UserID(), "chat-1", "hi", "")
	assert.Equal(t, chat.KindCanceled, chat.KindOf(err))
	assert.Empty(t, h.groups.LocalSubscribers("chat-1"))
}

func TestCancellationDuringAuthorizationSkipsJoin(t *testing.T) {
	ctrl := gomock.NewController(t)
	oracle := mocks.NewMockMembershipOracle(ctrl)

	h := newHarness(t, func(o *Options) { o.Oracle = oracle })
	alice := h.connect(t, "a", "alice")

	oracle.EXPECT().IsParticipant(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, chat.UserID, chat.ChatID) (bool, error) {
			h.registry.Unregister(alice.ID())
			return true, nil
		})

	err := h.d.Join(alice.Context(), alice.ID(), alice.UserID(), "chat-1")
	assert.Equal(t, chat.KindCanceled, chat.KindOf(err))
	assert.Empty(t, h.groups.LocalSubscribers("chat-1"))
}

func TestLeaveStopsDeliveryAndIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "a", "alice")
	bob := h.connect(t, "b", "bob")
	h.join(t, alice, "chat-1")
	h.join(t, bob, "chat-1")
	_ = readEvent(t, alice) // bob joined

	require.NoError(t, h.d.Leave(alice.Context(), alice.ID(), alice.UserID(), "chat-1"))

	ack := readEvent(t, alice)
	assert.Equal(t, chat.EventUserLeft, ack.Type)
	assert.Equal(t, chat.UserID("alice"), ack.UserID)

	left := readEvent(t, bob)
	assert.Equal(t, chat.EventUserLeft, left.Type)
	assert.Equal(t, chat.UserID("alice"), left.UserID)

	// Second leave: no error, no broadcast.
	require.NoError(t, h.d.Leave(alice.Context(), alice.ID(), alice.UserID(), "chat-1"))
	expectNoEvent(t, bob)
	expectNoEvent(t, alice)

	_, err := h.d.SendMessage(bob.Context(), bob.ID(), bob.UserID(), "chat-1", "still there?", "")
	require.NoError(t, err)
	assert.Equal(t, chat.EventReceiveMessage, readEvent(t, bob).Type)
	expectNoEvent(t, alice)
}

func TestDisconnectStopsDelivery(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "a", "alice")
	bob := h.connect(t, "b", "bob")
	h.join(t, alice, "chat-1")
	h.join(t, bob, "chat-1")
	_ = readEvent(t, alice)

	h.registry.Unregister(alice.ID())
	assert.Equal(t, []chat.ConnectionID{"b"}, h.groups.LocalSubscribers("chat-1"))

	_, err := h.d.SendMessage(bob.Context(), bob.ID(), bob.UserID(), "chat-1", "hello?", "")
	require.NoError(t, err)
	assert.Equal(t, chat.EventReceiveMessage, readEvent(t, bob).Type)

	_, open := <-alice.Outbound()
	assert.False(t, open)
}

func TestEditMessage(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "a", "alice")
	bob := h.connect(t, "b", "bob")
	h.join(t, alice, "chat-1")
	h.join(t, bob, "chat-1")
	_ = readEvent(t, alice)

	msg, err := h.d.SendMessage(alice.Context(), alice.ID(), alice.UserID(), "chat-1", "helo", "")
	require.NoError(t, err)
	_ = readEvent(t, alice)
	_ = readEvent(t, bob)

	_, err = h.d.EditMessage(bob.Context(), bob.ID(), bob.UserID(), msg.ID, "hijacked")
	assert.True(t, chat.IsForbidden(err))
	expectNoEvent(t, alice)

	edited, err := h.d.EditMessage(alice.Context(), alice.ID(), alice.UserID(), msg.ID, "hello")
	require.NoError(t, err)
	require.NotNil(t, edited.EditedAt)

	ev := readEvent(t, bob)
	assert.Equal(t, chat.EventMessageEdited, ev.Type)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "hello", ev.Message.Content)
	assert.Equal(t, msg.ID, ev.Message.ID)

	_, err = h.d.EditMessage(alice.Context(), alice.ID(), alice.UserID(), "missing", "x")
	assert.True(t, chat.IsNotFound(err))

	_, err = h.d.EditMessage(alice.Context(), alice.ID(), alice.UserID(), msg.ID, strings.Repeat("y", chat.MaxContentLength)+"\t")
	assert.Equal(t, chat.KindValidation, chat.KindOf(err))
}

func TestDeleteMessage(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "a", "alice")
	bob := h.connect(t, "b", "bob")
	h.join(t, alice, "chat-1")
	h.join(t, bob, "chat-1")
	_ = readEvent(t, alice)

	msg, err := h.d.SendMessage(alice.Context(), alice.ID(), alice.UserID(), "chat-1", "oops", "")
	require.NoError(t, err)
	_ = readEvent(t, alice)
	_ = readEvent(t, bob)

	_, err = h.d.DeleteMessage(bob.Context(), bob.ID(), bob.UserID(), msg.ID)
	assert.True(t, chat.IsForbidden(err))

	deleted, err := h.d.DeleteMessage(alice.Context(), alice.ID(), alice.UserID(), msg.ID)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)

	ev := readEvent(t, bob)
	assert.Equal(t, chat.EventMessageDeleted, ev.Type)
	assert.Equal(t, msg.ID, ev.MessageID)
	assert.Equal(t, chat.ChatID("chat-1"), ev.ChatID)
	assert.Nil(t, ev.Message)

	_, err = h.d.DeleteMessage(alice.Context(), alice.ID(), alice.UserID(), msg.ID)
	assert.True(t, chat.IsNotFound(err))
}

func TestPublishFailureAfterStoreIsUnavailable(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Backplane = failingBackplane{} })
	alice := h.connect(t, "a", "alice")

	_, err := h.d.SendMessage(alice.Context(), alice.ID(), alice.UserID(), "chat-1", "hi", "")
	require.Error(t, err)
	assert.Equal(t, chat.KindUnavailable, chat.KindOf(err))
	assert.ErrorIs(t, err, backplane.ErrUnavailable)

	// The message stays stored; there is no compensating delete.
	assert.Equal(t, 1, h.store.MessageCount())
}

func TestJoinIsUndoneWhenPublishFails(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Backplane = failingBackplane{} })
	alice := h.connect(t, "a", "alice")

	err := h.d.Join(alice.Context(), alice.ID(), alice.UserID(), "chat-1")
	assert.Equal(t, chat.KindUnavailable, chat.KindOf(err))
	assert.False(t, h.groups.IsMember("chat-1", "a"))
	assert.Empty(t, alice.Chats())
}

func TestRepeatedRequestIDIsStoredOnce(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Idempotency = idempotency.NewMemory(time.Minute) })
	alice := h.connect(t, "a", "alice")
	h.join(t, alice, "chat-1")

	first, err := h.d.SendMessage(alice.Context(), alice.ID(), alice.UserID(), "chat-1", "hi", "req-1")
	require.NoError(t, err)
	second, err := h.d.SendMessage(alice.Context(), alice.ID(), alice.UserID(), "chat-1", "hi", "req-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, h.store.MessageCount())

	// Both attempts are delivered so a client that missed the first sees it.
	assert.Equal(t, first.ID, readEvent(t, alice).Message.ID)
	assert.Equal(t, first.ID, readEvent(t, alice).Message.ID)

	third, err := h.d.SendMessage(alice.Context(), alice.ID(), alice.UserID(), "chat-1", "hi", "req-2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
	assert.Equal(t, 2, h.store.MessageCount())
}

// misfiledIdempotency returns a message recorded for another chat for every
// key.
type misfiledIdempotency struct{ msg chat.Message }

func (m misfiledIdempotency) Get(context.Context, idempotency.Key) (chat.Message, bool, error) {
	return m.msg, true, nil
}

func (misfiledIdempotency) Put(context.Context, idempotency.Key, chat.Message) error { return nil }

func TestRecordedMessageFromAnotherChatIsNotReplayed(t *testing.T) {
	foreign := chat.Message{ID: "m-other", ChatID: "chat-2", SenderID: "alice", Content: "elsewhere"}
	h := newHarness(t, func(o *Options) { o.Idempotency = misfiledIdempotency{msg: foreign} })
	alice := h.connect(t, "a", "alice")
	h.join(t, alice, "chat-1")

	msg, err := h.d.SendMessage(alice.Context(), alice.ID(), alice.UserID(), "chat-1", "hi", "req-1")
	require.NoError(t, err)
	assert.NotEqual(t, foreign.ID, msg.ID)
	assert.Equal(t, chat.ChatID("chat-1"), msg.ChatID)
	assert.Equal(t, 1, h.store.MessageCount())

	ev := readEvent(t, alice)
	assert.Equal(t, chat.EventReceiveMessage, ev.Type)
	require.NotNil(t, ev.Message)
	assert.Equal(t, msg.ID, ev.Message.ID)
}

func TestDeliverEvictsSlowConsumer(t *testing.T) {
	store := memstore.New()
	g := groups.New(4)
	reg := registry.New(g, registry.Options{QueueSize: 1})
	d, err := New(Options{Oracle: store, Store: store, Backplane: failingBackplane{}, Registry: reg, Groups: g})
	require.NoError(t, err)

	_, err = reg.Register(context.Background(), "a", "alice")
	require.NoError(t, err)
	_, err = reg.Join("a", "chat-1")
	require.NoError(t, err)

	assert.Equal(t, 1, d.Deliver("chat-1", chat.MemberJoined("chat-1", "bob")))
	assert.Equal(t, 0, d.Deliver("chat-1", chat.MemberJoined("chat-1", "carol")))

	_, ok := reg.Lookup("a")
	assert.False(t, ok)
	assert.Empty(t, g.LocalSubscribers("chat-1"))
}

func TestDeliverSkipsStaleSubscribers(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "a", "alice")
	h.join(t, alice, "chat-1")
	bob := h.connect(t, "b", "bob")

	// bob appears in the group index without having joined through the
	// registry, as a subscriber list read just before a leave would.
	h.groups.Join("chat-1", bob.ID())

	assert.Equal(t, 1, h.d.Deliver("chat-1", chat.MemberJoined("chat-1", "carol")))
	readEvent(t, alice)
	expectNoEvent(t, bob)

	_, ok := h.registry.Lookup(bob.ID())
	assert.True(t, ok)
}

func TestDeliverSkipsCallerScopedEvents(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "a", "alice")
	h.join(t, alice, "chat-1")

	assert.Equal(t, 0, h.d.Deliver("chat-1", chat.ErrorEvent("forbidden", "access denied")))
	expectNoEvent(t, alice)
}

// Package dispatch orchestrates chat commands and delivers relayed events to
// local connections.
//
// Every command runs Validate, Authorize, Execute and Publish in that order
// and stops at the first failing stage. An event is published only after the
// store acknowledged the change it describes; delivery to connections happens
// when the event comes back through the backplane subscription, on every
// instance alike.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/Tyrowin/chatrelay/internal/backplane"
	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/groups"
	"github.com/Tyrowin/chatrelay/internal/idempotency"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/registry"
)

// DefaultCallTimeout bounds each oracle, store and backplane call.
const DefaultCallTimeout = 5 * time.Second

// Operation names, used in errors, logs and metrics.
const (
	OpJoin    = "join_chat"
	OpLeave   = "leave_chat"
	OpSend    = "send_message"
	OpEdit    = "edit_message"
	OpDelete  = "delete_message"
	OpGetChat = "get_chat"
	OpDeliver = "deliver"
)

// Options wires a Dispatcher to its collaborators. Idempotency and Metrics
// are optional.
type Options struct {
	Oracle      chat.MembershipOracle
	Store       chat.MessageStore
	Backplane   backplane.Backplane
	Registry    *registry.Registry
	Groups      *groups.Manager
	Idempotency idempotency.Store
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	CallTimeout time.Duration
}

// Dispatcher executes chat commands on behalf of connections.
type Dispatcher struct {
	oracle      chat.MembershipOracle
	store       chat.MessageStore
	backplane   backplane.Backplane
	registry    *registry.Registry
	groups      *groups.Manager
	idempotency idempotency.Store
	metrics     *metrics.Metrics
	logger      *slog.Logger
	callTimeout time.Duration
	validate    *validator.Validate
}

// New creates a Dispatcher.
func New(opts Options) (*Dispatcher, error) {
	switch {
	case opts.Oracle == nil:
		return nil, errors.New("dispatch: membership oracle is required")
	case opts.Store == nil:
		return nil, errors.New("dispatch: message store is required")
	case opts.Backplane == nil:
		return nil, errors.New("dispatch: backplane is required")
	case opts.Registry == nil || opts.Groups == nil:
		return nil, errors.New("dispatch: registry and groups are required")
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	return &Dispatcher{
		oracle:      opts.Oracle,
		store:       opts.Store,
		backplane:   opts.Backplane,
		registry:    opts.Registry,
		groups:      opts.Groups,
		idempotency: opts.Idempotency,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		callTimeout: opts.CallTimeout,
		validate:    v,
	}, nil
}

type chatRef struct {
	ChatID chat.ChatID `json:"chatId" validate:"required,max=128"`
}

type sendInput struct {
	ChatID    chat.ChatID `json:"chatId" validate:"required,max=128"`
	Content   string      `json:"content"`
	RequestID string      `json:"requestId" validate:"omitempty,max=128"`
}

type editInput struct {
	MessageID chat.MessageID `json:"messageId" validate:"required,max=128"`
	Content   string         `json:"content"`
}

type messageRef struct {
	MessageID chat.MessageID `json:"messageId" validate:"required,max=128"`
}

// Join subscribes connection connID to chatID after the oracle confirmed
// that userID participates in it, then announces the join to the group.
// Joining a chat the connection already belongs to re-checks the oracle and
// acknowledges the caller alone.
func (d *Dispatcher) Join(ctx context.Context, connID chat.ConnectionID, userID chat.UserID, chatID chat.ChatID) (err error) {
	defer d.observe(OpJoin, &err)

	if err := d.check(OpJoin, chatRef{ChatID: chatID}); err != nil {
		return err
	}
	if err := d.authorize(ctx, OpJoin, userID, chatID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return chat.Canceled(OpJoin, err)
	}

	added, err := d.registry.Join(connID, chatID)
	if err != nil {
		return chat.Canceled(OpJoin, err)
	}
	if !added {
		d.Notify(connID, chat.MemberJoined(chatID, userID))
		return nil
	}

	if err := d.publish(ctx, OpJoin, chatID, chat.MemberJoined(chatID, userID)); err != nil {
		// Nothing durable happened; undo the subscription so the failure
		// leaves no trace.
		_, _ = d.registry.Leave(connID, chatID)
		return err
	}
	return nil
}

// Leave unsubscribes connID from chatID. It needs no authorization. When the
// connection was a member the group is told and the caller, which no longer
// receives group events, gets its own acknowledgement. Leaving a chat the
// connection is not in does nothing.
func (d *Dispatcher) Leave(ctx context.Context, connID chat.ConnectionID, userID chat.UserID, chatID chat.ChatID) (err error) {
	defer d.observe(OpLeave, &err)

	if err := d.check(OpLeave, chatRef{ChatID: chatID}); err != nil {
		return err
	}

	removed, err := d.registry.Leave(connID, chatID)
	if err != nil {
		return chat.Canceled(OpLeave, err)
	}
	if !removed {
		return nil
	}

	event := chat.MemberLeft(chatID, userID)
	if err := d.publish(ctx, OpLeave, chatID, event); err != nil {
		return err
	}
	d.Notify(connID, event)
	return nil
}

// SendMessage persists content as a new message in chatID and publishes the
// stored record. A non-empty requestID makes retries safe: a request already
// stored for the same user and chat is published again instead of being
// persisted twice.
func (d *Dispatcher) SendMessage(ctx context.Context, connID chat.ConnectionID, userID chat.UserID, chatID chat.ChatID, content, requestID string) (msg chat.Message, err error) {
	defer d.observe(OpSend, &err)

	in := sendInput{ChatID: chatID, Content: content, RequestID: requestID}
	if err := d.check(OpSend, in); err != nil {
		return chat.Message{}, err
	}
	if err := d.authorize(ctx, OpSend, userID, chatID); err != nil {
		return chat.Message{}, err
	}

	key := idempotency.Key{UserID: userID, ChatID: chatID, RequestID: requestID}
	if recorded, ok := d.recall(ctx, key); ok {
		d.logger.DebugContext(ctx, "replaying stored message for repeated request",
			slog.String("request_id", requestID),
			slog.String("message_id", string(recorded.ID)))
		return recorded, d.publish(ctx, OpSend, chatID, chat.MessageCreated(recorded))
	}

	if err := ctx.Err(); err != nil {
		return chat.Message{}, chat.Canceled(OpSend, err)
	}
	msg, err = call(ctx, d, OpSend, func(ctx context.Context) (chat.Message, error) {
		return d.store.CreateMessage(ctx, chatID, userID, in.Content)
	})
	if err != nil {
		return chat.Message{}, err
	}

	d.remember(ctx, key, msg)
	return msg, d.publish(ctx, OpSend, msg.ChatID, chat.MessageCreated(msg))
}

// EditMessage replaces the content of messageID. The store enforces that
// only the original sender may edit.
func (d *Dispatcher) EditMessage(ctx context.Context, connID chat.ConnectionID, userID chat.UserID, messageID chat.MessageID, content string) (msg chat.Message, err error) {
	defer d.observe(OpEdit, &err)

	in := editInput{MessageID: messageID, Content: content}
	if err := d.check(OpEdit, in); err != nil {
		return chat.Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return chat.Message{}, chat.Canceled(OpEdit, err)
	}

	msg, err = call(ctx, d, OpEdit, func(ctx context.Context) (chat.Message, error) {
		return d.store.EditMessage(ctx, messageID, userID, in.Content)
	})
	if err != nil {
		return chat.Message{}, err
	}
	return msg, d.publish(ctx, OpEdit, msg.ChatID, chat.MessageEdited(msg))
}

// DeleteMessage soft-deletes messageID and announces it on the message's
// chat. The store enforces that only the original sender may delete.
func (d *Dispatcher) DeleteMessage(ctx context.Context, connID chat.ConnectionID, userID chat.UserID, messageID chat.MessageID) (msg chat.Message, err error) {
	defer d.observe(OpDelete, &err)

	if err := d.check(OpDelete, messageRef{MessageID: messageID}); err != nil {
		return chat.Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return chat.Message{}, chat.Canceled(OpDelete, err)
	}

	msg, err = call(ctx, d, OpDelete, func(ctx context.Context) (chat.Message, error) {
		return d.store.DeleteMessage(ctx, messageID, userID)
	})
	if err != nil {
		return chat.Message{}, err
	}
	return msg, d.publish(ctx, OpDelete, msg.ChatID, chat.MessageDeleted(msg.ChatID, msg.ID))
}

// GetChat returns chatID with its participant set. Only a participant may
// read it; unknown chats get the same denial as non-participants.
func (d *Dispatcher) GetChat(ctx context.Context, userID chat.UserID, chatID chat.ChatID) (c chat.Chat, err error) {
	defer d.observe(OpGetChat, &err)

	if err := d.check(OpGetChat, chatRef{ChatID: chatID}); err != nil {
		return chat.Chat{}, err
	}
	if err := ctx.Err(); err != nil {
		return chat.Chat{}, chat.Canceled(OpGetChat, err)
	}

	c, err = call(ctx, d, OpGetChat, func(ctx context.Context) (chat.Chat, error) {
		return d.oracle.GetChat(ctx, chatID)
	})
	if err != nil {
		if chat.IsNotFound(err) {
			return chat.Chat{}, chat.Forbidden(OpGetChat)
		}
		return chat.Chat{}, err
	}
	if !c.HasParticipant(userID) {
		d.logger.InfoContext(ctx, "chat read denied",
			slog.String("user_id", string(userID)),
			slog.String("chat_id", string(chatID)))
		return chat.Chat{}, chat.Forbidden(OpGetChat)
	}
	return c, nil
}

// Run delivers every event relayed by the backplane until ctx is done or
// the subscription fails.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher subscribed to backplane")
	err := d.backplane.Subscribe(ctx, func(ctx context.Context, env backplane.Envelope) error {
		d.Deliver(env.ChatID, env.Event)
		return nil
	})
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, backplane.ErrClosed) {
		return nil
	}
	return fmt.Errorf("backplane subscription ended: %w", err)
}

// Deliver queues event for every local member of chatID and returns how
// many connections accepted it. The frame is encoded once.
func (d *Dispatcher) Deliver(chatID chat.ChatID, event chat.Event) int {
	if !event.GroupAddressed() {
		return 0
	}
	subscribers := d.groups.LocalSubscribers(chatID)
	if len(subscribers) == 0 {
		return 0
	}

	frame, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("failed to encode event",
			slog.String("op", OpDeliver),
			slog.String("chat_id", string(chatID)),
			slog.Any("error", err))
		return 0
	}

	delivered := 0
	for _, connID := range subscribers {
		queued, evicted := d.registry.DeliverToMember(connID, chatID, frame)
		if queued {
			delivered++
		}
		if evicted {
			d.metrics.Eviction()
		}
	}
	d.metrics.EventsDelivered(delivered)
	return delivered
}

// Notify queues event for connID only. It reports whether the frame was
// queued.
func (d *Dispatcher) Notify(connID chat.ConnectionID, event chat.Event) bool {
	frame, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("failed to encode caller event",
			slog.String("conn_id", string(connID)),
			slog.Any("error", err))
		return false
	}
	return d.registry.Deliver(connID, frame)
}

func (d *Dispatcher) check(op string, in any) error {
	if err := d.validate.Struct(in); err != nil {
		return chat.Validation(op, describe(err))
	}
	switch v := in.(type) {
	case sendInput:
		return checkContent(op, v.Content)
	case editInput:
		return checkContent(op, v.Content)
	}
	return nil
}

// checkContent rejects content that is blank or longer than
// chat.MaxContentLength runes. The length counts the content as sent,
// surrounding whitespace included, since that is what gets stored.
func checkContent(op, content string) error {
	if strings.TrimSpace(content) == "" {
		return chat.Validation(op, "content must not be empty")
	}
	if utf8.RuneCountInString(content) > chat.MaxContentLength {
		return chat.Validation(op, fmt.Sprintf("content exceeds %d characters", chat.MaxContentLength))
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " must not be empty"
	case "max":
		return fmt.Sprintf("%s exceeds %s characters", fe.Field(), fe.Param())
	default:
		return fe.Field() + " is invalid"
	}
}

// authorize asks the oracle whether userID participates in chatID. Unknown
// chats and non-participants get the same generic denial.
func (d *Dispatcher) authorize(ctx context.Context, op string, userID chat.UserID, chatID chat.ChatID) error {
	if err := ctx.Err(); err != nil {
		return chat.Canceled(op, err)
	}
	ok, err := call(ctx, d, op, func(ctx context.Context) (bool, error) {
		return d.oracle.IsParticipant(ctx, userID, chatID)
	})
	if err != nil {
		if chat.IsNotFound(err) {
			return chat.Forbidden(op)
		}
		return err
	}
	if !ok {
		return chat.Forbidden(op)
	}
	return nil
}

// call runs fn under the call timeout and classifies its failure.
// Failures the collaborator already classified pass through; a cancelled
// connection becomes KindCanceled; anything else is KindUnavailable.
func call[T any](ctx context.Context, d *Dispatcher, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	v, err := fn(callCtx)
	if err == nil {
		return v, nil
	}

	var zero T
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, chat.Canceled(op, ctxErr)
	}
	var chatErr *chat.Error
	if errors.As(err, &chatErr) {
		return zero, err
	}
	return zero, chat.Unavailable(op, err)
}

// publish relays event for chatID. The store call it follows has already
// succeeded, so a disconnecting caller does not stop the relay.
func (d *Dispatcher) publish(ctx context.Context, op string, chatID chat.ChatID, event chat.Event) error {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.callTimeout)
	defer cancel()

	if err := d.backplane.Publish(pubCtx, chatID, event); err != nil {
		d.metrics.PublishFailure()
		d.logger.WarnContext(ctx, "failed to publish event",
			slog.String("op", op),
			slog.String("chat_id", string(chatID)),
			slog.String("event", string(event.Type)),
			slog.Any("error", err))
		return chat.Unavailable(op, err)
	}
	return nil
}

func (d *Dispatcher) recall(ctx context.Context, key idempotency.Key) (chat.Message, bool) {
	if d.idempotency == nil || key.RequestID == "" {
		return chat.Message{}, false
	}
	got, err := call(ctx, d, OpSend, func(ctx context.Context) (recalled, error) {
		m, ok, err := d.idempotency.Get(ctx, key)
		return recalled{msg: m, ok: ok}, err
	})
	if err != nil {
		d.logger.WarnContext(ctx, "idempotency lookup failed", slog.Any("error", err))
		return chat.Message{}, false
	}
	if !got.ok {
		return chat.Message{}, false
	}
	if got.msg.ChatID != key.ChatID || got.msg.SenderID != key.UserID {
		d.logger.WarnContext(ctx, "ignoring recorded message from another chat or sender",
			slog.String("request_id", key.RequestID),
			slog.String("message_id", string(got.msg.ID)))
		return chat.Message{}, false
	}
	return got.msg, true
}

type recalled struct {
	msg chat.Message
	ok  bool
}

func (d *Dispatcher) remember(ctx context.Context, key idempotency.Key, msg chat.Message) {
	if d.idempotency == nil || key.RequestID == "" {
		return
	}
	putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.callTimeout)
	defer cancel()
	if err := d.idempotency.Put(putCtx, key, msg); err != nil {
		d.logger.WarnContext(ctx, "failed to record request id", slog.Any("error", err))
	}
}

func (d *Dispatcher) observe(op string, errp *error) {
	outcome := metrics.OutcomeOK
	if *errp != nil {
		outcome = chat.KindOf(*errp).String()
	}
	d.metrics.Command(op, outcome)
}

// Package backplane relays group-addressed events between every server
// instance that shares one logical chat deployment.
//
// Delivery is at-least-once. Events published by one instance for one chat
// arrive in publish order; events for different chats, or from different
// publishers, may interleave. The publishing instance receives its own
// events through the same subscription as everyone else.
package backplane

import (
	"context"
	"errors"
	"fmt"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

var (
	// ErrUnavailable reports that the backplane cannot accept or deliver
	// events right now. Publishers should surface it to their caller.
	ErrUnavailable = errors.New("backplane: unavailable")
	// ErrClosed is returned by operations on a closed backplane.
	ErrClosed = errors.New("backplane: closed")
)

// Handler receives one relayed event. A returned error ends the
// subscription.
type Handler func(ctx context.Context, env Envelope) error

// Envelope is the unit carried between instances.
type Envelope struct {
	// ID is assigned by the backplane on publish; monotonic per chat.
	ID string `json:"id"`
	// Origin identifies the publishing instance.
	Origin string     `json:"origin"`
	ChatID chat.ChatID `json:"chatId"`
	Event  chat.Event  `json:"event"`
}

// Backplane is the publish/subscribe contract the dispatcher depends on.
type Backplane interface {
	// Publish relays event to every subscribed instance. It returns an
	// error wrapping ErrUnavailable instead of buffering when the
	// backplane is unreachable.
	Publish(ctx context.Context, chatID chat.ChatID, event chat.Event) error

	// Subscribe invokes handler for every event published by any instance,
	// including this one, until ctx is done or handler fails.
	Subscribe(ctx context.Context, handler Handler) error

	// Close releases the backplane's resources.
	Close() error
}

// Unavailable wraps cause so that errors.Is(err, ErrUnavailable) holds.
func Unavailable(cause error) error {
	if cause == nil {
		return ErrUnavailable
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, cause)
}

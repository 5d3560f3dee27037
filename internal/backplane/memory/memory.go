// Package memory provides an in-process implementation of
// backplane.Backplane. It suits single-instance deployments and tests;
// several Subscribe calls on one Backplane behave like several instances
// sharing a broker.
package memory

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/Tyrowin/chatrelay/internal/backplane"
	"github.com/Tyrowin/chatrelay/internal/chat"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 1024

// Backplane relays events between subscribers of the same process.
type Backplane struct {
	origin string
	buffer int
	seq    atomic.Uint64

	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	closed  bool
	closing chan struct{}
}

type subscriber struct {
	ch   chan []byte
	done chan struct{}
}

// New creates an in-memory backplane. origin names the publishing instance
// in every envelope.
func New(origin string) *Backplane {
	return &Backplane{
		origin:  origin,
		buffer:  DefaultBuffer,
		subs:    make(map[*subscriber]struct{}),
		closing: make(chan struct{}),
	}
}

// Publish implements backplane.Backplane. It blocks while a subscriber's
// queue is full rather than dropping the event.
func (b *Backplane) Publish(ctx context.Context, chatID chat.ChatID, event chat.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := backplane.Encode(backplane.Envelope{
		ID:     strconv.FormatUint(b.seq.Add(1), 10),
		Origin: b.origin,
		ChatID: chatID,
		Event:  event,
	})
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return backplane.ErrClosed
	}

	for sub := range b.subs {
		select {
		case sub.ch <- data:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe implements backplane.Backplane.
func (b *Backplane) Subscribe(ctx context.Context, handler backplane.Handler) error {
	sub := &subscriber{
		ch:   make(chan []byte, b.buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return backplane.ErrClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	defer func() {
		// Release blocked publishers before waiting for the lock they hold.
		close(sub.done)
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closing:
			return nil
		case data := <-sub.ch:
			env, err := backplane.Decode(data)
			if err != nil {
				return err
			}
			if err := handler(ctx, env); err != nil {
				return err
			}
		}
	}
}

// Close implements backplane.Backplane.
func (b *Backplane) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.closing)
	}
	return nil
}

// Subscribers returns the number of active subscriptions.
func (b *Backplane) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

var _ backplane.Backplane = (*Backplane)(nil)

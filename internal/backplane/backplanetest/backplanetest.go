// Package backplanetest holds a conformance suite every backplane.Backplane
// implementation is expected to pass.
package backplanetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/backplane"
	"github.com/Tyrowin/chatrelay/internal/chat"
)

// Factory creates a fresh backplane for one subtest. Both returned values
// must share the same underlying broker: the second simulates another
// server instance.
type Factory func(t *testing.T) (backplane.Backplane, backplane.Backplane)

const (
	probeChat   chat.ChatID = "__probe__"
	waitTimeout             = 5 * time.Second
)

// Run runs the complete suite against the provided factory.
func Run(t *testing.T, factory Factory) {
	t.Run("LocalEcho", func(t *testing.T) {
		testLocalEcho(t, factory)
	})
	t.Run("CrossInstanceDelivery", func(t *testing.T) {
		testCrossInstanceDelivery(t, factory)
	})
	t.Run("PerChatOrder", func(t *testing.T) {
		testPerChatOrder(t, factory)
	})
	t.Run("EnvelopeCarriesMessage", func(t *testing.T) {
		testEnvelopeCarriesMessage(t, factory)
	})
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) {
		testHandlerErrorStopsSubscription(t, factory)
	})
	t.Run("ContextCancellation", func(t *testing.T) {
		testContextCancellation(t, factory)
	})
	t.Run("PublishAfterClose", func(t *testing.T) {
		testPublishAfterClose(t, factory)
	})
}

// recorder collects envelopes seen by one subscription.
type recorder struct {
	mu     sync.Mutex
	envs   []backplane.Envelope
	probed chan struct{}
	once   sync.Once
}

func newRecorder() *recorder {
	return &recorder{probed: make(chan struct{})}
}

func (r *recorder) handle(_ context.Context, env backplane.Envelope) error {
	if env.ChatID == probeChat {
		r.once.Do(func() { close(r.probed) })
		return nil
	}
	r.mu.Lock()
	r.envs = append(r.envs, env)
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() []backplane.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]backplane.Envelope, len(r.envs))
	copy(out, r.envs)
	return out
}

func (r *recorder) waitFor(t *testing.T, n int) []backplane.Envelope {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.snapshot()) >= n
	}, waitTimeout, 5*time.Millisecond, "expected %d envelopes", n)
	return r.snapshot()
}

// subscribe starts a subscription and returns once it is known to receive
// events published through pub.
func subscribe(t *testing.T, ctx context.Context, b, pub backplane.Backplane) (*recorder, <-chan error) {
	t.Helper()
	rec := newRecorder()
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, rec.handle)
	}()

	deadline := time.After(waitTimeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		if err := pub.Publish(ctx, probeChat, chat.MemberJoined(probeChat, "probe")); err != nil {
			t.Fatalf("probe publish failed: %v", err)
		}
		select {
		case <-rec.probed:
			return rec, done
		case err := <-done:
			t.Fatalf("subscription ended before becoming ready: %v", err)
		case <-deadline:
			t.Fatal("subscription did not become ready")
		case <-tick.C:
		}
	}
}

func cleanup(t *testing.T, bps ...backplane.Backplane) {
	t.Helper()
	t.Cleanup(func() {
		for _, b := range bps {
			if err := b.Close(); err != nil {
				t.Logf("close backplane: %v", err)
			}
		}
	})
}

func testLocalEcho(t *testing.T, factory Factory) {
	a, b := factory(t)
	cleanup(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 2*waitTimeout)
	defer cancel()

	rec, _ := subscribe(t, ctx, a, a)

	require.NoError(t, a.Publish(ctx, "chat-1", chat.MemberJoined("chat-1", "alice")))

	got := rec.waitFor(t, 1)
	assert.Equal(t, chat.ChatID("chat-1"), got[0].ChatID)
	assert.Equal(t, chat.EventUserJoined, got[0].Event.Type)
	assert.Equal(t, chat.UserID("alice"), got[0].Event.UserID)
	assert.NotEmpty(t, got[0].ID)
}

func testCrossInstanceDelivery(t *testing.T, factory Factory) {
	a, b := factory(t)
	cleanup(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 2*waitTimeout)
	defer cancel()

	recA, _ := subscribe(t, ctx, a, a)
	recB, _ := subscribe(t, ctx, b, a)

	require.NoError(t, a.Publish(ctx, "chat-1", chat.MemberLeft("chat-1", "alice")))

	gotA := recA.waitFor(t, 1)
	gotB := recB.waitFor(t, 1)
	assert.Equal(t, gotA[0].Event, gotB[0].Event)
	assert.Equal(t, chat.EventUserLeft, gotB[0].Event.Type)
}

func testPerChatOrder(t *testing.T, factory Factory) {
	a, b := factory(t)
	cleanup(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 2*waitTimeout)
	defer cancel()

	rec, _ := subscribe(t, ctx, b, a)

	const n = 50
	for i := 0; i < n; i++ {
		chatID := chat.ChatID(fmt.Sprintf("chat-%d", i%3))
		msgID := chat.MessageID(fmt.Sprintf("%d", i))
		require.NoError(t, a.Publish(ctx, chatID, chat.MessageDeleted(chatID, msgID)))
	}

	got := rec.waitFor(t, n)
	last := map[chat.ChatID]int{}
	for _, env := range got {
		var seq int
		_, err := fmt.Sscanf(string(env.Event.MessageID), "%d", &seq)
		require.NoError(t, err)
		if prev, ok := last[env.ChatID]; ok {
			assert.Greater(t, seq, prev, "events for %s out of order", env.ChatID)
		}
		last[env.ChatID] = seq
	}
	assert.Len(t, last, 3)
}

func testEnvelopeCarriesMessage(t *testing.T, factory Factory) {
	a, b := factory(t)
	cleanup(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 2*waitTimeout)
	defer cancel()

	rec, _ := subscribe(t, ctx, b, a)

	edited := time.Date(2024, 5, 1, 12, 30, 0, 123456789, time.UTC)
	msg := chat.Message{
		ID:        "m-1",
		ChatID:    "chat-1",
		SenderID:  "alice",
		Content:   "hello, world",
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 987654321, time.UTC),
		EditedAt:  &edited,
	}
	require.NoError(t, a.Publish(ctx, msg.ChatID, chat.MessageEdited(msg)))

	got := rec.waitFor(t, 1)
	require.NotNil(t, got[0].Event.Message)
	assert.Equal(t, msg.ID, got[0].Event.Message.ID)
	assert.Equal(t, msg.Content, got[0].Event.Message.Content)
	assert.True(t, msg.CreatedAt.Equal(got[0].Event.Message.CreatedAt))
	require.NotNil(t, got[0].Event.Message.EditedAt)
	assert.True(t, edited.Equal(*got[0].Event.Message.EditedAt))
}

func testHandlerErrorStopsSubscription(t *testing.T, factory Factory) {
	a, b := factory(t)
	cleanup(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 2*waitTimeout)
	defer cancel()

	boom := errors.New("boom")
	ready := make(chan struct{})
	var once sync.Once
	done := make(chan error, 1)
	go func() {
		done <- a.Subscribe(ctx, func(_ context.Context, env backplane.Envelope) error {
			if env.ChatID == probeChat {
				once.Do(func() { close(ready) })
				return nil
			}
			return boom
		})
	}()

	require.Eventually(t, func() bool {
		_ = a.Publish(ctx, probeChat, chat.MemberJoined(probeChat, "probe"))
		select {
		case <-ready:
			return true
		default:
			return false
		}
	}, waitTimeout, 10*time.Millisecond)

	require.NoError(t, a.Publish(ctx, "chat-1", chat.MemberJoined("chat-1", "alice")))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(waitTimeout):
		t.Fatal("subscription did not stop after handler error")
	}
}

func testContextCancellation(t *testing.T, factory Factory) {
	a, b := factory(t)
	cleanup(t, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	_, done := subscribe(t, ctx, a, a)

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitTimeout):
		t.Fatal("subscription did not stop after cancellation")
	}
}

func testPublishAfterClose(t *testing.T, factory Factory) {
	a, b := factory(t)
	cleanup(t, b)

	require.NoError(t, a.Close())
	err := a.Publish(context.Background(), "chat-1", chat.MemberJoined("chat-1", "alice"))
	assert.ErrorIs(t, err, backplane.ErrClosed)

	err = a.Subscribe(context.Background(), func(context.Context, backplane.Envelope) error { return nil })
	assert.ErrorIs(t, err, backplane.ErrClosed)

	// Close is idempotent.
	assert.NoError(t, a.Close())
}

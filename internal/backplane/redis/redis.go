// Package redis implements backplane.Backplane on Redis Streams.
//
// Chats are spread over a fixed set of streams by an FNV-1a hash of the chat
// id. A chat always maps to the same stream, so stream order is the per-chat
// publish order. Every instance reads all streams without a consumer group,
// which gives each instance its own copy of every event.
package redis

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/chatrelay/internal/backplane"
	"github.com/Tyrowin/chatrelay/internal/chat"
)

// Config contains configuration options for the Redis backplane.
type Config struct {
	// Client is the Redis client to use. If nil, a client for localhost:6379
	// is created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to every stream key. Defaults to
	// "chatrelay:backplane:".
	KeyPrefix string
	// Partitions is the number of streams chats are spread over. Every
	// instance of a deployment must use the same value. Defaults to 16.
	Partitions int
	// MaxLen caps each stream (approximate trimming). Defaults to 10000.
	MaxLen int64
	// Block bounds each XREAD wait. Defaults to one second.
	Block time.Duration
	// Origin identifies this instance in published envelopes.
	Origin string
	// ReconnectAttempts bounds the reconnect loop. Defaults to 10.
	ReconnectAttempts uint
	// ReconnectInitial and ReconnectMax shape the exponential backoff.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// PingTimeout bounds each reconnect attempt. Defaults to one second.
	PingTimeout time.Duration
	Logger      *slog.Logger
}

func (c *Config) sanitize() {
	if c.Client == nil {
		c.Client = redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "chatrelay:backplane:"
	}
	if c.Partitions <= 0 {
		c.Partitions = 16
	}
	if c.MaxLen <= 0 {
		c.MaxLen = 10000
	}
	if c.Block <= 0 {
		c.Block = time.Second
	}
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = 10
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = 100 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 5 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Backplane is a Redis Streams backed backplane.Backplane.
type Backplane struct {
	cfg        Config
	client     redis.UniversalClient
	ownsClient bool
	keys       []string
	logger     *slog.Logger

	healthy atomic.Bool
	closed  atomic.Bool

	reconnectMu  sync.Mutex
	reconnecting atomic.Bool
	bgCtx        context.Context
	bgCancel     context.CancelFunc
}

// New creates a Redis backplane. It does not contact Redis; use Ping to
// verify connectivity at startup.
func New(cfg Config) *Backplane {
	ownsClient := cfg.Client == nil
	cfg.sanitize()

	keys := make([]string, cfg.Partitions)
	for i := range keys {
		keys[i] = cfg.KeyPrefix + "stream:" + strconv.Itoa(i)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Backplane{
		cfg:        cfg,
		client:     cfg.Client,
		ownsClient: ownsClient,
		keys:       keys,
		logger:     cfg.Logger,
		bgCtx:      ctx,
		bgCancel:   cancel,
	}
	b.healthy.Store(true)
	return b
}

// Ping checks connectivity to Redis.
func (b *Backplane) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return backplane.Unavailable(err)
	}
	return nil
}

// Healthy reports whether the backplane currently accepts publishes.
func (b *Backplane) Healthy() bool { return b.healthy.Load() }

func (b *Backplane) streamKey(chatID chat.ChatID) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(chatID))
	return b.keys[h.Sum32()%uint32(len(b.keys))]
}

// Publish implements backplane.Backplane. While the connection to Redis is
// being re-established it fails immediately with backplane.ErrUnavailable.
func (b *Backplane) Publish(ctx context.Context, chatID chat.ChatID, event chat.Event) error {
	if b.closed.Load() {
		return backplane.ErrClosed
	}
	if !b.healthy.Load() {
		return backplane.Unavailable(errors.New("reconnecting to redis"))
	}

	data, err := backplane.Encode(backplane.Envelope{
		Origin: b.cfg.Origin,
		ChatID: chatID,
		Event:  event,
	})
	if err != nil {
		return err
	}

	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(chatID),
		MaxLen: b.cfg.MaxLen,
		Approx: true,
		Values: map[string]any{"d": data},
	}).Err()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		b.markUnhealthy(err)
		if b.reconnecting.CompareAndSwap(false, true) {
			go func() {
				defer b.reconnecting.Store(false)
				_ = b.reconnect(b.bgCtx)
			}()
		}
		return backplane.Unavailable(err)
	}
	return nil
}

// Subscribe implements backplane.Backplane. It starts after the newest
// entry of every stream and, across reconnects, resumes from the last entry
// it delivered, so no event published after Subscribe started is skipped.
func (b *Backplane) Subscribe(ctx context.Context, handler backplane.Handler) error {
	if b.closed.Load() {
		return backplane.ErrClosed
	}

	lastIDs, err := b.startIDs(ctx)
	if err != nil {
		return err
	}
	partition := make(map[string]int, len(b.keys))
	for i, key := range b.keys {
		partition[key] = i
	}

	args := make([]string, 2*len(b.keys))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if b.closed.Load() {
			return nil
		}

		copy(args, b.keys)
		copy(args[len(b.keys):], lastIDs)

		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: args,
			Count:   100,
			Block:   b.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if b.closed.Load() {
				return nil
			}
			b.markUnhealthy(err)
			if err := b.reconnect(ctx); err != nil {
				return err
			}
			continue
		}

		for _, stream := range streams {
			idx, ok := partition[stream.Stream]
			if !ok {
				continue
			}
			for _, msg := range stream.Messages {
				lastIDs[idx] = msg.ID

				env, err := backplane.Decode(payload(msg.Values["d"]))
				if err != nil {
					// Skip malformed entries and continue from the next one.
					b.logger.Warn("skipping malformed backplane entry",
						slog.String("stream", stream.Stream),
						slog.String("id", msg.ID),
						slog.Any("error", err))
					continue
				}
				env.ID = msg.ID

				if err := handler(ctx, env); err != nil {
					return err
				}
			}
		}
	}
}

func payload(v any) []byte {
	switch d := v.(type) {
	case string:
		return []byte(d)
	case []byte:
		return d
	default:
		return nil
	}
}

// startIDs resolves the newest entry id of every stream. Reading with a
// literal "$" on each call could skip entries added between two reads.
func (b *Backplane) startIDs(ctx context.Context) ([]string, error) {
	ids := make([]string, len(b.keys))
	for i, key := range b.keys {
		entries, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, backplane.Unavailable(fmt.Errorf("read tail of %s: %w", key, err))
		}
		if len(entries) == 0 {
			ids[i] = "0-0"
			continue
		}
		ids[i] = entries[0].ID
	}
	return ids, nil
}

func (b *Backplane) markUnhealthy(err error) {
	if b.healthy.CompareAndSwap(true, false) {
		b.logger.Warn("backplane connection lost", slog.Any("error", err))
	}
}

// reconnect pings Redis with bounded exponential backoff until it answers.
// Concurrent callers wait for the attempt in progress and reuse its outcome.
func (b *Backplane) reconnect(ctx context.Context) error {
	b.reconnectMu.Lock()
	defer b.reconnectMu.Unlock()

	if b.healthy.Load() {
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.ReconnectInitial
	bo.MaxInterval = b.cfg.ReconnectMax

	_, err := backoff.Retry(ctx, func() (string, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, b.cfg.PingTimeout)
		defer cancel()
		return b.client.Ping(attemptCtx).Result()
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(b.cfg.ReconnectAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			b.logger.Warn("backplane reconnect attempt failed",
				slog.Any("error", err),
				slog.Duration("retry_in", next))
		}),
	)
	if err != nil {
		b.logger.Error("backplane reconnect gave up",
			slog.Uint64("attempts", uint64(b.cfg.ReconnectAttempts)),
			slog.Any("error", err))
		return backplane.Unavailable(err)
	}

	b.healthy.Store(true)
	b.logger.Info("backplane connection restored")
	return nil
}

// Close stops background reconnects. The Redis client is closed only when
// the backplane created it.
func (b *Backplane) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.bgCancel()
	if b.ownsClient {
		return b.client.Close()
	}
	return nil
}

var _ backplane.Backplane = (*Backplane)(nil)

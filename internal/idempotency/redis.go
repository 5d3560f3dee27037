package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

// Redis is a Store shared by every instance using the same Redis.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedis creates a Redis store. Keys are written as prefix + Key.String().
func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = "chatrelay:idem:"
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(k Key) string { return r.prefix + k.String() }

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key Key) (chat.Message, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return chat.Message{}, false, nil
	}
	if err != nil {
		return chat.Message{}, false, fmt.Errorf("idempotency get: %w", err)
	}

	var msg chat.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return chat.Message{}, false, fmt.Errorf("idempotency decode: %w", err)
	}
	return msg, true, nil
}

// Put implements Store.
func (r *Redis) Put(ctx context.Context, key Key, msg chat.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("idempotency encode: %w", err)
	}
	if err := r.client.Set(ctx, r.key(key), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency put: %w", err)
	}
	return nil
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Redis)(nil)
)

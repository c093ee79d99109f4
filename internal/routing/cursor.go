package routing

import (
	"context"
	"sync"

	"contact-center/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Cursor is the shared round-robin rotation state. Next must be one atomic
// read-increment so concurrent decisions for the same rule never land on the
// same slot out of turn.
type Cursor interface {
	Next(ctx context.Context, key string, n int) (int, error)
}

type MemoryCursor struct {
	mu   sync.Mutex
	next map[string]uint64
}

func NewMemoryCursor() *MemoryCursor { return &MemoryCursor{next: make(map[string]uint64)} }

func (c *MemoryCursor) Next(_ context.Context, key string, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.next[key]
	c.next[key] = v + 1
	return int(v % uint64(n)), nil
}

// RedisCursor shares rotation across API processes with a Lua INCR.
type RedisCursor struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisCursor(rdb *redis.Client) *RedisCursor {
	return &RedisCursor{rdb: rdb, prefix: "cc:rr_cursor:"}
}

func (c *RedisCursor) Next(ctx context.Context, key string, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	return utils.NextCursor(ctx, c.rdb, c.prefix+key, n)
}

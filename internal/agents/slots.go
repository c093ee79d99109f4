package agents

import (
	"context"
	"sync"
	"time"

	"contact-center/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Slots are the shared agent active-call counters. Acquire is an atomic
// check-and-increment; two concurrent assignments can never push an agent past
// its limit.
type Slots interface {
	Acquire(ctx context.Context, agentID string, limit int) (bool, error)
	Release(ctx context.Context, agentID string) error
	Active(ctx context.Context, agentID string) (int, error)
}

type MemorySlots struct {
	mu     sync.Mutex
	active map[string]int
}

func NewMemorySlots() *MemorySlots { return &MemorySlots{active: make(map[string]int)} }

func (s *MemorySlots) Acquire(_ context.Context, agentID string, limit int) (bool, error) {
	if limit <= 0 {
		limit = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[agentID] >= limit {
		return false, nil
	}
	s.active[agentID]++
	return true, nil
}

func (s *MemorySlots) Release(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[agentID] <= 1 {
		delete(s.active, agentID)
		return nil
	}
	s.active[agentID]--
	return nil
}

func (s *MemorySlots) Active(_ context.Context, agentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[agentID], nil
}

// RedisSlots keeps counters in Redis so several API processes share them.
// The TTL bounds slots leaked by a crashed process.
type RedisSlots struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisSlots(rdb *redis.Client, ttl time.Duration) *RedisSlots {
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	return &RedisSlots{rdb: rdb, prefix: "cc:agent_slots:", ttl: ttl}
}

func (s *RedisSlots) Acquire(ctx context.Context, agentID string, limit int) (bool, error) {
	if limit <= 0 {
		limit = 1
	}
	return utils.AcquireSlot(ctx, s.rdb, s.prefix+agentID, limit, s.ttl)
}

func (s *RedisSlots) Release(ctx context.Context, agentID string) error {
	return utils.ReleaseSlot(ctx, s.rdb, s.prefix+agentID)
}

func (s *RedisSlots) Active(ctx context.Context, agentID string) (int, error) {
	return utils.SlotCount(ctx, s.rdb, s.prefix+agentID)
}

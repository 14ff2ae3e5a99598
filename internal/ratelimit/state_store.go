package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/activity-migrator/internal/models"
	"github.com/redis/go-redis/v9"
)

// StateStore persists the single global RateLimitState row. Load returns
// nil without error when nothing has been recorded yet.
type StateStore interface {
	Load(ctx context.Context) (*models.RateLimitState, error)
	Save(ctx context.Context, state models.RateLimitState) error
}

// RedisStateStore keeps the state in one Redis hash shared by every process.
type RedisStateStore struct {
	redis redis.Cmdable
	key   string
	ttl   time.Duration
}

// RedisStateStoreConfig holds configuration for RedisStateStore.
type RedisStateStoreConfig struct {
	// Redis is required.
	Redis redis.Cmdable
	// Key is the hash key. Default: migrator:ratelimit.
	Key string
	// TTL bounds how long a stale estimate survives. Default: 48h.
	TTL time.Duration
}

// NewRedisStateStore creates a Redis-backed state store.
func NewRedisStateStore(cfg *RedisStateStoreConfig) (*RedisStateStore, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Redis == nil {
		return nil, errors.New("redis client is required")
	}

	s := &RedisStateStore{redis: cfg.Redis, key: cfg.Key, ttl: cfg.TTL}
	if s.key == "" {
		s.key = DefaultStateKey
	}
	if s.ttl == 0 {
		s.ttl = DefaultStateTTL
	}
	return s, nil
}

const (
	fieldUsage15   = "usage15min"
	fieldLimit15   = "limit15min"
	fieldUsageDay  = "usageDaily"
	fieldLimitDay  = "limitDaily"
	fieldResetAt   = "windowResetAt"
	fieldUpdatedAt = "updatedAt"
)

// Load reads the hash. A missing key means no state.
func (s *RedisStateStore) Load(ctx context.Context) (*models.RateLimitState, error) {
	vals, err := s.redis.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load rate limit state: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}

	ints := make(map[string]int64, len(vals))
	for _, f := range []string{fieldUsage15, fieldLimit15, fieldUsageDay, fieldLimitDay, fieldResetAt, fieldUpdatedAt} {
		n, err := strconv.ParseInt(vals[f], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt rate limit field %s: %w", f, err)
		}
		ints[f] = n
	}

	return &models.RateLimitState{
		Usage15Min:    int(ints[fieldUsage15]),
		Limit15Min:    int(ints[fieldLimit15]),
		UsageDaily:    int(ints[fieldUsageDay]),
		LimitDaily:    int(ints[fieldLimitDay]),
		WindowResetAt: time.UnixMilli(ints[fieldResetAt]).UTC(),
		UpdatedAt:     time.UnixMilli(ints[fieldUpdatedAt]).UTC(),
	}, nil
}

// Save overwrites the hash and refreshes its TTL in one round trip.
func (s *RedisStateStore) Save(ctx context.Context, state models.RateLimitState) error {
	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, s.key, map[string]interface{}{
		fieldUsage15:   state.Usage15Min,
		fieldLimit15:   state.Limit15Min,
		fieldUsageDay:  state.UsageDaily,
		fieldLimitDay:  state.LimitDaily,
		fieldResetAt:   state.WindowResetAt.UnixMilli(),
		fieldUpdatedAt: state.UpdatedAt.UnixMilli(),
	})
	pipe.Expire(ctx, s.key, s.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save rate limit state: %w", err)
	}
	return nil
}

// MemoryStateStore holds the state in process. Constructed with a fixed
// snapshot it gives ticks a deterministic budget.
type MemoryStateStore struct {
	mu    sync.Mutex
	state *models.RateLimitState
}

// NewMemoryStateStore creates a store seeded with initial, which may be nil.
func NewMemoryStateStore(initial *models.RateLimitState) *MemoryStateStore {
	s := &MemoryStateStore{}
	if initial != nil {
		c := *initial
		s.state = &c
	}
	return s
}

func (s *MemoryStateStore) Load(ctx context.Context) (*models.RateLimitState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil, nil
	}
	c := *s.state
	return &c, nil
}

func (s *MemoryStateStore) Save(ctx context.Context, state models.RateLimitState) error {
	s.mu.Lock()
	s.state = &state
	s.mu.Unlock()
	return nil
}

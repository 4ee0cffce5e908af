package payroll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrDuplicateRun means another run with the same idempotency key is
// in flight; the caller must not start a second one.
var ErrDuplicateRun = errors.New("payroll run already in progress for this idempotency key")

const pendingMarker = "pending"

// LeaseStore is the key-value surface the guard needs.
type LeaseStore interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Guard serializes payroll runs per idempotency key and replays the
// stored result of a finished run for the lease lifetime.
type Guard struct {
	store  LeaseStore
	prefix string
	ttl    time.Duration
}

// NewGuard creates a guard; results are replayable for ttl.
func NewGuard(store LeaseStore, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Guard{store: store, prefix: "payroll:idem:", ttl: ttl}
}

// Begin takes the lease for key. It returns a replayed result if a
// prior run finished, ErrDuplicateRun if one is in flight, or
// (nil, nil) when the caller now owns the run.
func (g *Guard) Begin(ctx context.Context, key string) (*Result, error) {
	ok, err := g.store.SetNX(ctx, g.prefix+key, pendingMarker, g.ttl)
	if err != nil {
		return nil, fmt.Errorf("idempotency lease: %w", err)
	}
	if ok {
		return nil, nil
	}

	val, found, err := g.store.Get(ctx, g.prefix+key)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	if !found || val == pendingMarker {
		return nil, ErrDuplicateRun
	}
	if val == "" {
		// Abandoned run; take over the lease.
		if err := g.store.Set(ctx, g.prefix+key, pendingMarker, g.ttl); err != nil {
			return nil, fmt.Errorf("idempotency lease: %w", err)
		}
		return nil, nil
	}

	var result Result
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return nil, fmt.Errorf("decode stored result: %w", err)
	}
	result.Replayed = true
	return &result, nil
}

// Finish stores the run's result for replay.
func (g *Guard) Finish(ctx context.Context, key string, result *Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return g.store.Set(ctx, g.prefix+key, string(data), g.ttl)
}

// Abandon releases the lease without a result, so the caller may retry
// after a run that never created a payroll.
func (g *Guard) Abandon(ctx context.Context, key string) error {
	return g.store.Set(ctx, g.prefix+key, "", time.Second)
}

// RedisLeaseStore implements LeaseStore on Redis.
type RedisLeaseStore struct {
	rdb redis.Cmdable
}

// NewRedisLeaseStore wraps a Redis client.
func NewRedisLeaseStore(rdb redis.Cmdable) *RedisLeaseStore {
	return &RedisLeaseStore{rdb: rdb}
}

func (s *RedisLeaseStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisLeaseStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisLeaseStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

// MemoryLeaseStore is an in-process LeaseStore for tests and demos.
type MemoryLeaseStore struct {
	mu      sync.Mutex
	entries map[string]memoryLease
}

type memoryLease struct {
	value   string
	expires time.Time
}

// NewMemoryLeaseStore creates an empty in-memory lease store.
func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{entries: make(map[string]memoryLease)}
}

func (s *MemoryLeaseStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lease, ok := s.entries[key]; ok && time.Now().Before(lease.expires) {
		return false, nil
	}
	s.entries[key] = memoryLease{value: value, expires: time.Now().Add(ttl)}
	return true, nil
}

func (s *MemoryLeaseStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, ok := s.entries[key]
	if !ok || time.Now().After(lease.expires) {
		return "", false, nil
	}
	return lease.value, true, nil
}

func (s *MemoryLeaseStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memoryLease{value: value, expires: time.Now().Add(ttl)}
	return nil
}

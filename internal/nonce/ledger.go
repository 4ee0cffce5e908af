package nonce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNonceUsed is returned when an authorization nonce has already been
// consumed.
var ErrNonceUsed = errors.New("nonce already consumed")

// Store is the key-value surface the ledger needs. RedisStore backs it
// in production; MemoryStore backs tests and demo mode.
type Store interface {
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Ledger records consumed authorization nonces. The settlement
// facilitator stays authoritative for replay prevention; this ledger is
// a local first line that also covers demo mode, where no facilitator
// is consulted.
type Ledger struct {
	store  Store
	prefix string
}

// NewLedger creates a nonce ledger over the given store.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, prefix: "x402:nonce:"}
}

// Consume marks a nonce as used. The entry expires when the
// authorization itself does, so the ledger never outgrows the window
// in which a replay could verify.
func (l *Ledger) Consume(ctx context.Context, nonce string, validBefore time.Time) error {
	ttl := time.Until(validBefore)
	if ttl <= 0 {
		ttl = time.Minute
	}

	ok, err := l.store.SetNX(ctx, l.prefix+nonce, ttl)
	if err != nil {
		return fmt.Errorf("nonce ledger: %w", err)
	}
	if !ok {
		return ErrNonceUsed
	}
	return nil
}

// Seen reports whether a nonce has been consumed.
func (l *Ledger) Seen(ctx context.Context, nonce string) (bool, error) {
	return l.store.Exists(ctx, l.prefix+nonce)
}

// RedisStore implements Store on a Redis client.
type RedisStore struct {
	rdb redis.Cmdable
}

// NewRedisStore wraps a Redis client.
func NewRedisStore(rdb redis.Cmdable) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, "1", ttl).Result()
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// MemoryStore is an in-process Store for tests and single-node demos.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]time.Time)}
}

func (s *MemoryStore) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, ok := s.entries[key]; ok && time.Now().Before(exp) {
		return false, nil
	}
	s.entries[key] = time.Now().Add(ttl)
	return true, nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.entries[key]
	return ok && time.Now().Before(exp), nil
}

package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Registry is the shared key-value store the Matchmaker keeps open rooms in.
// Every write carries a time-to-live; expired keys read as ErrNotFound.
// Implementations need not offer transactions, and the Matchmaker does not assume any.
type Registry interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryRegistry is a process-local Registry, used when no shared store is configured and in tests
type MemoryRegistry struct {
	mutex   sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryRegistry creates an empty MemoryRegistry on the wall clock
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (registry *MemoryRegistry) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	entry, exists := registry.entries[key]
	if !exists {
		return nil, ErrNotFound
	}
	if !entry.expiresAt.IsZero() && !registry.now().Before(entry.expiresAt) {
		delete(registry.entries, key)
		return nil, ErrNotFound
	}

	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, nil
}

func (registry *MemoryRegistry) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	entry := memoryEntry{value: make([]byte, len(value))}
	copy(entry.value, value)
	if ttl > 0 {
		entry.expiresAt = registry.now().Add(ttl)
	}
	registry.entries[key] = entry
	return nil
}

func (registry *MemoryRegistry) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	delete(registry.entries, key)
	return nil
}

// RedisRegistry stores registry entries in Redis, so several room servers can share one open-room list
type RedisRegistry struct {
	client *redis.Client
}

// NewRedisRegistry wraps an existing client
func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

// DialRedisRegistry connects to addr and checks the connection with a PING
func DialRedisRegistry(ctx context.Context, addr string, db int) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedisRegistry(client), nil
}

func (registry *RedisRegistry) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := registry.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return value, err
}

func (registry *RedisRegistry) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return registry.client.Set(ctx, key, value, ttl).Err()
}

func (registry *RedisRegistry) Delete(ctx context.Context, key string) error {
	return registry.client.Del(ctx, key).Err()
}

// Close releases the underlying Redis connections
func (registry *RedisRegistry) Close() error {
	return registry.client.Close()
}

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/opstrat-data/pkg/marketdata"
	"github.com/redis/go-redis/v9"
)

// HotTier is the fast lookup layer in front of the disk tier.
// Implementations must return entries the caller may mutate.
type HotTier interface {
	Get(ctx context.Context, key Key) (*Entry, bool, error)
	Set(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, key Key) error
	Name() string
}

// MemoryHotTier keeps entries for the lifetime of the process.
type MemoryHotTier struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryHotTier creates an empty in-process hot tier.
func NewMemoryHotTier() *MemoryHotTier {
	return &MemoryHotTier{entries: make(map[string]*Entry)}
}

func (m *MemoryHotTier) Get(_ context.Context, key Key) (*Entry, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key.String()]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return e.clone(), true, nil
}

func (m *MemoryHotTier) Set(_ context.Context, e *Entry) error {
	c := e.clone()
	m.mu.Lock()
	m.entries[e.Key.String()] = c
	m.mu.Unlock()
	return nil
}

func (m *MemoryHotTier) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	delete(m.entries, key.String())
	m.mu.Unlock()
	return nil
}

func (m *MemoryHotTier) Name() string { return "memory" }

// Len returns the number of entries held.
func (m *MemoryHotTier) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// RedisKeyPrefix prefixes hot tier keys in Redis.
const RedisKeyPrefix = "opstrat:hot:"

// RedisHotTier shares entries between processes through Redis.
type RedisHotTier struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisHotTier creates a Redis-backed hot tier. Entries expire after ttl
// (0 keeps them until deleted).
func NewRedisHotTier(client *redis.Client, ttl time.Duration) *RedisHotTier {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return &RedisHotTier{client: client, ttl: ttl}
}

// redisEntry is the JSON form of an Entry.
type redisEntry struct {
	Key       string             `json:"key"`
	Series    *marketdata.Series `json:"series"`
	FetchedAt time.Time          `json:"fetched_at"`
	Complete  bool               `json:"complete"`
}

func (r *RedisHotTier) Get(ctx context.Context, key Key) (*Entry, bool, error) {
	data, err := r.client.Get(ctx, RedisKeyPrefix+key.String()).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var re redisEntry
	if err := json.Unmarshal(data, &re); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if re.Key != key.String() || re.Series == nil {
		return nil, false, fmt.Errorf("%w: key %q", ErrInvalidEntry, re.Key)
	}
	return &Entry{Key: key, Series: re.Series, FetchedAt: re.FetchedAt, Complete: re.Complete}, true, nil
}

func (r *RedisHotTier) Set(ctx context.Context, e *Entry) error {
	data, err := json.Marshal(redisEntry{
		Key:       e.Key.String(),
		Series:    e.Series,
		FetchedAt: e.FetchedAt,
		Complete:  e.Complete,
	})
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := r.client.Set(ctx, RedisKeyPrefix+e.Key.String(), string(data), r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisHotTier) Delete(ctx context.Context, key Key) error {
	if err := r.client.Del(ctx, RedisKeyPrefix+key.String()).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *RedisHotTier) Name() string { return "redis" }

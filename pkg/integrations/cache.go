package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
	"github.com/otherjamesbrown/vcmatrix/pkg/observability"
)

// DefaultCacheTTL applies when a client is given no TTL.
const DefaultCacheTTL = 15 * time.Minute

// Cache stores JSON-encodable responses by key.
type Cache interface {
	// Get decodes the value for key into dest and reports whether it was found.
	Get(ctx context.Context, key string, dest any) (bool, error)
	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

// CacheKey joins parts into a normalised key: lower-cased, trimmed,
// whitespace collapsed.
func CacheKey(service string, parts ...string) string {
	norm := make([]string, 0, len(parts)+1)
	norm = append(norm, service)
	for _, p := range parts {
		norm = append(norm, strings.Join(strings.Fields(strings.ToLower(p)), " "))
	}
	return strings.Join(norm, ":")
}

// Cached returns the cached value for key or calls fn and caches its result.
// Cache failures are logged and never fail the call.
func Cached[T any](ctx context.Context, c Cache, metrics *observability.Metrics, logger logging.Logger,
	service, key string, ttl time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if c == nil {
		return fn(ctx)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	var cached T
	hit, err := c.Get(ctx, key, &cached)
	if err != nil {
		logger.Warn("Cache read failed", logging.F("key", key), logging.Err(err))
	}
	metrics.RecordCacheLookup(service, hit)
	if hit {
		return cached, nil
	}

	v, err := fn(ctx)
	if err != nil {
		return v, err
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if err := c.Set(ctx, key, v, ttl); err != nil {
		logger.Warn("Cache write failed", logging.F("key", key), logging.Err(err))
	}
	return v, nil
}

// RedisCache keeps entries in Redis under a key prefix.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a Redis-backed cache.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: "vcm:cache:"}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("decode cached value: %w", err)
	}
	return true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cached value: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process Cache for tests and single-process mode.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]memoryEntry{}, now: time.Now}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key string, dest any) (bool, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(e.data, dest)
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.entries[key] = memoryEntry{data: data, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Len returns the number of live entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	now := c.now()
	for _, e := range c.entries {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

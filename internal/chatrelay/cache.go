package chatrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultCacheTTL       = 15 * time.Second
	defaultCacheKeyPrefix = "chatrelay:"
)

// CompletionEntry is the short-lived record shared between the attempt owner
// and concurrent pollers of the same delivery.
type CompletionEntry struct {
	Completed bool   `json:"completed"`
	Result    string `json:"result"`
	Tries     int    `json:"tries"`
	ReplyID   int64  `json:"replyId,omitempty"`
}

type CompletionCache interface {
	Get(ctx context.Context, key string) (CompletionEntry, bool, error)
	Set(ctx context.Context, key string, entry CompletionEntry) error
	SetNX(ctx context.Context, key string, entry CompletionEntry) (bool, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

type CacheOptions struct {
	TTL             time.Duration
	CleanupInterval time.Duration
	KeyPrefix       string
}

func (o CacheOptions) withDefaults() CacheOptions {
	if o.TTL <= 0 {
		o.TTL = DefaultCacheTTL
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 2 * o.TTL
	}
	if strings.TrimSpace(o.KeyPrefix) == "" {
		o.KeyPrefix = defaultCacheKeyPrefix
	}
	return o
}

type memoryCompletionCache struct {
	ttl   time.Duration
	cache *gocache.Cache
}

func NewMemoryCompletionCache(opts CacheOptions) CompletionCache {
	opts = opts.withDefaults()
	return &memoryCompletionCache{
		ttl:   opts.TTL,
		cache: gocache.New(opts.TTL, opts.CleanupInterval),
	}
}

func (c *memoryCompletionCache) Get(_ context.Context, key string) (CompletionEntry, bool, error) {
	value, found := c.cache.Get(key)
	if !found {
		return CompletionEntry{}, false, nil
	}
	entry, ok := value.(CompletionEntry)
	if !ok {
		return CompletionEntry{}, false, fmt.Errorf("cache entry %s has type %T", key, value)
	}
	return entry, true, nil
}

func (c *memoryCompletionCache) Set(_ context.Context, key string, entry CompletionEntry) error {
	c.cache.Set(key, entry, c.ttl)
	return nil
}

func (c *memoryCompletionCache) SetNX(_ context.Context, key string, entry CompletionEntry) (bool, error) {
	if err := c.cache.Add(key, entry, c.ttl); err != nil {
		return false, nil
	}
	return true, nil
}

func (c *memoryCompletionCache) Delete(_ context.Context, key string) error {
	c.cache.Delete(key)
	return nil
}

func (c *memoryCompletionCache) Close() error {
	c.cache.Flush()
	return nil
}

type redisCompletionCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisCompletionCache(dsn string, opts CacheOptions) (CompletionCache, error) {
	redisOpts, err := redis.ParseURL(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("parse redis dsn: %w", err)
	}
	return NewRedisCompletionCacheWithClient(redis.NewClient(redisOpts), opts), nil
}

func NewRedisCompletionCacheWithClient(client *redis.Client, opts CacheOptions) CompletionCache {
	opts = opts.withDefaults()
	return &redisCompletionCache{
		client: client,
		ttl:    opts.TTL,
		prefix: opts.KeyPrefix,
	}
}

func (c *redisCompletionCache) Get(ctx context.Context, key string) (CompletionEntry, bool, error) {
	payload, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return CompletionEntry{}, false, nil
	}
	if err != nil {
		return CompletionEntry{}, false, err
	}
	var entry CompletionEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return CompletionEntry{}, false, err
	}
	return entry, true, nil
}

func (c *redisCompletionCache) Set(ctx context.Context, key string, entry CompletionEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+key, payload, c.ttl).Err()
}

func (c *redisCompletionCache) SetNX(ctx context.Context, key string, entry CompletionEntry) (bool, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return false, err
	}
	return c.client.SetNX(ctx, c.prefix+key, payload, c.ttl).Result()
}

func (c *redisCompletionCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}

func (c *redisCompletionCache) Close() error {
	return c.client.Close()
}

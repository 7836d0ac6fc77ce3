package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/parcelhub/jobcore/internal/cache"
)

const scanBatch = 500

// Cache is a cache.Cache backed by Redis strings with expiry.
type Cache struct {
	client goredis.UniversalClient
	settings
}

var _ cache.Cache = (*Cache)(nil)

// NewCache creates a Cache. The caller owns the client.
func NewCache(client goredis.UniversalClient, opts ...Option) *Cache {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return &Cache{client: client, settings: newSettings(opts)}
}

// Get implements cache.Cache.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := c.client.Get(ctx, c.cacheKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, cache.ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", cache.ErrUnavailable, key, err)
	}
	return value, nil
}

// Set implements cache.Cache.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: %s for %s", cache.ErrInvalidTTL, ttl, key)
	}
	if err := c.client.Set(ctx, c.cacheKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %w", cache.ErrUnavailable, key, err)
	}
	return nil
}

// DeletePrefix implements cache.Cache with SCAN and UNLINK so large key
// spaces are never walked in a single blocking call.
func (c *Cache) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	match := escapeGlob(c.cacheKey(prefix)) + "*"

	var (
		cursor  uint64
		removed int64
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: scan %s: %w", cache.ErrUnavailable, prefix, err)
		}
		if len(keys) > 0 {
			n, err := c.client.Unlink(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("%w: unlink %s: %w", cache.ErrUnavailable, prefix, err)
			}
			removed += n
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// Loader reads through a Cache: on a miss it computes the value, stores it
// and returns it. Concurrent misses for one key share a single computation.
type Loader struct {
	cache  Cache
	group  singleflight.Group
	logger *slog.Logger
}

// NewLoader creates a Loader over c.
func NewLoader(c Cache, logger *slog.Logger) *Loader {
	if c == nil {
		panic("cache cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{cache: c, logger: logger.With("component", "cache_loader")}
}

// Load returns the cached value for key or computes and stores it. Cache
// failures are logged and never prevent the computed value from being
// returned.
func (l *Loader) Load(
	ctx context.Context,
	key Key,
	ttl time.Duration,
	compute func(ctx context.Context) ([]byte, error),
) ([]byte, error) {
	k := key.String()

	value, err := l.cache.Get(ctx, k)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, ErrMiss) {
		l.logger.Warn("cache read failed, computing", "key", k, "error", err)
	}

	v, err, shared := l.group.Do(k, func() (interface{}, error) {
		computed, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if err := l.cache.Set(ctx, k, computed, ttl); err != nil {
			l.logger.Warn("cache write failed", "key", k, "error", err)
		}
		return computed, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		l.logger.Debug("cache miss collapsed", "key", k)
	}
	return v.([]byte), nil
}

// LoadJSON is Load for JSON-encoded values.
func LoadJSON[T any](
	ctx context.Context,
	l *Loader,
	key Key,
	ttl time.Duration,
	compute func(ctx context.Context) (T, error),
) (T, error) {
	var out T
	raw, err := l.Load(ctx, key, ttl, func(ctx context.Context) ([]byte, error) {
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode cached %s: %w", key.String(), err)
	}
	return out, nil
}

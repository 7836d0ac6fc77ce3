package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by this package.
const DefaultPrefix = "jobcore:"

// Open parses a redis:// URL, connects and pings the server.
func Open(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := goredis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type settings struct {
	prefix string
	now    func() time.Time
	poll   time.Duration
	logger *slog.Logger
}

// Option configures the Redis-backed components.
type Option func(*settings)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(s *settings) { s.prefix = prefix }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// WithPollInterval sets how long an idle Dequeue sleeps between claim attempts.
func WithPollInterval(d time.Duration) Option {
	return func(s *settings) { s.poll = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

func newSettings(opts []Option) settings {
	s := settings{
		prefix: DefaultPrefix,
		now:    time.Now,
		poll:   250 * time.Millisecond,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Package redis provides the shared Redis client, a distributed lock and an
// idempotency response cache.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	goredis "github.com/redis/go-redis/v9"
)

// Config holds Redis configuration
type Config struct {
	Addr      string `envconfig:"REDIS_ADDR"`
	Password  string `envconfig:"REDIS_PASSWORD"`
	DB        int    `envconfig:"REDIS_DB" default:"0"`
	KeyPrefix string `envconfig:"REDIS_KEY_PREFIX" default:"billing:"`
}

// Enabled reports whether a Redis address is configured
func (c Config) Enabled() bool {
	return c.Addr != ""
}

// New connects to Redis and verifies the connection
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	logger.Info("redis connection established", "addr", cfg.Addr, "db", cfg.DB)
	return client, nil
}

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// ErrLockHeld is returned when another holder owns the lock
var ErrLockHeld = errors.New("lock held by another owner")

// Locker is a single-instance Redis lock (SET NX PX with token checked release).
type Locker struct {
	client goredis.Cmdable
	prefix string
	script *goredis.Script
}

// NewLocker creates a locker whose keys are namespaced by prefix
func NewLocker(client goredis.Cmdable, prefix string) *Locker {
	return &Locker{
		client: client,
		prefix: prefix,
		script: goredis.NewScript(lockReleaseScript),
	}
}

// Acquire takes the lock for ttl. It returns ErrLockHeld when the lock is taken.
// The returned release func is safe to call after the ttl expired.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	if key == "" {
		return nil, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}

	fullKey := l.prefix + "lock:" + key
	token := ulid.Make().String()

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	release := func(ctx context.Context) error {
		if err := l.script.Run(ctx, l.client, []string{fullKey}, token).Err(); err != nil {
			return fmt.Errorf("releasing lock %s: %w", key, err)
		}
		return nil
	}
	return release, nil
}

// IdempotencyStore caches HTTP responses by Idempotency-Key.
type IdempotencyStore struct {
	client goredis.Cmdable
	prefix string
}

// NewIdempotencyStore creates a Redis backed idempotency store
func NewIdempotencyStore(client goredis.Cmdable, prefix string) *IdempotencyStore {
	return &IdempotencyStore{client: client, prefix: prefix + "idem:"}
}

// Get returns a cached response
func (s *IdempotencyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting idempotency key: %w", err)
	}
	return data, true, nil
}

// Set caches a response for ttl
func (s *IdempotencyStore) Set(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+key, response, ttl).Err(); err != nil {
		return fmt.Errorf("setting idempotency key: %w", err)
	}
	return nil
}

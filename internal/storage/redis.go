package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ferro-labs/credstore/internal/config"
	"github.com/ferro-labs/credstore/internal/model"
)

// errMissingKVConfig is reported when cloud mode has no KV URL or token.
var errMissingKVConfig = errors.New("KV_REST_API_URL and KV_REST_API_TOKEN must be set")

// RedisBackend keeps the collection as one JSON string under a single key in
// a Redis-compatible KV store (Vercel KV, Upstash, plain Redis).
//
// The client is built on first use and memoised together with any
// configuration error, so a process without KV credentials starts normally
// and reports ErrUnavailable on every store call.
type RedisBackend struct {
	key     string
	timeout time.Duration
	logger  *slog.Logger
	client  func() (*redis.Client, error)
	created atomic.Bool

	mu     sync.Mutex
	closed bool
}

// NewRedisBackend returns a lazily connecting backend for cfg.
func NewRedisBackend(cfg config.RedisStorage, timeout time.Duration, logger *slog.Logger) *RedisBackend {
	if logger == nil {
		logger = slog.Default()
	}
	key := cfg.Key
	if key == "" {
		key = config.DefaultRedisKey
	}
	b := &RedisBackend{key: key, timeout: timeout, logger: logger}
	b.client = sync.OnceValues(func() (*redis.Client, error) {
		opts, err := RedisOptions(cfg, timeout)
		if err != nil {
			logger.Error("redis backend not configured", "error", err)
			return nil, err
		}
		logger.Info("redis backend client created", "addr", opts.Addr, "key", key)
		b.created.Store(true)
		return redis.NewClient(opts), nil
	})
	return b
}

// RedisOptions translates the configured URL and token into client options.
//
// redis:// and rediss:// URLs are parsed as-is, with the token used as the
// password when the URL has none. An https:// URL is taken to be a Vercel
// KV / Upstash REST endpoint whose host also serves the Redis protocol over
// TLS on port 6379 with user "default" and the token as password.
func RedisOptions(cfg config.RedisStorage, timeout time.Duration) (*redis.Options, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return nil, errMissingKVConfig
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var opts *redis.Options
	switch {
	case strings.HasPrefix(raw, "redis://"), strings.HasPrefix(raw, "rediss://"):
		parsed, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		if parsed.Password == "" {
			parsed.Password = cfg.Token
		}
		opts = parsed
	case strings.HasPrefix(raw, "https://"):
		if strings.TrimSpace(cfg.Token) == "" {
			return nil, errMissingKVConfig
		}
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			return nil, fmt.Errorf("parse kv url %q: invalid host", raw)
		}
		opts = &redis.Options{
			Addr:      u.Hostname() + ":6379",
			Username:  "default",
			Password:  cfg.Token,
			TLSConfig: &tls.Config{MinVersion: tls.VersionTLS12, ServerName: u.Hostname()},
		}
	default:
		return nil, fmt.Errorf("unsupported kv url scheme in %q", raw)
	}

	opts.DialTimeout = timeout
	opts.ReadTimeout = timeout
	opts.WriteTimeout = timeout
	opts.MaxRetries = 2
	opts.PoolSize = 10
	return opts, nil
}

// Kind implements Backend.
func (b *RedisBackend) Kind() Kind { return KindRedis }

func (b *RedisBackend) conn(op string) (*redis.Client, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, unavailable(KindRedis, op, redis.ErrClosed)
	}
	c, err := b.client()
	if err != nil {
		return nil, unavailable(KindRedis, op, err)
	}
	return c, nil
}

// Load implements Backend. A missing key is an empty collection.
func (b *RedisBackend) Load(ctx context.Context) (model.Collection, error) {
	c, err := b.conn("load")
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, b.timeout)
	defer cancel()

	data, err := c.Get(ctx, b.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Collection{}, nil
	}
	if err != nil {
		return nil, unavailable(KindRedis, "load", err)
	}
	coll, err := decode(data)
	if err != nil {
		return nil, corrupt(KindRedis, "load", fmt.Errorf("key %s: %w", b.key, err))
	}
	return coll, nil
}

// Save implements Backend with a single SET.
func (b *RedisBackend) Save(ctx context.Context, coll model.Collection) error {
	c, err := b.conn("save")
	if err != nil {
		return err
	}
	data, err := encode(coll)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, b.timeout)
	defer cancel()

	if err := c.Set(ctx, b.key, data, 0).Err(); err != nil {
		return unavailable(KindRedis, "save", err)
	}
	return nil
}

// mutateError carries a MutateFunc failure through the WATCH callback.
type mutateError struct{ err error }

func (e *mutateError) Error() string { return e.err.Error() }
func (e *mutateError) Unwrap() error { return e.err }

// Update implements Updater with WATCH / MULTI / EXEC. If the key changes
// between the read and EXEC the transaction is retried on fresh data.
func (b *RedisBackend) Update(ctx context.Context, fn MutateFunc) error {
	c, err := b.conn("update")
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, b.timeout)
	defer cancel()

	txf := func(tx *redis.Tx) error {
		var current model.Collection
		data, err := tx.Get(ctx, b.key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			current = model.Collection{}
		case err != nil:
			return err
		default:
			if current, err = decode(data); err != nil {
				return corrupt(KindRedis, "update", fmt.Errorf("key %s: %w", b.key, err))
			}
		}

		next, err := fn(current)
		if err != nil {
			return &mutateError{err: err}
		}
		out, err := encode(next)
		if err != nil {
			return &mutateError{err: err}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, b.key, out, 0)
			return nil
		})
		return err
	}

	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		err := c.Watch(ctx, txf, b.key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			b.logger.Debug("redis update lost a race, retrying", "attempt", attempt)
			continue
		}
		var me *mutateError
		if errors.As(err, &me) {
			if errors.Is(me.err, ErrNoChange) {
				return nil
			}
			return me.err
		}
		return ensureError(KindRedis, "update", err)
	}
	return conflict(KindRedis, "update", maxUpdateAttempts)
}

// Ping checks connectivity.
func (b *RedisBackend) Ping(ctx context.Context) error {
	c, err := b.conn("ping")
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, b.timeout)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return unavailable(KindRedis, "ping", err)
	}
	return nil
}

// Close implements Backend. It only closes a client that was created.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if !b.created.Load() {
		return nil
	}
	if c, err := b.client(); err == nil && c != nil {
		return c.Close()
	}
	return nil
}

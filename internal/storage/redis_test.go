package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferro-labs/credstore/internal/config"
	"github.com/ferro-labs/credstore/internal/model"
)

func newMiniredisBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b := NewRedisBackend(config.RedisStorage{
		URL: "redis://" + mr.Addr(),
		Key: config.DefaultRedisKey,
	}, time.Second, nil)
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func TestRedisBackendContract(t *testing.T) {
	b, _ := newMiniredisBackend(t)
	runBackendContract(t, b)
}

func TestRedisBackend_ConcurrentUpdates(t *testing.T) {
	b, _ := newMiniredisBackend(t)
	runConcurrentUpdates(t, b, 8)
}

func TestRedisBackend_ImplementsUpdater(t *testing.T) {
	var b Backend = &RedisBackend{}
	_, ok := b.(Updater)
	assert.True(t, ok)
}

func TestRedisBackend_StoresJSONUnderSingleKey(t *testing.T) {
	b, mr := newMiniredisBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Save(ctx, sampleCollection()))

	keys := mr.Keys()
	require.Equal(t, []string{"riverflow:api-keys"}, keys)
	raw, err := mr.Get("riverflow:api-keys")
	require.NoError(t, err)
	c, err := decode([]byte(raw))
	require.NoError(t, err)
	assert.Len(t, c, 2)
}

func TestRedisBackend_MissingKeyIsEmpty(t *testing.T) {
	b, mr := newMiniredisBackend(t)
	c, err := b.Load(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, c)
	assert.Empty(t, c)
	assert.False(t, mr.Exists(config.DefaultRedisKey), "load must not write")
}

func TestRedisBackend_CorruptValue(t *testing.T) {
	b, mr := newMiniredisBackend(t)
	require.NoError(t, mr.Set(config.DefaultRedisKey, "{oops"))

	_, err := b.Load(context.Background())
	assert.True(t, errors.Is(err, ErrCorrupt), "expected ErrCorrupt, got %v", err)

	err = Update(context.Background(), b, func(c model.Collection) (model.Collection, error) { return c, nil })
	assert.True(t, errors.Is(err, ErrCorrupt), "expected ErrCorrupt from update, got %v", err)
}

func TestRedisBackend_ServerDown(t *testing.T) {
	b, mr := newMiniredisBackend(t)
	mr.Close()

	_, err := b.Load(context.Background())
	assert.True(t, errors.Is(err, ErrUnavailable), "expected ErrUnavailable, got %v", err)
	err = b.Save(context.Background(), model.Collection{})
	assert.True(t, errors.Is(err, ErrUnavailable), "expected ErrUnavailable, got %v", err)
}

func TestRedisBackend_MissingConfigIsMemoisedUnavailable(t *testing.T) {
	b := NewRedisBackend(config.RedisStorage{}, time.Second, nil)
	ctx := context.Background()

	_, err1 := b.Load(ctx)
	_, err2 := b.Load(ctx)
	require.Error(t, err1)
	assert.True(t, errors.Is(err1, ErrUnavailable))
	assert.True(t, errors.Is(err1, errMissingKVConfig))
	assert.True(t, errors.Is(err2, errMissingKVConfig))
	assert.NoError(t, b.Close())
}

func TestRedisBackend_CloseUnusedDoesNotConnect(t *testing.T) {
	b, _ := newMiniredisBackend(t)
	require.NoError(t, b.Close())
	assert.False(t, b.created.Load(), "close must not build a client")

	b, _ = newMiniredisBackend(t)
	_, err := b.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, b.created.Load())
	require.NoError(t, b.Close())
}

func TestRedisBackend_ClosedIsUnavailable(t *testing.T) {
	b, _ := newMiniredisBackend(t)
	require.NoError(t, b.Close())
	_, err := b.Load(context.Background())
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.True(t, errors.Is(err, redis.ErrClosed))
}

func TestRedisOptions(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.RedisStorage
		addr     string
		user     string
		password string
		tls      bool
		wantErr  bool
	}{
		{
			name:     "redis url with token",
			cfg:      config.RedisStorage{URL: "redis://localhost:6380/0", Token: "tok"},
			addr:     "localhost:6380",
			password: "tok",
		},
		{
			name:     "url password wins",
			cfg:      config.RedisStorage{URL: "rediss://default:pw@kv.example.com:6379", Token: "tok"},
			addr:     "kv.example.com:6379",
			user:     "default",
			password: "pw",
			tls:      true,
		},
		{
			name:     "rest endpoint",
			cfg:      config.RedisStorage{URL: "https://fine-cat-1234.upstash.io", Token: "tok"},
			addr:     "fine-cat-1234.upstash.io:6379",
			user:     "default",
			password: "tok",
			tls:      true,
		},
		{name: "rest endpoint without token", cfg: config.RedisStorage{URL: "https://x.upstash.io"}, wantErr: true},
		{name: "no url", cfg: config.RedisStorage{Token: "tok"}, wantErr: true},
		{name: "bad scheme", cfg: config.RedisStorage{URL: "ftp://x", Token: "tok"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := RedisOptions(tt.cfg, 2*time.Second)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.addr, opts.Addr)
			assert.Equal(t, tt.user, opts.Username)
			assert.Equal(t, tt.password, opts.Password)
			assert.Equal(t, tt.tls, opts.TLSConfig != nil)
			assert.Equal(t, 2*time.Second, opts.ReadTimeout)
		})
	}
}

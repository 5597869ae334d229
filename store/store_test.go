package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("put get overwrite", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "room:history", []byte("v1")))
		v, err := s.Get(ctx, "room:history")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), v)

		require.NoError(t, s.Put(ctx, "room:history", []byte("v2")))
		v, err = s.Get(ctx, "room:history")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), v)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "gone", []byte("x")))
		require.NoError(t, s.Delete(ctx, "gone"))
		_, err := s.Get(ctx, "gone")
		assert.ErrorIs(t, err, ErrNotFound)

		// deleting twice is fine
		assert.NoError(t, s.Delete(ctx, "gone"))
	})
}

func TestMemory(t *testing.T) {
	s := NewMemory()
	defer s.Close()
	exerciseStore(t, s)

	t.Run("returned value is a copy", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "k", []byte("abc")))
		v, err := s.Get(ctx, "k")
		require.NoError(t, err)
		v[0] = 'z'
		again, _ := s.Get(ctx, "k")
		assert.Equal(t, []byte("abc"), again)
	})
}

func TestPebble(t *testing.T) {
	s, err := OpenPebble(t.TempDir(), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestPebbleReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenPebble(dir, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "room:expiration_minutes", []byte("15")))
	require.NoError(t, s.Close())

	s, err = OpenPebble(dir, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer s.Close()
	v, err := s.Get(ctx, "room:expiration_minutes")
	require.NoError(t, err)
	assert.Equal(t, "15", string(v))
}

// Set REDIS_ADDR (host:port) to run against a live server.
func TestRedis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	s, err := OpenRedis(RedisConfig{Host: addr, Prefix: "roomtest:"}, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Delete(context.Background(), "nope"))
	exerciseStore(t, s)

	t.Run("prefix isolates rooms", func(t *testing.T) {
		ctx := context.Background()
		other, err := OpenRedis(RedisConfig{Host: addr, Prefix: "roomtest-other:"}, zap.NewNop().Sugar())
		require.NoError(t, err)
		defer other.Close()
		require.NoError(t, s.Put(ctx, "k", []byte("mine")))
		_, err = other.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrNotFound)
		require.NoError(t, s.Delete(ctx, "k"))
	})
}

// Set PG_DSN to run against a live postgres.
func TestSQL(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	s, err := OpenSQL(dsn, false)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Delete(context.Background(), "nope"))
	exerciseStore(t, s)
}

func TestOpen(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		s, err := Open(Config{Type: "memory"}, zap.NewNop().Sugar())
		require.NoError(t, err)
		assert.IsType(t, &Memory{}, s)
	})

	t.Run("pebble", func(t *testing.T) {
		s, err := Open(Config{Type: "pebble", Path: t.TempDir()}, zap.NewNop().Sugar())
		require.NoError(t, err)
		defer s.Close()
		assert.IsType(t, &Pebble{}, s)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := Open(Config{Type: "etcd"}, zap.NewNop().Sugar())
		assert.Error(t, err)
	})
}

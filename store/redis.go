package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v9"
	"go.uber.org/zap"
)

// Redis is a Store kept in a redis instance, keys namespaced by a prefix.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// OpenRedis connects to cfg.Host and verifies the connection.
func OpenRedis(cfg RedisConfig, log *zap.SugaredLogger) (*Redis, error) {
	if log == nil {
		log = zap.S()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Host,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		PoolTimeout:  30 * time.Second,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	log.Info("redis store:", cfg.Host, cfg.Prefix)
	return &Redis{rdb: rdb, prefix: cfg.Prefix}, nil
}

func (s *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *Redis) Put(ctx context.Context, key string, value []byte) error {
	return s.rdb.Set(ctx, s.prefix+key, value, 0).Err()
}

func (s *Redis) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.prefix+key).Err()
}

func (s *Redis) Close() error {
	return s.rdb.Close()
}

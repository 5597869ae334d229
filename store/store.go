// Package store holds the leader's local key-value state.
package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("store: key not found")

// Store is a small key-value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Config selects and configures a Store backend.
type Config struct {
	Type string `json:"type" yaml:"type" mapstructure:"type"` // "pebble" (default), "redis", "postgres" or "memory"

	// pebble
	Path string `json:"path" yaml:"path" mapstructure:"path"`

	// redis
	Redis RedisConfig `json:"redis" yaml:"redis" mapstructure:"redis"`

	// postgres
	DSN   string `json:"dsn" yaml:"dsn" mapstructure:"dsn"`
	DBLog bool   `json:"dblog" yaml:"dblog" mapstructure:"dblog"`
}

type RedisConfig struct {
	Host   string `json:"host" yaml:"host" mapstructure:"host"`
	Prefix string `json:"prefix" yaml:"prefix" mapstructure:"prefix"`
}

// Open returns the backend named by cfg.Type.
func Open(cfg Config, log *zap.SugaredLogger) (Store, error) {
	switch cfg.Type {
	case "", "pebble":
		path := cfg.Path
		if path == "" {
			path = "data"
		}
		return OpenPebble(path, log)
	case "redis":
		return OpenRedis(cfg.Redis, log)
	case "postgres":
		return OpenSQL(cfg.DSN, cfg.DBLog)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

package store

import (
	"context"
	"errors"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// Pebble is a Store backed by a local pebble database.
type Pebble struct {
	db   *pebble.DB
	path string
	log  *zap.SugaredLogger
}

// OpenPebble opens (or creates) a pebble database at path.
func OpenPebble(path string, log *zap.SugaredLogger) (*Pebble, error) {
	if log == nil {
		log = zap.S()
	}
	log = log.With("store", "pebble", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		log.Error("pebble open failed:", err)
		return nil, err
	}
	log.Info("pebble opened")
	return &Pebble{db: db, path: path, log: log}, nil
}

func (s *Pebble) Get(_ context.Context, key string) ([]byte, error) {
	v, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *Pebble) Put(_ context.Context, key string, value []byte) error {
	return s.db.Set([]byte(key), value, pebble.Sync)
}

func (s *Pebble) Delete(_ context.Context, key string) error {
	return s.db.Delete([]byte(key), pebble.Sync)
}

func (s *Pebble) Close() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	s.log.Info("pebble closed")
	return nil
}

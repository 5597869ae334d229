package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Entry is one key-value row.
type Entry struct {
	gorm.Model

	Key   string `json:"key" gorm:"column:kv_key;uniqueIndex"`
	Value []byte `json:"value" gorm:"column:kv_value"`
}

// SQL is a Store kept in a postgres table.
type SQL struct {
	db *gorm.DB
}

// OpenSQL opens dsn with the postgres driver and migrates the entries table.
func OpenSQL(dsn string, dblog bool) (*SQL, error) {
	loglevel := logger.Error
	if dblog {
		loglevel = logger.Info
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.New(zap.NewStdLog(zap.L()), logger.Config{
			SlowThreshold: 200 * time.Millisecond,
			LogLevel:      loglevel,
		}),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(new(Entry)); err != nil {
		return nil, err
	}
	return &SQL{db: db}, nil
}

func (s *SQL) Get(ctx context.Context, key string) ([]byte, error) {
	e := Entry{}
	if err := s.db.WithContext(ctx).Where("kv_key = ?", key).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e.Value, nil
}

func (s *SQL) Put(ctx context.Context, key string, value []byte) error {
	e := Entry{}
	return s.db.WithContext(ctx).
		Where("kv_key = ?", key).
		Assign(Entry{Value: value}).
		FirstOrCreate(&e, Entry{Key: key}).Error
}

func (s *SQL) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Unscoped().Where("kv_key = ?", key).Delete(new(Entry)).Error
}

func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/sifan077/SafeLink/config"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	slowQueryThreshold     = 200 * time.Millisecond
	defaultConnMaxLifetime = 5 * time.Minute
)

// NewGorm opens the relational store. Unique and not-found errors are
// translated so repositories can match gorm sentinels, and gorm's own log
// lines go through zl at warn level.
func NewGorm(cfg config.PostgresConfig, zl *zap.Logger) (*gorm.DB, error) {
	if zl == nil {
		zl = zap.NewNop()
	}
	db, err := gorm.Open(postgres.Open(ConnString(cfg)), &gorm.Config{
		Logger: logger.New(zap.NewStdLog(zl), logger.Config{
			SlowThreshold:             slowQueryThreshold,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: open %s: %w", cfg.Database, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres: retrieve sql db: %w", err)
	}
	sqlDB.SetConnMaxLifetime(defaultConnMaxLifetime)
	if d, err := time.ParseDuration(cfg.MaxConnLifetime); err == nil && d > 0 {
		sqlDB.SetConnMaxLifetime(d)
	}
	if d, err := time.ParseDuration(cfg.MaxConnIdleTime); err == nil && d > 0 {
		sqlDB.SetConnMaxIdleTime(d)
	}
	if cfg.MaxConns > 0 {
		sqlDB.SetMaxOpenConns(int(cfg.MaxConns))
	}
	if cfg.MinConns > 0 {
		sqlDB.SetMaxIdleConns(int(cfg.MinConns))
	}
	return db, nil
}

// OpenOrShare opens a separate database for cfg when it names a host and
// otherwise reuses fallback. The returned close func is a no-op when shared.
func OpenOrShare(cfg config.PostgresConfig, fallback *gorm.DB, zl *zap.Logger) (*gorm.DB, func() error, error) {
	if cfg.Host == "" {
		return fallback, func() error { return nil }, nil
	}
	db, err := NewGorm(cfg, zl)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: retrieve sql db: %w", err)
	}
	return db, sqlDB.Close, nil
}

// AutoMigrate creates or alters the tables behind models.
func AutoMigrate(ctx context.Context, db *gorm.DB, models ...interface{}) error {
	if db == nil || len(models) == 0 {
		return nil
	}
	if err := db.WithContext(ctx).AutoMigrate(models...); err != nil {
		return fmt.Errorf("postgres: auto migrate: %w", err)
	}
	return nil
}

// Package database manages the job history database: a SQLite file
// opened through GORM. Live scheduling state never touches the
// database; only terminal job records are archived here.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kestrelmedia/upscaled/internal/config"
	"github.com/kestrelmedia/upscaled/internal/models"
)

// DB wraps a GORM connection.
type DB struct {
	*gorm.DB
	logger *slog.Logger
}

// New opens the history database and runs migrations.
func New(cfg config.DatabaseConfig, log *slog.Logger) (*DB, error) {
	if log == nil {
		log = slog.Default()
	}

	gormCfg := &gorm.Config{
		Logger:                 newGormLogger(log),
		SkipDefaultTransaction: true,
	}

	db, err := gorm.Open(sqlite.Open(cfg.DSN), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	wrapped := &DB{DB: db, logger: log}
	if err := wrapped.Migrate(); err != nil {
		return nil, err
	}
	return wrapped, nil
}

// Migrate creates or updates the schema.
func (db *DB) Migrate() error {
	if err := db.AutoMigrate(&models.JobHistory{}); err != nil {
		return fmt.Errorf("migrating history schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogGormLogger adapts slog to GORM's logger interface.
type slogGormLogger struct {
	logger *slog.Logger
}

func newGormLogger(log *slog.Logger) gormlogger.Interface {
	return &slogGormLogger{logger: log}
}

func (l *slogGormLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return l
}

func (l *slogGormLogger) Info(ctx context.Context, msg string, args ...any) {
	l.logger.InfoContext(ctx, fmt.Sprintf(msg, args...))
}

func (l *slogGormLogger) Warn(ctx context.Context, msg string, args ...any) {
	l.logger.WarnContext(ctx, fmt.Sprintf(msg, args...))
}

func (l *slogGormLogger) Error(ctx context.Context, msg string, args ...any) {
	l.logger.ErrorContext(ctx, fmt.Sprintf(msg, args...))
}

func (l *slogGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if err == nil || err == gorm.ErrRecordNotFound {
		return
	}
	sql, rows := fc()
	l.logger.ErrorContext(ctx, "query failed",
		slog.String("sql", sql),
		slog.Int64("rows", rows),
		slog.Duration("elapsed", time.Since(begin)),
		slog.String("error", err.Error()),
	)
}

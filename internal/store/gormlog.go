package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pawkeeper-live/internal/logging"
)

const slowQueryThreshold = 200 * time.Millisecond

// gormLogger writes gorm's query log through zerolog.
type gormLogger struct {
	level logger.LogLevel
}

func newGormLogger(level string) logger.Interface {
	switch level {
	case "silent":
		return gormLogger{level: logger.Silent}
	case "error":
		return gormLogger{level: logger.Error}
	case "info":
		return gormLogger{level: logger.Info}
	default:
		return gormLogger{level: logger.Warn}
	}
}

func (l gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	l.level = level
	return l
}

func (l gormLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Info {
		lg := logging.Ctx(ctx)
		lg.Info().Msgf(msg, args...)
	}
}

func (l gormLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Warn {
		lg := logging.Ctx(ctx)
		lg.Warn().Msgf(msg, args...)
	}
}

func (l gormLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Error {
		lg := logging.Ctx(ctx)
		lg.Error().Msgf(msg, args...)
	}
}

func (l gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	lg := logging.Ctx(ctx)

	switch {
	case err != nil && l.level >= logger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		lg.Error().Err(err).Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Msg("query failed")
	case elapsed > slowQueryThreshold && l.level >= logger.Warn:
		sql, rows := fc()
		lg.Warn().Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Msg("slow query")
	case l.level >= logger.Info:
		sql, rows := fc()
		lg.Debug().Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Msg("query")
	}
}

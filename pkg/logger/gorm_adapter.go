/*
Package logger 提供 GORM 到 Zap 的日志适配。

每条 SQL 日志带上表名、是否处于 unit of work 事务中以及请求 ID，
慢查询阈值来自 database.slow_threshold。
*/
package logger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ordercore/infrastructure/persistence"

	"go.uber.org/zap"
	"gorm.io/gorm/logger"
)

const DefaultSlowThreshold = 200 * time.Millisecond

type GormLoggerConfig struct {
	SlowThreshold time.Duration
	// 仓储把 ErrRecordNotFound 转换为领域错误，默认不记录
	IgnoreRecordNotFoundError bool
	AddCaller                 bool
}

func DefaultGormLoggerConfig() *GormLoggerConfig {
	return &GormLoggerConfig{
		SlowThreshold:             DefaultSlowThreshold,
		IgnoreRecordNotFoundError: true,
		AddCaller:                 true,
	}
}

// GormLoggerAdapter routes GORM logs to the global zap logger captured at construction.
type GormLoggerAdapter struct {
	logLevel logger.LogLevel
	logger   *zap.Logger
	config   *GormLoggerConfig
}

func NewGormLoggerAdapter(logLevel logger.LogLevel) *GormLoggerAdapter {
	return NewGormLoggerAdapterWithConfig(logLevel, DefaultGormLoggerConfig())
}

func NewGormLoggerAdapterWithConfig(logLevel logger.LogLevel, config *GormLoggerConfig) *GormLoggerAdapter {
	if config == nil {
		config = DefaultGormLoggerConfig()
	}
	return &GormLoggerAdapter{logLevel: logLevel, logger: L().Named("gorm"), config: config}
}

func (l *GormLoggerAdapter) LogMode(logLevel logger.LogLevel) logger.Interface {
	return &GormLoggerAdapter{logLevel: logLevel, logger: l.logger, config: l.config}
}

func (l *GormLoggerAdapter) with(ctx context.Context) *zap.Logger {
	log := l.logger
	if requestID := persistence.RequestIDFromContext(ctx); requestID != "" {
		log = log.With(zap.String("request_id", requestID))
	}
	if l.config.AddCaller {
		log = log.WithOptions(zap.AddCaller())
	}
	return log
}

func (l *GormLoggerAdapter) Info(ctx context.Context, msg string, args ...interface{}) {
	if l.logLevel >= logger.Info {
		l.with(ctx).Info(fmt.Sprintf(msg, args...))
	}
}

func (l *GormLoggerAdapter) Warn(ctx context.Context, msg string, args ...interface{}) {
	if l.logLevel >= logger.Warn {
		l.with(ctx).Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *GormLoggerAdapter) Error(ctx context.Context, msg string, args ...interface{}) {
	if l.logLevel >= logger.Error {
		l.with(ctx).Error(fmt.Sprintf(msg, args...))
	}
}

func (l *GormLoggerAdapter) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.logLevel <= logger.Silent {
		return
	}

	sql, rows := fc()
	elapsed := time.Since(begin)
	fields := []zap.Field{
		zap.String("table", TableOf(sql)),
		zap.String("sql", sql),
		zap.Float64("elapsed_ms", float64(elapsed.Microseconds())/1000),
		zap.Int64("rows", rows),
		zap.Bool("in_tx", persistence.TxFromContext(ctx) != nil),
	}
	log := l.with(ctx)

	switch {
	case err != nil && errors.Is(err, logger.ErrRecordNotFound):
		if !l.config.IgnoreRecordNotFoundError && l.logLevel >= logger.Info {
			log.Debug("Database record not found", fields...)
		}
	case err != nil && l.logLevel >= logger.Error:
		log.Error("Database operation failed", append(fields, zap.Error(err))...)
	case l.config.SlowThreshold > 0 && elapsed > l.config.SlowThreshold && l.logLevel >= logger.Warn:
		log.Warn("Slow SQL query", append(fields, zap.Duration("threshold", l.config.SlowThreshold))...)
	case err == nil && l.logLevel >= logger.Info:
		log.Info("SQL query executed", fields...)
	}
}

// TableOf returns the first table named by a SELECT/INSERT/UPDATE/DELETE statement, "" if none.
func TableOf(sql string) string {
	words := strings.Fields(sql)
	for i := 0; i < len(words)-1; i++ {
		switch strings.ToUpper(words[i]) {
		case "FROM", "INTO", "UPDATE":
			name := strings.Trim(words[i+1], "`\"();,")
			if name != "" {
				return name
			}
		}
	}
	return ""
}

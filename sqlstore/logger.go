package sqlstore

import (
	"context"

	"go.uber.org/zap"
)

type zapLogger struct {
	l *zap.Logger
}

// ZapLogger returns a Logger that writes every statement at debug level.
func ZapLogger(l *zap.Logger) Logger {
	return zapLogger{l: l}
}

func (z zapLogger) Log(_ context.Context, query string, args ...any) {
	z.l.Debug("sql", zap.String("query", query), zap.Any("args", args))
}

package observability

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cuecraft/api/internal/platform/requestctx"
)

const defaultLogLevel = zapcore.InfoLevel

// NewLogger builds the JSON logger used in every environment. Keys follow the Cloud Logging
// structured payload so severity and timestamps are picked up without a log agent.
func NewLogger(level string, fields ...zap.Field) (*zap.Logger, error) {
	lvl := zap.NewAtomicLevelAt(defaultLogLevel)
	if trimmed := strings.TrimSpace(level); trimmed != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(trimmed))); err != nil {
			lvl.SetLevel(defaultLogLevel)
		}
	}

	cfg := zap.Config{
		Level:    lvl,
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:    "message",
			TimeKey:       "timestamp",
			LevelKey:      "severity",
			NameKey:       "logger",
			CallerKey:     "caller",
			StacktraceKey: "stacktrace",
			EncodeTime:    zapcore.RFC3339NanoTimeEncoder,
			EncodeLevel:   zapcore.CapitalLevelEncoder,
			EncodeCaller:  zapcore.ShortCallerEncoder,
		},
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(fields...), nil
}

// EventLogger adapts zap to the event-style logger taken by services and the payment parser.
// The request-scoped logger wins over base so events carry request and trace ids. Events with an
// "error" field are logged at warn level.
func EventLogger(base *zap.Logger, component string) func(ctx context.Context, event string, fields map[string]any) {
	if base == nil {
		base = zap.NewNop()
	}
	fallback := base.Named(component)
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := fallback
		if requestctx.HasLogger(ctx) {
			logger = requestctx.Logger(ctx).Named(component)
		}
		zfields := make([]zap.Field, 0, len(fields)+1)
		zfields = append(zfields, zap.String("event", event))
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			zfields = append(zfields, zap.Any(k, fields[k]))
		}
		if _, failed := fields["error"]; failed {
			logger.Warn(event, zfields...)
			return
		}
		logger.Info(event, zfields...)
	}
}

package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/nexusbff/internal/config"
	"github.com/pitabwire/nexusbff/model"
)

type loggerKey struct{}

// NewLogger builds the process logger. Levels are used as follows:
//   - error: 5xx responses, unmappable backend payloads, panics
//   - warn:  4xx responses, open breaker, skipped records, failed actions
//   - info:  lifecycle, sign-in and sign-out, policy reloads, completed actions
//   - debug: cache sharing, badge failures, backend request bodies
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.Sampling = nil
	zcfg.EncoderConfig = enc
	zcfg.OutputPaths = []string{"stdout"}
	if cfg.LogFormat == "console" {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return zcfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context logger, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger is LoggerFrom with the caller's subject, role and
// correlation fields attached. Anonymous requests only carry the
// correlation ID. The session token is never logged.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}
	return logger.With(requestFields(rctx)...)
}

func requestFields(rctx *model.RequestContext) []zap.Field {
	fields := make([]zap.Field, 0, 4)
	if rctx.SubjectID != "" {
		fields = append(fields,
			zap.String("subject_id", rctx.SubjectID),
			zap.String("role", rctx.Role.String()),
		)
	}
	if rctx.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", rctx.CorrelationID))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return fields
}

const redacted = "[REDACTED]"

// sensitiveKeys are matched case-insensitively against payload keys.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"token":         true,
	"authorization": true,
	"signature":     true,
	"photo":         true,
}

// Redact returns a copy of a backend payload that is safe to log at debug
// level. Credentials and proof-of-delivery images are replaced, including
// inside nested objects and arrays, and inline data URIs are elided wherever
// they appear.
func Redact(body map[string]any) map[string]any {
	if body == nil {
		return nil
	}
	out := make(map[string]any, len(body))
	for k, v := range body {
		if sensitiveKeys[strings.ToLower(k)] {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Redact(val)
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = redactValue(item)
		}
		return items
	case string:
		if strings.HasPrefix(val, "data:") {
			return redacted
		}
		return val
	default:
		return v
	}
}

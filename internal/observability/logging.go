package observability

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/solicitudes/internal/config"
	"github.com/pitabwire/solicitudes/model"
)

type loggerKey struct{}

// ServiceName is attached to every log entry and span resource.
const ServiceName = "solicitudes"

// NewLogger builds the process logger. Entries go to stdout as JSON unless
// log_format is "console", and always carry the service name and version.
//
// Level conventions:
//   - error: store failures (DB down, counter retries exhausted), panics, 5xx
//   - warn:  4xx, notification delivery failures, skipped side effects
//   - info:  request creation, approval transitions, day blocking
//   - debug: change detection details, idempotent replays, payload dumps
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.MillisDurationEncoder

	var enc zapcore.Encoder
	if cfg.LogFormat == "console" {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), zap.NewAtomicLevelAt(level))
	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
		zap.Fields(
			zap.String("service", ServiceName),
			zap.String("version", Version),
		),
	), nil
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context logger or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	if fallback == nil {
		return zap.NewNop()
	}
	return fallback
}

// RequestLogger returns the context logger enriched with the caller's
// identity: subject, role code, the engineering flag when set, correlation
// and trace ids.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("subject_id", rctx.SubjectID),
		zap.Int("role", int(rctx.Role)),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.Engineering {
		fields = append(fields, zap.Bool("engineering", true))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

const redacted = "[REDACTED]"

// Keys never written to debug payload dumps. Phone numbers are personal data
// submitted through the user profile endpoint.
var sensitiveKeys = map[string]bool{
	"phone":         true,
	"password":      true,
	"secret":        true,
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"authorization": true,
}

// RedactBody returns a copy of body with sensitive keys masked, descending
// into nested objects and arrays (draftsman lists carry objects). extra
// adds keys to the built-in set. body itself is never modified.
func RedactBody(body map[string]any, extra []string) map[string]any {
	if body == nil {
		return nil
	}
	keys := sensitiveKeys
	if len(extra) > 0 {
		keys = make(map[string]bool, len(sensitiveKeys)+len(extra))
		for k := range sensitiveKeys {
			keys[k] = true
		}
		for _, k := range extra {
			keys[k] = true
		}
	}
	return redactMap(body, keys)
}

func redactMap(m map[string]any, keys map[string]bool) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if keys[k] {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, keys)
	}
	return out
}

func redactValue(v any, keys map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t, keys)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e, keys)
		}
		return out
	default:
		return v
	}
}

package observability

import (
	"context"
	"maps"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/careportal/internal/config"
	"github.com/pitabwire/careportal/model"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger creates a JSON zap.Logger writing to stdout.
//
// Levels:
//   - error: store or backend failures, 5xx responses
//   - warn:  client errors, failed submissions, open circuit breakers
//   - info:  requests, workflow starts and completions, timeout sweeps
//   - debug: redacted drafts handed to submitters
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger (or fallback) enriched with the
// caller's tenant, subject, role and correlation ID.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("tenant_id", rctx.TenantID),
		zap.String("subject_id", rctx.SubjectID),
		zap.String("role", rctx.PortalRole()),
		zap.String("correlation_id", rctx.CorrelationID),
	}

	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}

	return logger.With(fields...)
}

// defaultSensitiveFields are draft and payload keys that never appear in
// logs, whatever the workflow declares.
var defaultSensitiveFields = map[string]bool{
	"password":            true,
	"secret":              true,
	"token":               true,
	"access_token":        true,
	"authorization":       true,
	"ssn":                 true,
	"date_of_birth":       true,
	"insurance_member_id": true,
	"diagnosis":           true,
	"notes":               true,
	"reason":              true,
}

// RedactBody returns a copy of body with sensitive keys replaced by
// "[REDACTED]". sensitiveFields extends the default set. Nested maps are
// redacted too.
func RedactBody(body map[string]any, sensitiveFields []string) map[string]any {
	if body == nil {
		return nil
	}

	redactSet := make(map[string]bool, len(defaultSensitiveFields)+len(sensitiveFields))
	maps.Copy(redactSet, defaultSensitiveFields)
	for _, f := range sensitiveFields {
		redactSet[f] = true
	}

	result := make(map[string]any, len(body))
	for k, v := range body {
		switch nested, ok := v.(map[string]any); {
		case redactSet[k]:
			result[k] = "[REDACTED]"
		case ok:
			result[k] = RedactBody(nested, sensitiveFields)
		default:
			result[k] = v
		}
	}
	return result
}

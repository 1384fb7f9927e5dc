package logging

import (
	"go.uber.org/zap"
)

// NewLogger builds a production ready structured logger.
func NewLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	return cfg.Build()
}

// WithOperation enriches the logger with operation and request identifiers.
func WithOperation(logger *zap.Logger, operation, requestID string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	return logger.With(fields...)
}

// WithSession enriches the logger with the verification session identifier
// and the phase the session is currently in.
func WithSession(logger *zap.Logger, sessionID, phase string) *zap.Logger {
	fields := []zap.Field{zap.String("session_id", sessionID)}
	if phase != "" {
		fields = append(fields, zap.String("phase", phase))
	}
	return logger.With(fields...)
}

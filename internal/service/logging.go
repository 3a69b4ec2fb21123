package service

import (
	"context"

	"chatsync/internal/privacy"

	"github.com/sirupsen/logrus"
)

// ContextKey is a package-local type to prevent context key collisions
// See staticcheck SA1029 guidance
type ContextKey string

// VerboseContextKey is the strongly-typed context key for verbose logging flag
const VerboseContextKey ContextKey = "verbose"

// WithVerboseLogging marks ctx so that ids and bodies are logged unmasked
func WithVerboseLogging(ctx context.Context, verbose bool) context.Context {
	return context.WithValue(ctx, VerboseContextKey, verbose)
}

// IsVerboseLogging checks if verbose logging is enabled from context
func IsVerboseLogging(ctx context.Context) bool {
	if verbose, ok := ctx.Value(VerboseContextKey).(bool); ok {
		return verbose
	}
	return false
}

// SanitizeFields masks identifiers and message bodies unless verbose
func SanitizeFields(verbose bool, fields logrus.Fields) logrus.Fields {
	if verbose {
		return fields
	}
	return logrus.Fields(privacy.MaskSensitiveFields(fields))
}

// LogWithContext returns an entry carrying fields sanitized for ctx
func LogWithContext(ctx context.Context, logger *logrus.Logger, fields logrus.Fields) *logrus.Entry {
	return logger.WithFields(SanitizeFields(IsVerboseLogging(ctx), fields))
}

package infrastructure

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// LicenseIDContextKey carries the license a request or command runs under.
const LicenseIDContextKey contextKey = "license_id"

// NewTraceID returns an identifier for work that did not arrive over HTTP,
// such as a licensectl invocation.
func NewTraceID() string {
	return uuid.NewString()
}

// EnsureTraceID keeps an existing trace ID and otherwise mints one.
func EnsureTraceID(ctx context.Context) context.Context {
	if GetTraceID(ctx) != "" {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}

// WithLicenseID tags ctx so every record logged with it names the license.
// An empty id leaves ctx untouched.
func WithLicenseID(ctx context.Context, licenseID string) context.Context {
	if licenseID == "" {
		return ctx
	}
	return context.WithValue(ctx, LicenseIDContextKey, licenseID)
}

// GetLicenseID returns the license attached by WithLicenseID.
func GetLicenseID(ctx context.Context) string {
	id, _ := ctx.Value(LicenseIDContextKey).(string)
	return id
}

// WithComponent scopes logger to one subsystem. A nil logger falls back to
// the process logger.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = GetLogger()
	}
	return logger.With(slog.String("component", component))
}

// WithError attaches err under the "error" key. A nil err returns logger
// as is.
func WithError(logger *slog.Logger, err error) *slog.Logger {
	if err == nil {
		return logger
	}
	return logger.With(slog.String("error", err.Error()))
}

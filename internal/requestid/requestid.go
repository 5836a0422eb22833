// Package requestid carries correlation IDs for API requests and scheduler
// ticks through a context.
package requestid

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Header is the HTTP header used to accept and echo request IDs.
const Header = "X-Request-ID"

type ctxKey struct{}

// WithRequestID returns a context with the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// Lookup returns the request ID stored in ctx, if any.
func Lookup(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// FromContext extracts the request ID from context, or generates a new one.
func FromContext(ctx context.Context) string {
	if id, ok := Lookup(ctx); ok {
		return id
	}
	return uuid.NewString()
}

// New generates a new request ID and returns the enriched context and ID.
func New(ctx context.Context) (context.Context, string) {
	id := uuid.NewString()
	return WithRequestID(ctx, id), id
}

// Logger returns logger annotated with ctx's request ID under key.
// The logger is returned unchanged when ctx carries no ID.
func Logger(ctx context.Context, logger zerolog.Logger, key string) zerolog.Logger {
	id, ok := Lookup(ctx)
	if !ok {
		return logger
	}
	return logger.With().Str(key, id).Logger()
}

// Package callcontext carries per-call metadata (request id, entry point)
// through a context.Context so every layer logs the same correlation fields.
package callcontext

import "context"

type key int

const (
	requestIDKey key = iota
	sourceKey
)

// Entry points a dispatch can originate from.
const (
	SourceHTTP   = "http"
	SourceWorker = "worker"
	SourceCLI    = "cli"
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the request id stored in ctx, or "" when there is none.
func RequestID(ctx context.Context) string {
	value, _ := ctx.Value(requestIDKey).(string)
	return value
}

func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey, source)
}

func Source(ctx context.Context) string {
	value, _ := ctx.Value(sourceKey).(string)
	return value
}

// Package observability provides structured logging setup for engramd.
//
// It wraps log/slog with request ID propagation so every log line emitted
// while serving one tool call carries the correlation context.
package observability

import (
	"context"
	"log/slog"
	"os"

	"github.com/hikarudo/engram/common/trace"
)

// Setup configures the global slog logger according to the provided level
// and format strings (e.g. level="info", format="json"). The MCP surface
// speaks JSON-RPC on stdout, so logs always go to stderr.
func Setup(level, format string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// WithTrace returns a child logger that always includes the request ID
// from ctx, when one is present.
func WithTrace(ctx context.Context) *slog.Logger {
	id := trace.FromContext(ctx)
	if id == "" {
		return slog.Default()
	}
	return slog.With("request_id", id)
}

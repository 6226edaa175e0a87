// Package logger provides structured logging using log/slog.
// It sets up a JSON handler with service-level context and carries the
// replay run id through context.Context so live and replay records can be
// told apart.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

type ctxKey string

const replayIDKey ctxKey = "replay_id"

// Init creates a JSON logger for the given service writing to stdout and
// installs it as the slog default.
func Init(service string, level slog.Level) *slog.Logger {
	return InitWriter(os.Stdout, service, level)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)

	// Set as default so log/slog.Info() etc. also use structured output
	slog.SetDefault(logger)

	return logger
}

// ParseLevel maps "debug", "info", "warn", "error" to a slog level.
// Unknown values fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithReplayID stores the replay run id in the context.
func WithReplayID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, replayIDKey, id)
}

// ReplayID extracts the replay run id. uuid.Nil for live runs.
func ReplayID(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(replayIDKey).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// From returns the default logger, tagged with replay_id when the context
// carries one.
func From(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := ReplayID(ctx); id != uuid.Nil {
		return l.With(slog.String("replay_id", id.String()))
	}
	return l
}

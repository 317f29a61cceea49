package gloomstore

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with filter-specific helpers.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.DiscardHandler)
}

// WithFilter adds a filter name field to the logger.
func (l *Logger) WithFilter(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("filter", name),
	}
}

// LogLoad logs a hydration from storage.
func (l *Logger) LogLoad(ctx context.Context, name string, found bool, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "filter load failed",
			"filter", name,
			"kind", ErrorKind(err),
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "filter loaded",
		"filter", name,
		"found", found,
		"duration", d,
	)
}

// LogSave logs a save to storage.
func (l *Logger) LogSave(ctx context.Context, name string, generation uint64, bytes int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "filter save failed",
			"filter", name,
			"generation", generation,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "filter saved",
		"filter", name,
		"generation", generation,
		"bytes", bytes,
	)
}

// LogReload logs a generation swap.
func (l *Logger) LogReload(ctx context.Context, name string, generation uint64, err error) {
	if err != nil {
		l.WarnContext(ctx, "filter reload failed, keeping current generation",
			"filter", name,
			"kind", ErrorKind(err),
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "filter reloaded",
		"filter", name,
		"generation", generation,
	)
}

// LogRecovery logs the decision to discard persisted data and reseed.
func (l *Logger) LogRecovery(ctx context.Context, name string, cause error) {
	l.WarnContext(ctx, "discarding persisted filter, reseeding",
		"filter", name,
		"kind", ErrorKind(cause),
		"error", cause,
	)
}

// LogSeedProgress logs periodic seeding progress.
func (l *Logger) LogSeedProgress(ctx context.Context, name string, items uint64) {
	l.InfoContext(ctx, "seeding in progress",
		"filter", name,
		"items", items,
	)
}

// LogSeedDone logs the end of a seeding pass.
func (l *Logger) LogSeedDone(ctx context.Context, name string, items uint64, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "seeding failed",
			"filter", name,
			"items", items,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "seeding completed",
		"filter", name,
		"items", items,
		"duration", d,
	)
}

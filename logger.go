package tablestore

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with table-specific context.
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

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithBucket tags the logger with a partition and bucket.
func (l *Logger) WithBucket(partition string, bucket int) *Logger {
	return &Logger{
		Logger: l.Logger.With("partition", partition, "bucket", bucket),
	}
}

// LogFlush logs a flush of a write buffer.
func (l *Logger) LogFlush(ctx context.Context, rows int, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "flush failed",
			"rows", rows,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "flush completed",
			"rows", rows,
			"duration", duration,
		)
	}
}

// LogCompaction logs a finished compaction.
func (l *Logger) LogCompaction(ctx context.Context, inputs, outputs int, duration time.Duration, err error) {
	if err != nil {
		l.WarnContext(ctx, "compaction failed",
			"inputs", inputs,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "compaction completed",
			"inputs", inputs,
			"outputs", outputs,
			"duration", duration,
		)
	}
}

// LogCommit logs a snapshot commit.
func (l *Logger) LogCommit(ctx context.Context, snapshotID int64, kind CommitKind, added, removed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "commit failed",
			"snapshot", snapshotID,
			"kind", kind,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "snapshot committed",
			"snapshot", snapshotID,
			"kind", kind,
			"added", added,
			"removed", removed,
		)
	}
}

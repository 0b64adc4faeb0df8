package emit

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
)

// LogEmitter writes events as structured log records through log/slog.
//
// Supports two output modes:
//   - Text mode (default): key=value pairs
//   - JSON mode: one JSON object per line
//
// Example text output:
//
//	time=... level=INFO msg=checkpoint_saved job_kind=import instance_key=2024-01 attempt=1 stage=rows stage_index=1 cursor=42
//
// Usage:
//
//	// Text output to stderr
//	emitter := emit.NewLogEmitter(os.Stderr, false)
//
//	// Reuse an application logger
//	emitter := emit.NewSlogEmitter(slog.Default())
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates a LogEmitter writing to writer. A nil writer means
// os.Stdout. Every event is logged, including per-item debug events.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}

	var handler slog.Handler
	if jsonMode {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}
	return &LogEmitter{logger: slog.New(handler)}
}

// NewSlogEmitter creates a LogEmitter on top of an existing logger. The
// logger's handler decides which levels are written.
func NewSlogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

// Emit logs the event. Levels:
//   - job_failed: ERROR
//   - interrupted: WARN
//   - item_processed: DEBUG
//   - everything else: INFO
func (l *LogEmitter) Emit(event Event) {
	attrs := make([]slog.Attr, 0, 6+len(event.Meta))
	attrs = append(attrs,
		slog.String("job_kind", event.JobKind),
		slog.String("instance_key", event.InstanceKey),
		slog.Int("attempt", event.Attempt),
	)
	if event.AttemptID != "" {
		attrs = append(attrs, slog.String("attempt_id", event.AttemptID))
	}
	if event.Stage != "" {
		attrs = append(attrs,
			slog.String("stage", event.Stage),
			slog.Int("stage_index", event.StageIndex),
		)
	}

	keys := make([]string, 0, len(event.Meta))
	for k := range event.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, event.Meta[k]))
	}

	l.logger.LogAttrs(context.Background(), levelFor(event.Msg), event.Msg, attrs...)
}

func levelFor(msg string) slog.Level {
	switch msg {
	case EventJobFailed:
		return slog.LevelError
	case EventInterrupted:
		return slog.LevelWarn
	case EventItemProcessed:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

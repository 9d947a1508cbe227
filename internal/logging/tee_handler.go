package logging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// runLogHandler sends every record to the console handler and mirrors it
// into the per-run file handler. The file handler filters on its own level,
// so debug records reach the run log even when the console is at info.
type runLogHandler struct {
	console slog.Handler
	file    slog.Handler
}

func (h *runLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.console.Enabled(ctx, level) || h.file.Enabled(ctx, level)
}

func (h *runLogHandler) Handle(ctx context.Context, record slog.Record) error {
	var consoleErr, fileErr error
	if h.console.Enabled(ctx, record.Level) {
		consoleErr = h.console.Handle(ctx, record.Clone())
	}
	if h.file.Enabled(ctx, record.Level) {
		if err := h.file.Handle(ctx, record); err != nil {
			fileErr = fmt.Errorf("run log: %w", err)
		}
	}
	return errors.Join(consoleErr, fileErr)
}

func (h *runLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &runLogHandler{console: h.console.WithAttrs(attrs), file: h.file.WithAttrs(attrs)}
}

func (h *runLogHandler) WithGroup(name string) slog.Handler {
	return &runLogHandler{console: h.console.WithGroup(name), file: h.file.WithGroup(name)}
}

// withRunLog returns a logger that writes through base and also into file.
// A nil base logs to the file alone.
func withRunLog(base *slog.Logger, file slog.Handler) *slog.Logger {
	if base == nil {
		return slog.New(file)
	}
	return slog.New(&runLogHandler{console: base.Handler(), file: file})
}

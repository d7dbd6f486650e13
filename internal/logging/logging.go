package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// fanout duplicates records to every handler so nothing is ever
// display- or file-only.
type fanout struct {
	handlers []slog.Handler
}

func (m *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *fanout) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if err := h.Handle(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (m *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &fanout{handlers: hs}
}

func (m *fanout) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &fanout{handlers: hs}
}

// NewLogger opens a JSON log file and pairs it with a text handler on
// the serial console. The file captures debug detail; the console
// stays at the given level.
func NewLogger(filename string, console io.Writer, consoleLevel slog.Level) (*slog.Logger, *os.File, error) {
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	jsonHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	consoleHandler := slog.NewTextHandler(console, &slog.HandlerOptions{
		Level: consoleLevel,
	})

	handler := &fanout{
		handlers: []slog.Handler{
			jsonHandler,
			consoleHandler,
		},
	}

	return slog.New(handler), file, nil
}

// Package logger configures the process-wide slog logger.
//
// Three output formats are supported, selected by LOG_FORMAT:
//
//	simple   - LEVEL message key=value
//	detailed - timestamp LEVEL message key=value
//	json     - slog's JSON handler, one object per line
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

var defaultLogger *slog.Logger

// ParseLevel converts a string log level to slog.Level.
// Valid levels: debug, info, warn, error. Unknown strings fall back to info.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// getLevelColor returns the ANSI color code for a log level.
func getLevelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "\033[31m"
	case level >= slog.LevelWarn:
		return "\033[33m"
	case level >= slog.LevelInfo:
		return "\033[36m"
	default:
		return "\033[90m"
	}
}

// isTerminal checks if the file is a terminal.
func isTerminal(file *os.File) bool {
	if fileInfo, err := file.Stat(); err == nil {
		return (fileInfo.Mode() & os.ModeCharDevice) != 0
	}
	return false
}

// textHandler formats records as "LEVEL message key=value", optionally
// prefixed with a timestamp (detailed format) and colored for terminals.
type textHandler struct {
	handler  slog.Handler
	writer   io.Writer
	useColor bool
	detailed bool
}

func (h *textHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *textHandler) Handle(ctx context.Context, record slog.Record) error {
	var buf strings.Builder

	if h.detailed && !record.Time.IsZero() {
		buf.WriteString(record.Time.Format("2006/01/02 15:04:05 "))
	}

	levelStr := record.Level.String()
	if levelStr == "WARNING" {
		levelStr = "WARN"
	}
	if h.useColor {
		buf.WriteString(getLevelColor(record.Level))
		buf.WriteString(strings.ToUpper(levelStr))
		buf.WriteString("\033[0m")
	} else {
		buf.WriteString(strings.ToUpper(levelStr))
	}
	buf.WriteString(" ")
	buf.WriteString(record.Message)

	record.Attrs(func(a slog.Attr) bool {
		buf.WriteString(" ")
		buf.WriteString(a.Key)
		buf.WriteString("=")
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")

	_, err := h.writer.Write([]byte(buf.String()))
	return err
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &textHandler{
		handler:  h.handler.WithAttrs(attrs),
		writer:   h.writer,
		useColor: h.useColor,
		detailed: h.detailed,
	}
}

func (h *textHandler) WithGroup(name string) slog.Handler {
	return &textHandler{
		handler:  h.handler.WithGroup(name),
		writer:   h.writer,
		useColor: h.useColor,
		detailed: h.detailed,
	}
}

// Init initializes the logger with the specified level and format.
// format: "simple" (default), "detailed", or "json".
func Init(level slog.Level, output *os.File, format string) {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Normalize WARNING to WARN
			if a.Key == slog.LevelKey {
				if a.Value.String() == "WARNING" {
					return slog.String("level", "WARN")
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "detailed":
		handler = &textHandler{
			handler:  slog.NewTextHandler(output, opts),
			writer:   output,
			useColor: isTerminal(output),
			detailed: true,
		}
	default: // simple
		handler = &textHandler{
			handler:  slog.NewTextHandler(output, opts),
			writer:   output,
			useColor: isTerminal(output),
			detailed: false,
		}
	}

	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
}

// OpenLogFile opens or creates a log file at the specified path.
// Returns the file handle and a cleanup function, or an error.
func OpenLogFile(path string) (*os.File, func(), error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	return file, func() { file.Close() }, nil
}

// GetLogger returns the default slog logger, initializing it to INFO /
// simple if Init was never called.
func GetLogger() *slog.Logger {
	if defaultLogger == nil {
		Init(slog.LevelInfo, os.Stderr, "simple")
	}
	return defaultLogger
}

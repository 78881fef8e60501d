package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is what the converter, the CLI and the HTTP service log through.
// pkg/lora accepts one via WithLogger and stays silent without it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithGroup(name string) Logger
}

// handlerLogger adapts a *slog.Logger; the level methods come from the
// embedded value.
type handlerLogger struct {
	*slog.Logger
}

func New(h slog.Handler) Logger {
	return handlerLogger{slog.New(h)}
}

func (l handlerLogger) With(args ...any) Logger {
	return handlerLogger{l.Logger.With(args...)}
}

func (l handlerLogger) WithGroup(name string) Logger {
	return handlerLogger{l.Logger.WithGroup(name)}
}

// JSON logs one object per record with source positions, for log shippers
// in front of `lowrank serve`.
func JSON(w io.Writer, level slog.Level) Logger {
	return New(slog.NewJSONHandler(w, &slog.HandlerOptions{AddSource: true, Level: level}))
}

// Pretty is the terminal format, see PrettyHandler.
func Pretty(w io.Writer, level slog.Level) Logger {
	return New(NewPrettyHandler(w, &slog.HandlerOptions{Level: level}))
}

func Text(w io.Writer, level slog.Level) Logger {
	return New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func Discard() Logger {
	return New(slog.DiscardHandler)
}

// Setup resolves the --log-level and --log-format values. Formats other
// than json and text get the pretty handler.
func Setup(w io.Writer, level, format string) Logger {
	lvl := ParseLevel(level)
	switch format {
	case "json":
		return JSON(w, lvl)
	case "text":
		return Text(w, lvl)
	default:
		return Pretty(w, lvl)
	}
}

type ctxKey struct{}

func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored by WithContext, or an info level
// text logger on stderr.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok {
		return l
	}
	return Text(os.Stderr, slog.LevelInfo)
}

// ParseLevel accepts slog level names in any case plus "warning". Anything
// unrecognised is info.
func ParseLevel(s string) slog.Level {
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

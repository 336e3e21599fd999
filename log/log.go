// Package log provides the slog loggers used across the stack.
//
// The stack never writes to the global [slog.Default] logger directly,
// instead components fall back to [Default] when no logger is configured.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/golang-cz/devslog"
	"github.com/phsym/console-slog"
	slogformatter "github.com/samber/slog-formatter"
)

var formatHandler = slogformatter.NewFormatterHandler(
	slogformatter.ErrorFormatter("error"),
	slogformatter.FormatByType(func(ls net.Listener) slog.Value {
		return slog.GroupValue(
			slog.String("type", fmt.Sprintf("%T", ls)),
			slog.String("ptr", fmt.Sprintf("%p", ls)),
			slog.Any("local_addr", ls.Addr()),
		)
	}),
	slogformatter.FormatByType(func(c net.PacketConn) slog.Value {
		return slog.GroupValue(
			slog.String("type", fmt.Sprintf("%T", c)),
			slog.String("ptr", fmt.Sprintf("%p", c)),
			slog.Any("local_addr", c.LocalAddr()),
		)
	}),
	slogformatter.FormatByType(func(c net.Conn) slog.Value {
		return slog.GroupValue(
			slog.String("type", fmt.Sprintf("%T", c)),
			slog.String("ptr", fmt.Sprintf("%p", c)),
			slog.Any("local_addr", c.LocalAddr()),
			slog.Any("remote_addr", c.RemoteAddr()),
		)
	}),
)

// NewConsole creates a human readable logger writing to w.
func NewConsole(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(formatHandler(
		console.NewHandler(w, &console.HandlerOptions{
			AddSource:  true,
			Level:      level,
			TimeFormat: time.RFC3339Nano,
		}),
	))
}

// NewDev creates a verbose developer logger writing to w.
func NewDev(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(formatHandler(
		devslog.NewHandler(w, &devslog.Options{
			HandlerOptions: &slog.HandlerOptions{
				AddSource: true,
				Level:     level,
			},
			SortKeys:   true,
			TimeFormat: time.RFC3339Nano,
		}),
	))
}

// NewJSON creates a structured JSON logger writing to w.
func NewJSON(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(formatHandler(
		slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}),
	))
}

var (
	// Def is a console logger with debug level.
	Def = NewConsole(os.Stdout, slog.LevelDebug)
	// Dev is a developer logger with debug level.
	Dev = NewDev(os.Stdout, slog.LevelDebug)
	// Noop discards all records.
	Noop = slog.New(noopHandler{})
)

var defLogger atomic.Pointer[slog.Logger]

func init() {
	defLogger.Store(Noop)
}

// Default returns the logger used by components configured without a logger.
// It discards everything until replaced with [SetDefault].
func Default() *slog.Logger { return defLogger.Load() }

// SetDefault replaces the logger returned by [Default].
// Passing nil restores the [Noop] logger.
func SetDefault(l *slog.Logger) {
	if l == nil {
		l = Noop
	}
	defLogger.Store(l)
}

// New builds a logger by the format name: "console", "dev", "json" or "noop".
// Unknown formats produce a console logger.
func New(format string, w io.Writer, level slog.Leveler) *slog.Logger {
	switch format {
	case "dev":
		return NewDev(w, level)
	case "json":
		return NewJSON(w, level)
	case "noop", "none":
		return Noop
	default:
		return NewConsole(w, level)
	}
}

type noopHandler struct{}

func (noopHandler) Enabled(context.Context, slog.Level) bool { return false }

func (noopHandler) Handle(context.Context, slog.Record) error { return nil }

func (h noopHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h noopHandler) WithGroup(string) slog.Handler { return h }

type fmtValue struct {
	v        any
	goSyntax bool
}

func (v fmtValue) LogValue() slog.Value {
	if v.goSyntax {
		return slog.StringValue(fmt.Sprintf("%#v", v.v))
	}
	return slog.StringValue(fmt.Sprintf("%+v", v.v))
}

// FmtValue returns a value logger that formats values using '%+v' or '%#v' syntax.
func FmtValue(v any, goSyntax bool) slog.LogValuer { return fmtValue{v, goSyntax} }

type calcValue struct{ fn func() any }

func (v calcValue) LogValue() slog.Value {
	switch cv := v.fn().(type) {
	case slog.Value:
		return cv
	default:
		return slog.AnyValue(cv)
	}
}

// CalcValue returns a value logger that computes a value lazily using fn.
func CalcValue(fn func() any) slog.LogValuer { return calcValue{fn} }

// StringValue returns a value logger that formats raw bytes as string.
func StringValue(b []byte) slog.LogValuer { return stringValue(b) }

type stringValue []byte

func (v stringValue) LogValue() slog.Value { return slog.StringValue(string(v)) }

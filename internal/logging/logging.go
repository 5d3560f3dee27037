// Package logging builds the process slog.Logger and carries connection
// attributes on the context so every record logged for a connection is
// tagged with it.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

// Options configures New.
type Options struct {
	Level  string
	Format string
	// File enables a rotating log file in addition to stderr.
	File string
}

// New creates a logger writing to stderr and, when opts.File is set, to a
// rotating file. The returned closer releases the file.
func New(opts Options) (*slog.Logger, io.Closer) {
	var (
		w      io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if opts.File != "" {
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
		w = io.MultiWriter(os.Stderr, file)
		closer = file
	}
	return slog.New(NewHandler(w, opts)), closer
}

// NewHandler returns the context-aware handler New uses, writing to w.
func NewHandler(w io.Writer, opts Options) slog.Handler {
	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	var h slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		h = slog.NewJSONHandler(w, handlerOpts)
	} else {
		h = slog.NewTextHandler(w, handlerOpts)
	}
	return Handler{Handler: h}
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything else
// is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Handler adds the attributes stored by WithConnection and WithCommand.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", string(cd.ConnID)),
			slog.String("user", string(cd.UserID)),
			slog.String("remote_addr", cd.RemoteAddr),
		))
	}
	if cmd, ok := ctx.Value(commandKey{}).(*CommandData); ok {
		r.AddAttrs(slog.Group("cmd",
			slog.String("type", cmd.Type),
			slog.String("chat_id", string(cmd.ChatID)),
		))
	}
	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type connDataKey struct{}

// ConnData identifies the connection a record belongs to.
type ConnData struct {
	ConnID     chat.ConnectionID
	UserID     chat.UserID
	RemoteAddr string
}

func WithConnection(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type commandKey struct{}

// CommandData identifies the command being processed.
type CommandData struct {
	Type   string
	ChatID chat.ChatID
}

func WithCommand(ctx context.Context, data *CommandData) context.Context {
	return context.WithValue(ctx, commandKey{}, data)
}

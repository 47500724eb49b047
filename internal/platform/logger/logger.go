package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

// sensitiveKeys are attribute keys whose values never reach the output.
// A key also matches with a prefix, e.g. "db_password" or "http_token".
var sensitiveKeys = []string{"password", "secret", "token", "api_key", "dsn", "authorization"}

const redacted = "[REDACTED]"

// Options defines parameters for logger creation.
type Options struct {
	Env           string
	ConsoleLevel  string // Level for console output (default: info)
	ConsoleFormat string // "text" (tint, default) or "json"
	FileLevel     string // Level for file output (default: debug)
	File          string
	Rotation      Rotation
	App           string

	// Stdout receives console output (default: os.Stdout).
	Stdout io.Writer
}

// Rotation configures the lumberjack file writer. Zero fields take defaults.
type Rotation struct {
	MaxSizeMB  int // default 5
	MaxBackups int // default 3
	MaxAgeDays int // default 28
}

func (r Rotation) withDefaults() Rotation {
	if r.MaxSizeMB <= 0 {
		r.MaxSizeMB = 5
	}
	if r.MaxBackups <= 0 {
		r.MaxBackups = 3
	}
	if r.MaxAgeDays <= 0 {
		r.MaxAgeDays = 28
	}
	return r
}

var closers sync.Map

// New creates configured slog.Logger instance. Unknown levels fall back to
// the defaults.
func New(o Options) *slog.Logger {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	consoleLvl, err := ParseLevel(o.ConsoleLevel)
	if err != nil || o.ConsoleLevel == "" {
		consoleLvl = slog.LevelInfo
	}
	fileLvl, err := ParseLevel(o.FileLevel)
	if err != nil || o.FileLevel == "" {
		fileLvl = slog.LevelDebug
	}

	handlers := []slog.Handler{
		NewRedactingHandler(consoleHandler(o, consoleLvl), sensitiveKeys),
	}

	var closer func() error
	if o.File != "" {
		fh, c := fileHandler(o, fileLvl)
		closer = c
		handlers = append(handlers, NewRedactingHandler(fh, sensitiveKeys))
	}

	var h slog.Handler
	if len(handlers) == 1 {
		h = handlers[0]
	} else {
		h = NewMultiHandler(handlers...)
	}

	l := slog.New(h).With(
		slog.String("app", o.App),
		slog.String("env", o.Env),
	)

	if closer != nil {
		closers.Store(l, closer)
	}

	return l
}

func consoleHandler(o Options, lvl slog.Level) slog.Handler {
	if o.ConsoleFormat == "json" {
		return slog.NewJSONHandler(o.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	// dev: short timestamps; prod: RFC3339 for log collectors
	format := time.RFC3339
	if o.Env == "dev" {
		format = time.Kitchen
	}
	return tint.NewHandler(o.Stdout, &tint.Options{Level: lvl, TimeFormat: format})
}

func fileHandler(o Options, lvl slog.Level) (slog.Handler, func() error) {
	rot := o.Rotation.withDefaults()
	w := &lumberjack.Logger{
		Filename:   o.File,
		MaxSize:    rot.MaxSizeMB,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAgeDays,
		Compress:   true,
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}), w.Close
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Component returns a child logger tagged with the component name.
func Component(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("component", name))
}

// Close closes all file handlers to release resources.
// Should be called when shutting down the application.
func Close(logger *slog.Logger) error {
	if c, ok := closers.Load(logger); ok {
		closers.Delete(logger)
		return c.(func() error)()
	}
	return nil
}

// ParseLevel parses debug, info, warn or error (case-insensitive).
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// RedactingHandler masks sensitive log attributes, including attributes
// nested in groups.
type RedactingHandler struct {
	inner slog.Handler
	keys  map[string]struct{}
}

// NewRedactingHandler wraps handler with redaction of sensitive fields.
func NewRedactingHandler(inner slog.Handler, sensitive []string) *RedactingHandler {
	m := make(map[string]struct{}, len(sensitive))
	for _, k := range sensitive {
		m[strings.ToLower(k)] = struct{}{}
	}
	return &RedactingHandler{inner: inner, keys: m}
}

// Enabled implements slog.Handler.
func (h *RedactingHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

// Handle implements slog.Handler.
func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	nr := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	var attrs []slog.Attr
	r.Attrs(func(a slog.Attr) bool { attrs = append(attrs, a); return true })
	nr.AddAttrs(h.sanitize(attrs)...)
	return h.inner.Handle(ctx, nr)
}

// WithAttrs implements slog.Handler.
func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithAttrs(h.sanitize(attrs)), keys: h.keys}
}

// WithGroup implements slog.Handler.
func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name), keys: h.keys}
}

func (h *RedactingHandler) sanitize(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, h.sanitizeAttr(a))
	}
	return out
}

func (h *RedactingHandler) sanitizeAttr(a slog.Attr) slog.Attr {
	if h.sensitiveKey(a.Key) {
		return slog.String(a.Key, redacted)
	}
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(h.sanitize(v.Group())...)}
	case slog.KindString:
		if looksSensitive(v.String()) {
			return slog.String(a.Key, redacted)
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}

func (h *RedactingHandler) sensitiveKey(key string) bool {
	k := strings.ToLower(key)
	if _, ok := h.keys[k]; ok {
		return true
	}
	if i := strings.LastIndexAny(k, "_.-"); i >= 0 {
		_, ok := h.keys[k[i+1:]]
		return ok
	}
	return false
}

// looksSensitive catches credentials embedded in values: SQLite URIs with
// auth or cipher parameters, URLs with a password, bearer headers.
func looksSensitive(s string) bool {
	ls := strings.ToLower(s)
	for _, marker := range []string{"_auth_pass=", "password=", "_pragma=key", "sqlcipher"} {
		if strings.Contains(ls, marker) {
			return true
		}
	}
	if strings.HasPrefix(ls, "bearer ") {
		return true
	}
	if i := strings.Index(ls, "://"); i >= 0 {
		rest := ls[i+3:]
		if at := strings.IndexByte(rest, '@'); at > 0 && strings.Contains(rest[:at], ":") {
			return true
		}
	}
	return false
}

// MultiHandler fans a record out to several handlers.
type MultiHandler struct {
	handlers []slog.Handler
}

// NewMultiHandler creates a handler that writes to multiple handlers.
func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

// Enabled implements slog.Handler.
func (h *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle implements slog.Handler. A failing handler does not stop the
// others; their errors are joined.
func (h *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// WithAttrs implements slog.Handler.
func (h *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &MultiHandler{handlers: handlers}
}

// WithGroup implements slog.Handler.
func (h *MultiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &MultiHandler{handlers: handlers}
}

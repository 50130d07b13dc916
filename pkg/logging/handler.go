package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Handler реализует slog.Handler поверх zerolog.Logger.
// Библиотечные пакеты пишут через *slog.Logger, а хост выбирает формат вывода
// (JSON или ConsoleWriter) настройкой zerolog.
type Handler struct {
	logger zerolog.Logger
	level  slog.Leveler
	attrs  []prefixed
	group  string
}

// prefixed атрибут, добавленный через WithAttrs, с префиксом групп на момент вызова
type prefixed struct {
	prefix string
	attr   slog.Attr
}

// Options параметры обработчика
type Options struct {
	// Level минимальный уровень (по умолчанию slog.LevelInfo)
	Level slog.Leveler
	// Console включает человекочитаемый вывод zerolog.ConsoleWriter
	Console bool
	// NoColor отключает цвета ConsoleWriter
	NoColor bool
}

// NewHandler создает обработчик, пишущий в w
func NewHandler(w io.Writer, opts Options) *Handler {
	if opts.Console {
		w = zerolog.ConsoleWriter{Out: w, NoColor: opts.NoColor, TimeFormat: time.RFC3339}
	}
	return FromZerolog(zerolog.New(w), opts.Level)
}

// FromZerolog оборачивает готовый zerolog.Logger
func FromZerolog(logger zerolog.Logger, level slog.Leveler) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{logger: logger, level: level}
}

// New создает *slog.Logger поверх zerolog
func New(w io.Writer, opts Options) *slog.Logger {
	return slog.New(NewHandler(w, opts))
}

// Enabled реализует slog.Handler
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	if level < h.level.Level() {
		return false
	}
	return zerologLevel(level) >= h.logger.GetLevel()
}

// Handle реализует slog.Handler
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	e := h.logger.WithLevel(zerologLevel(r.Level))
	if e == nil {
		return nil
	}
	if !r.Time.IsZero() {
		e = e.Time(zerolog.TimestampFieldName, r.Time)
	}
	for _, p := range h.attrs {
		appendAttr(e, p.prefix, p.attr)
	}
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(e, h.group, a)
		return true
	})
	e.Msg(r.Message)
	return nil
}

// WithAttrs реализует slog.Handler
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := *h
	next.attrs = make([]prefixed, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, prefixed{prefix: h.group, attr: a})
	}
	return &next
}

// WithGroup реализует slog.Handler. Группы разворачиваются в ключи через точку.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.group = join(h.group, name)
	return &next
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func appendAttr(e *zerolog.Event, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if a.Key == "" && v.Kind() != slog.KindGroup {
		return
	}
	key := join(prefix, a.Key)

	switch v.Kind() {
	case slog.KindGroup:
		group := prefix
		if a.Key != "" {
			group = key
		}
		for _, ga := range v.Group() {
			appendAttr(e, group, ga)
		}
	case slog.KindString:
		e.Str(key, v.String())
	case slog.KindInt64:
		e.Int64(key, v.Int64())
	case slog.KindUint64:
		e.Uint64(key, v.Uint64())
	case slog.KindFloat64:
		e.Float64(key, v.Float64())
	case slog.KindBool:
		e.Bool(key, v.Bool())
	case slog.KindDuration:
		e.Dur(key, v.Duration())
	case slog.KindTime:
		e.Time(key, v.Time())
	default:
		if err, ok := v.Any().(error); ok {
			e.AnErr(key, err)
			return
		}
		e.Interface(key, v.Any())
	}
}

func zerologLevel(l slog.Level) zerolog.Level {
	switch {
	case l >= slog.LevelError:
		return zerolog.ErrorLevel
	case l >= slog.LevelWarn:
		return zerolog.WarnLevel
	case l >= slog.LevelInfo:
		return zerolog.InfoLevel
	case l >= slog.LevelDebug:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}

// ParseLevel разбирает имя уровня в формате zerolog (trace, debug, info, warn, error)
func ParseLevel(s string) (slog.Level, error) {
	zl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return slog.LevelInfo, err
	}
	switch zl {
	case zerolog.TraceLevel:
		return slog.LevelDebug - 4, nil
	case zerolog.DebugLevel:
		return slog.LevelDebug, nil
	case zerolog.WarnLevel:
		return slog.LevelWarn, nil
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, nil
	}
}

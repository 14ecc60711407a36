package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kardianos/service"
)

// ServiceHandler writes records to a kardianos service logger (the Windows
// event log, syslog or the launchd log) as "message key=value ...".
type ServiceHandler struct {
	logger service.Logger
	level  slog.Leveler
	prefix string
	attrs  []slog.Attr
}

// NewServiceHandler returns a handler for records at or above level.
func NewServiceHandler(logger service.Logger, level slog.Leveler) *ServiceHandler {
	return &ServiceHandler{logger: logger, level: level}
}

func (h *ServiceHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *ServiceHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		writeAttr(&b, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.prefix, a)
		return true
	})

	msg := b.String()
	switch {
	case r.Level >= slog.LevelError:
		return h.logger.Error(msg)
	case r.Level >= slog.LevelWarn:
		return h.logger.Warning(msg)
	default:
		return h.logger.Info(msg)
	}
}

func (h *ServiceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *ServiceHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, g := range a.Value.Group() {
			writeAttr(b, prefix+a.Key+".", g)
		}
		return
	}
	fmt.Fprintf(b, " %s%s=%v", prefix, a.Key, a.Value.Any())
}

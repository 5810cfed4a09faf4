package agent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dgnsrekt/tab_relay/internal/protocol"
)

// LogHandler wraps a slog.Handler and forwards warn and error records to the
// hub as log notifications. Records are dropped when the queue is full.
type LogHandler struct {
	next  slog.Handler
	agent *Agent
	attrs []slog.Attr
	group string
}

// NewLogHandler forwards records handled by next through a.
func NewLogHandler(next slog.Handler, a *Agent) *LogHandler {
	return &LogHandler{next: next, agent: a}
}

func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level) || level >= slog.LevelWarn
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.next.Enabled(ctx, r.Level) {
		err = h.next.Handle(ctx, r)
	}
	if r.Level >= slog.LevelWarn {
		fields := make(map[string]any, r.NumAttrs()+len(h.attrs))
		for _, a := range h.attrs {
			fields[h.key(a.Key)] = a.Value.Resolve().Any()
		}
		r.Attrs(func(a slog.Attr) bool {
			v := a.Value.Resolve().Any()
			if e, ok := v.(error); ok {
				v = e.Error()
			}
			fields[h.key(a.Key)] = v
			return true
		})
		args := []any{r.Message}
		if len(fields) > 0 {
			args = append(args, fields)
		}
		h.agent.enqueueLog(protocol.LogParams{Level: strings.ToLower(r.Level.String()), Args: args})
	}
	return err
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.next = h.next.WithAttrs(attrs)
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.next = h.next.WithGroup(name)
	next.group = h.key(name)
	return &next
}

func (h *LogHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

func (a *Agent) enqueueLog(lp protocol.LogParams) {
	select {
	case a.logs <- lp:
	default:
	}
}

func (a *Agent) forwardLog(lp protocol.LogParams) {
	a.notify(protocol.MethodNameLog, lp)
}

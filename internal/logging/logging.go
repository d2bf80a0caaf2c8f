// Package logging builds the mesh's slog.Logger: a tint-colorized handler
// for local/dev runs and plain JSON in production, the same split
// dist-job-scheduler's cmd/scheduler/main.go makes (newLogger(env, level)),
// wrapped in a ContextHandler that pulls correlation fields out of
// context.Context the way dist-job-scheduler's internal/log package does.
package logging

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

type ctxKey string

const (
	keyScheduleID ctxKey = "schedule_id"
	keyAgentID    ctxKey = "agent_id"
	keyRunID      ctxKey = "run_id"
	keyRequestID  ctxKey = "request_id"
)

// WithScheduleID attaches a schedule id to ctx for downstream logging.
func WithScheduleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyScheduleID, id)
}

// WithAgentID attaches an agent id to ctx for downstream logging.
func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyAgentID, id)
}

// WithRunID attaches a run id to ctx for downstream logging.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRunID, id)
}

// WithRequestID attaches an HTTP request id to ctx for downstream logging.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// contextHandler decorates an slog.Handler with fields pulled from the
// record's context, mirroring dist-job-scheduler's ContextHandler.
type contextHandler struct {
	slog.Handler
}

func newContextHandler(inner slog.Handler) *contextHandler {
	return &contextHandler{Handler: inner}
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if v, ok := ctx.Value(keyScheduleID).(string); ok && v != "" {
		r.AddAttrs(slog.String("schedule_id", v))
	}
	if v, ok := ctx.Value(keyAgentID).(string); ok && v != "" {
		r.AddAttrs(slog.String("agent_id", v))
	}
	if v, ok := ctx.Value(keyRunID).(string); ok && v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v, ok := ctx.Value(keyRequestID).(string); ok && v != "" {
		r.AddAttrs(slog.String("request_id", v))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}

// New builds the mesh logger. jsonOutput selects the production JSON
// handler; otherwise a tint-colorized handler is used, matching
// dist-job-scheduler's env == "local" branch.
func New(jsonOutput bool, component string) *slog.Logger {
	var inner slog.Handler
	if jsonOutput {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      slog.LevelInfo,
			TimeFormat: time.Kitchen,
		})
	}
	return slog.New(newContextHandler(inner)).With("component", component)
}

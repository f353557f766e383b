// Package log configures structured logging for importflow.
package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

type contextKey string

const (
	jobIDKey contextKey = "job_id"
	ownerKey contextKey = "owner"
)

// WithJobID returns a context whose log records carry the job id.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithOwner returns a context whose log records carry the job owner.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey, owner)
}

// ContextHandler decorates records with job attributes carried in the
// context, so call sites do not have to thread them through every log call.
type ContextHandler struct {
	slog.Handler
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if jobID, ok := ctx.Value(jobIDKey).(string); ok {
		r.AddAttrs(slog.String("job_id", jobID))
	}
	if owner, ok := ctx.Value(ownerKey).(string); ok {
		r.AddAttrs(slog.String("owner", owner))
	}
	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// New builds the process logger: JSON to stderr, optionally fanned out to an
// append-only file when path is non-empty.
func New(level slog.Level, path string) (*slog.Logger, func() error, error) {
	stderrHandler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})

	var handler slog.Handler = stderrHandler
	closer := func() error { return nil }

	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file %s: %w", path, err)
		}
		fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})
		handler = slogmulti.Fanout(stderrHandler, fileHandler)
		closer = f.Close
	}

	return slog.New(ContextHandler{Handler: handler}), closer, nil
}

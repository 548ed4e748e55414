package logx

import (
	"context"

	"github.com/Tech-Arch1tect/berth-sub004/internal/security"
	"pkt.systems/pslog"
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	if ctx == nil {
		ctx = context.Background()
	}
	return pslog.Ctx(ctx)
}

// Or returns log when set, otherwise the logger bound to ctx.
func Or(log pslog.Logger, ctx context.Context) pslog.Logger {
	if log != nil {
		return log
	}
	return Ctx(ctx)
}

func WithOperation(log pslog.Logger, operationID string) pslog.Logger {
	if operationID != "" {
		log = log.With("operation", operationID)
	}
	return log
}

func WithSession(log pslog.Logger, sessionID string) pslog.Logger {
	if sessionID != "" {
		log = log.With("session", sessionID)
	}
	return log
}

func WithTab(log pslog.Logger, tabID string) pslog.Logger {
	if tabID != "" {
		log = log.With("tab", tabID)
	}
	return log
}

// WithURL annotates the logger with a redacted endpoint.
func WithURL(log pslog.Logger, rawURL string) pslog.Logger {
	if rawURL != "" {
		log = log.With("url", security.RedactURL(rawURL))
	}
	return log
}

// ContextWithOperation attaches an operation-scoped logger to ctx.
func ContextWithOperation(ctx context.Context, operationID string) context.Context {
	return pslog.ContextWithLogger(ctx, WithOperation(Ctx(ctx), operationID))
}

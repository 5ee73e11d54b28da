package audit

import (
	"context"
	"errors"
	"strings"

	"vetsync.org/internal/auth"
	"vetsync.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and caller context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	kv := []any{"type", "audit", "event", event}
	if rid := RequestIDFromContext(ctx); rid != "" {
		kv = append(kv, "request_id", rid)
	}
	if id, ok := auth.IdentityFromContext(ctx); ok {
		kv = append(kv, "user_id", id.UserID)
		if id.OrgID != "" {
			kv = append(kv, "org_id", id.OrgID)
		}
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	kv = append(kv, "fields", copyFields)
	obs.Logger().Infow("audit", kv...)
	return nil
}

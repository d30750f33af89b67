package logging

import (
	"context"
	"log/slog"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldCardID is the standardized key for card identifiers.
	FieldCardID = "card_id"
	// FieldSessionID is the standardized key for copy session identifiers.
	FieldSessionID = "session_id"
	// FieldVolume is the standardized key for volume mount points.
	FieldVolume = "volume"
	// FieldEventType classifies a log line for filtering.
	FieldEventType = "event_type"
	// FieldErrorHint suggests a next step to the operator.
	FieldErrorHint = "error_hint"
	// FieldImpact is the standardized key for user-facing consequence of a warning.
	FieldImpact = "impact"
)

type contextKey int

const (
	cardIDKey contextKey = iota
	sessionIDKey
)

// WithCardID returns a context tagged with the active card identifier.
func WithCardID(ctx context.Context, cardID string) context.Context {
	if cardID == "" {
		return ctx
	}
	return context.WithValue(ctx, cardIDKey, cardID)
}

// WithSessionID returns a context tagged with the copy session identifier.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// CardIDFromContext returns the card identifier carried by ctx.
func CardIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(cardIDKey).(string)
	return id, ok && id != ""
}

// SessionIDFromContext returns the copy session identifier carried by ctx.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(sessionIDKey).(string)
	return id, ok && id != ""
}

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	fields := make([]slog.Attr, 0, 2)
	if id, ok := CardIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCardID, id))
	}
	if id, ok := SessionIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldSessionID, id))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(attrsToArgs(fields)...)
}

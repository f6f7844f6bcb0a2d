package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyRequestID    contextKey = "request_id"
	keyUserID       contextKey = "user_id"
	keyRoles        contextKey = "roles"
	keyCentral      contextKey = "central"
	keyRunID        contextKey = "run_id"
	keyConsortiumID contextKey = "consortium_id"
)

// WithRequestID adds request ID to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, keyRequestID, requestID)
}

// RequestID extracts request ID from context.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRequestID).(string)
	return v, ok && v != ""
}

// WithUserID adds user ID to context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, keyUserID, userID)
}

// UserID extracts user ID from context.
func UserID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyUserID).(string)
	return v, ok && v != ""
}

// WithRoles adds the caller roles to context.
func WithRoles(ctx context.Context, roles []string) context.Context {
	return context.WithValue(ctx, keyRoles, roles)
}

// Roles extracts the caller roles from context.
func Roles(ctx context.Context) ([]string, bool) {
	v, ok := ctx.Value(keyRoles).([]string)
	return v, ok && len(v) > 0
}

// WithCentral marks the caller as holding the central credential.
func WithCentral(ctx context.Context, central bool) context.Context {
	return context.WithValue(ctx, keyCentral, central)
}

// Central reports whether the caller holds the central credential.
func Central(ctx context.Context) bool {
	v, _ := ctx.Value(keyCentral).(bool)
	return v
}

// WithRunID adds run ID to context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, keyRunID, runID)
}

// RunID extracts run ID from context.
func RunID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRunID).(string)
	return v, ok && v != ""
}

// WithConsortiumID adds consortium ID to context.
func WithConsortiumID(ctx context.Context, consortiumID string) context.Context {
	return context.WithValue(ctx, keyConsortiumID, consortiumID)
}

// ConsortiumID extracts consortium ID from context.
func ConsortiumID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyConsortiumID).(string)
	return v, ok && v != ""
}

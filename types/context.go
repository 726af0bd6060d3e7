package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyTraceID        contextKey = "trace_id"
	keyOrganizationID contextKey = "organization_id"
	keyUserID         contextKey = "user_id"
	keyRoles          contextKey = "roles"
)

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}

// WithOrganizationID adds the caller's organization to context.
func WithOrganizationID(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, keyOrganizationID, orgID)
}

// OrganizationID extracts the caller's organization from context.
func OrganizationID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyOrganizationID).(string)
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

// WithRoles adds the caller's roles to context.
func WithRoles(ctx context.Context, roles []string) context.Context {
	return context.WithValue(ctx, keyRoles, roles)
}

// Roles extracts the caller's roles from context.
func Roles(ctx context.Context) []string {
	v, _ := ctx.Value(keyRoles).([]string)
	return v
}

// Caller is the resolved identity of whoever issued a request.
type Caller struct {
	OrganizationID string `json:"organization_id"`
	UserID         string `json:"user_id"`
}

// CallerFromContext assembles a Caller from context values.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	org, okOrg := OrganizationID(ctx)
	user, okUser := UserID(ctx)
	return Caller{OrganizationID: org, UserID: user}, okOrg && okUser
}

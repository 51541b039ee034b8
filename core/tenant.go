package core

import "context"

type tenantCtxKey struct{}

// WithTenant returns a copy of ctx scoped to tenantID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantCtxKey{}, tenantID)
}

// TenantFromContext returns the tenant the context is scoped to.
func TenantFromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(tenantCtxKey{}).(string)
	return tenantID, ok && tenantID != ""
}

// Principal identifies the authenticated caller of a request.
type Principal struct {
	UserID   string
	TenantID string
	Roles    []string
}

// Package clinic carries the resolved tenant scope for one in-flight request.
// The scope lives on the request context and nowhere else: there is no
// process-wide current clinic, and nothing here can be set before
// authentication has produced a principal.
package clinic

import (
	"context"

	"github.com/clinicgate/clinicgate/internal/platform/principal"
)

type contextKey string

const scopeKey contextKey = "clinic_scope"

// Context is the tenant scope handed to downstream data access. Query builders
// filter by ClinicID unless IsSuperAdmin is set.
type Context struct {
	ClinicID     string
	IsSuperAdmin bool
}

// FromPrincipal derives the tenant scope from an authenticated principal. The
// principal is the only source of truth for the clinic id; ambient signals
// such as the request's subdomain may corroborate it but never replace it.
func FromPrincipal(p *principal.Principal) Context {
	return Context{
		ClinicID:     p.ClinicID,
		IsSuperAdmin: p.Role == principal.RoleSuperAdmin,
	}
}

// WithScope attaches cc to ctx for the remainder of the request.
func WithScope(ctx context.Context, cc Context) context.Context {
	return context.WithValue(ctx, scopeKey, cc)
}

// ScopeFromContext returns the tenant scope, or ok=false when the request
// never completed authentication. Callers must treat the missing case as
// no access, not as unscoped access.
func ScopeFromContext(ctx context.Context) (Context, bool) {
	cc, ok := ctx.Value(scopeKey).(Context)
	return cc, ok
}

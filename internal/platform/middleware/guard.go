package middleware

import (
	"context"

	"github.com/clinicgate/clinicgate/internal/platform/principal"
)

// Guard is the route metadata that parameterizes the shared dispatcher. Plain
// and parametrized routes alike are served by the one pipeline; only this
// struct varies between them.
type Guard struct {
	// Roles the caller must hold one of. Empty means any authenticated role.
	Roles []principal.Role
	// Permissions the caller must hold all of.
	Permissions []string
	// ClinicParam names the route parameter carrying the resource's clinic id
	// (e.g. "clinic_id" for /api/v1/clinics/:clinic_id/patients). Empty for
	// operations that are not tenant-scoped at the route level.
	ClinicParam string
	// Resource, when set, marks the route as touching protected health
	// information; a successful request emits exactly one PHI_ACCESS event
	// for this resource type.
	Resource string
	// ResourceIDParam names the route parameter holding the resource id for
	// PHI_ACCESS events. Defaults to "id".
	ResourceIDParam string
	// OptionalAuth routes resolve a missing or invalid token to the explicit
	// Anonymous variant instead of rejecting.
	OptionalAuth bool
	// AllowSessionless admits link-use tokens that carry no session id.
	// Everything else requires a live session record.
	AllowSessionless bool
	// AllowBreakGlass permits the X-Break-Glass emergency override on this
	// route. The override converts a denial into an allow and is always
	// audited with the alert flag set.
	AllowBreakGlass bool
	// HandlerRecordsOutcome marks routes whose handler writes its own audit
	// event for the operation. The dispatcher then skips its generic success
	// record so the stream carries one decision per request. Rejections and
	// break-glass overrides are still recorded by the dispatcher.
	HandlerRecordsOutcome bool
}

type contextKey string

const (
	authnKey     contextKey = "authn"
	requestIDKey contextKey = "request_id"
)

// WithAuthn attaches the tagged authentication result to the request context.
func WithAuthn(ctx context.Context, a principal.Authn) context.Context {
	return context.WithValue(ctx, authnKey, a)
}

// AuthnFromContext returns the tagged authentication result. The second
// return is false only when the dispatcher never ran for this request.
func AuthnFromContext(ctx context.Context) (principal.Authn, bool) {
	a, ok := ctx.Value(authnKey).(principal.Authn)
	return a, ok
}

// PrincipalFromContext returns the authenticated principal, or ok=false for
// anonymous or undispatched requests.
func PrincipalFromContext(ctx context.Context) (*principal.Principal, bool) {
	a, ok := AuthnFromContext(ctx)
	if !ok || a.IsAnonymous() {
		return nil, false
	}
	return a.Principal, true
}

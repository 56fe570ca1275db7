// Package access evaluates role, permission, and tenant rules into an
// allow/deny decision. Evaluation is pure: the same principal and requirements
// always produce the same decision, with no hidden state.
package access

import (
	"github.com/clinicgate/clinicgate/internal/platform/principal"
)

// Reason explains a denial, or flags special allows. Reasons feed the audit
// stream only; HTTP responses never carry them.
type Reason string

const (
	ReasonAllowed                Reason = ""
	ReasonInsufficientRole       Reason = "insufficient_role"
	ReasonInsufficientPermission Reason = "insufficient_permission"
	ReasonCrossTenant            Reason = "cross_tenant"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allow  bool
	Reason Reason
	// SuperAdminCrossClinic marks an allow that crossed a tenant boundary on
	// super-admin privilege. Such allows are audited distinctly so they can
	// never pass as routine access.
	SuperAdminCrossClinic bool
}

// Requirements describes what a route demands of the caller.
type Requirements struct {
	Roles       []principal.Role
	Permissions []string
	// ResourceClinicID is the tenant owning the addressed resource, empty for
	// non-tenant-scoped operations.
	ResourceClinicID string
}

// Controller evaluates Requirements against a Principal. Rules run in a fixed
// order; the first failing rule decides.
type Controller struct{}

// Authorize checks, in order: role membership, permission coverage, tenant
// boundary. Super-admin is exempt from the tenant rule only, and that
// exemption is surfaced on the decision for audit labeling.
func (Controller) Authorize(p *principal.Principal, req Requirements) Decision {
	if len(req.Roles) > 0 && !roleAllowed(p.Role, req.Roles) {
		return Decision{Reason: ReasonInsufficientRole}
	}

	for _, perm := range req.Permissions {
		if !p.HasPermission(perm) {
			return Decision{Reason: ReasonInsufficientPermission}
		}
	}

	if req.ResourceClinicID != "" && p.ClinicID != req.ResourceClinicID {
		if p.Role != principal.RoleSuperAdmin {
			return Decision{Reason: ReasonCrossTenant}
		}
		return Decision{Allow: true, SuperAdminCrossClinic: true}
	}

	return Decision{Allow: true}
}

// roleAllowed is strict set membership. Super-admin gets no shortcut here:
// its only special standing is the tenant-boundary exemption, and routes that
// admit super-admins list the role explicitly.
func roleAllowed(have principal.Role, allowed []principal.Role) bool {
	for _, r := range allowed {
		if have == r {
			return true
		}
	}
	return false
}

package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicgate/clinicgate/internal/platform/access"
	"github.com/clinicgate/clinicgate/internal/platform/audit"
	"github.com/clinicgate/clinicgate/internal/platform/clinic"
	"github.com/clinicgate/clinicgate/internal/platform/principal"
	"github.com/clinicgate/clinicgate/internal/platform/session"
	"github.com/clinicgate/clinicgate/internal/platform/token"
)

// pipelineState tracks how far a request advanced before dispatch or
// rejection. Logged with every rejection so operators can see exactly which
// stage failed without that detail ever reaching the caller.
type pipelineState int

const (
	stateUnauthenticated pipelineState = iota
	stateTokenExtracted
	stateTokenVerified
	stateSessionValidated
	stateAuthorized
	stateClinicScoped
	stateDispatched
)

func (s pipelineState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateTokenExtracted:
		return "token_extracted"
	case stateTokenVerified:
		return "token_verified"
	case stateSessionValidated:
		return "session_validated"
	case stateAuthorized:
		return "authorized"
	case stateClinicScoped:
		return "clinic_scoped"
	case stateDispatched:
		return "dispatched"
	}
	return "unknown"
}

// retryDelay is the backoff before the single retry granted to
// dependency-unavailable failures.
const retryDelay = 100 * time.Millisecond

// Dispatcher is the one shared auth pipeline. Every route, plain or
// parametrized, is guarded by the same implementation; only the Guard
// metadata varies. There is deliberately no second copy of this state machine
// anywhere in the codebase.
type Dispatcher struct {
	extractor  *token.Extractor
	verifier   *token.Verifier
	sessions   session.Store
	access     access.Controller
	audit      *audit.Dispatcher
	resolver   clinic.Resolver
	breakGlass *breakGlassLimiter
	logger     zerolog.Logger
	now        func() time.Time
}

func NewDispatcher(
	extractor *token.Extractor,
	verifier *token.Verifier,
	sessions session.Store,
	auditor *audit.Dispatcher,
	resolver clinic.Resolver,
	logger zerolog.Logger,
) *Dispatcher {
	if resolver == nil {
		resolver = clinic.NopResolver{}
	}
	return &Dispatcher{
		extractor:  extractor,
		verifier:   verifier,
		sessions:   sessions,
		audit:      auditor,
		resolver:   resolver,
		breakGlass: newBreakGlassLimiter(),
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock injects a deterministic clock for tests.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// rejection is a short-circuit out of the pipeline: a classified reason for
// the HTTP mapping plus an audit category and internal detail.
type rejection struct {
	reason   RejectReason
	category audit.Category
	detail   string
}

// outcome is the result of running the pipeline for one request.
type outcome struct {
	state           pipelineState
	authn           principal.Authn
	src             token.Source
	sess            *session.Session
	decision        access.Decision
	emergency       bool
	emergencyReason string
	// softFailure records a token failure that an optional-auth route
	// resolved to Anonymous instead of rejecting. Audited, not returned.
	softFailure *rejection
	rejected    *rejection
}

// Guard returns middleware enforcing g ahead of the wrapped handler. The
// pipeline runs verify → session → authorize → clinic-scope → audit; any
// failing stage short-circuits with both an HTTP error and an audit event.
func (d *Dispatcher) Guard(g Guard) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			out := d.run(c, g)

			if out.softFailure != nil {
				d.recordRejection(c, g, out, out.softFailure)
			}
			if out.rejected != nil {
				d.recordRejection(c, g, out, out.rejected)
				d.logger.Debug().
					Str("stage", out.state.String()).
					Str("reason", string(out.rejected.reason)).
					Str("path", c.Request().URL.Path).
					Msg("request rejected")
				return out.rejected.reason.HTTPError()
			}

			ctx := WithAuthn(c.Request().Context(), out.authn)
			if p := out.authn.Principal; p != nil {
				ctx = clinic.WithScope(ctx, clinic.FromPrincipal(p))
			}
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)

			// A cancelled request must never leave a completed-success audit
			// record behind; an absent entry beats a false positive.
			if c.Request().Context().Err() == nil {
				d.recordSuccess(c, g, out)
			}
			return err
		}
	}
}

func (d *Dispatcher) run(c echo.Context, g Guard) outcome {
	ctx := c.Request().Context()
	out := outcome{state: stateUnauthenticated, authn: principal.Anonymous()}

	// Stage 1: extract.
	tok, src, found := d.extractor.Extract(c)
	if !found {
		if g.OptionalAuth {
			out.state = stateDispatched
			return out
		}
		out.rejected = &rejection{reason: RejectTokenMissing, category: audit.CategoryAuthFailure}
		return out
	}
	out.state = stateTokenExtracted
	out.src = src

	// Stage 2: verify.
	var p *principal.Principal
	err := retryDependency(ctx, func() error {
		var verr error
		p, verr = d.verifier.Verify(ctx, tok)
		return verr
	}, func(e error) bool { return errors.Is(e, token.ErrVersionUnavailable) })
	if err != nil {
		rej := classifyVerifyError(err)
		if g.OptionalAuth && rej.reason != RejectDependencyUnavailable {
			out.softFailure = rej
			out.state = stateDispatched
			return out
		}
		out.rejected = rej
		return out
	}
	out.state = stateTokenVerified
	out.authn = principal.Authenticated(p)

	// Stage 3: session.
	if rej := d.validateSession(ctx, c, g, &out, p, src); rej != nil {
		out.rejected = rej
		return out
	}
	out.state = stateSessionValidated

	// Stage 4: authorize.
	req := access.Requirements{Roles: g.Roles, Permissions: g.Permissions}
	if g.ClinicParam != "" {
		req.ResourceClinicID = c.Param(g.ClinicParam)
	}
	out.decision = d.access.Authorize(p, req)
	if !out.decision.Allow {
		if rej := d.tryBreakGlass(c, g, &out, p); rej != nil {
			out.rejected = rej
			return out
		}
		if !out.emergency {
			out.rejected = classifyDenial(out.decision.Reason)
			return out
		}
	}
	out.state = stateAuthorized

	// Stage 5: clinic scope. The principal decides; the subdomain may only
	// corroborate. A mismatch is an operational signal, never a scope change.
	if hostClinic, ok := d.resolver.ResolveHost(c.Request().Host); ok {
		if hostClinic != p.ClinicID && p.Role != principal.RoleSuperAdmin {
			d.logger.Warn().
				Str("principal_clinic", p.ClinicID).
				Str("host_clinic", hostClinic).
				Str("host", c.Request().Host).
				Str("principal_id", p.ID.String()).
				Msg("clinic subdomain does not corroborate principal")
		}
	}
	out.state = stateClinicScoped

	out.state = stateDispatched
	return out
}

// validateSession enforces the session stage. A token with no session id is
// only admissible as a safe-listed query link token; everything else without
// a resolvable session record is a denial, never a pass-through.
func (d *Dispatcher) validateSession(ctx context.Context, c echo.Context, g Guard, out *outcome, p *principal.Principal, src token.Source) *rejection {
	if p.SessionID == "" {
		if g.AllowSessionless && src == token.SourceQuery {
			return nil
		}
		return &rejection{
			reason:   RejectSessionNotFound,
			category: audit.CategoryAuthFailure,
			detail:   "token carries no session id",
		}
	}

	var sess *session.Session
	var status session.Status
	err := retryDependency(ctx, func() error {
		var verr error
		sess, status, verr = d.sessions.Validate(ctx, p.SessionID)
		return verr
	}, func(e error) bool { return errors.Is(e, session.ErrUnavailable) })
	if err != nil {
		// Session store down: fail closed. Skipping validation is the bypass
		// this pipeline exists to prevent.
		return &rejection{
			reason:   RejectDependencyUnavailable,
			category: audit.CategoryAuthFailure,
			detail:   "session store unavailable",
		}
	}

	switch status {
	case session.StatusValid:
		if sess.UserID != p.ID {
			return &rejection{
				reason:   RejectSessionNotFound,
				category: audit.CategoryAuthFailure,
				detail:   "session belongs to a different user",
			}
		}
	case session.StatusIdleTimeout:
		return &rejection{reason: RejectSessionIdleTimeout, category: audit.CategorySessionTimeout}
	case session.StatusAbsoluteTimeout:
		return &rejection{reason: RejectSessionAbsoluteTimeout, category: audit.CategorySessionTimeout}
	default:
		return &rejection{reason: RejectSessionNotFound, category: audit.CategoryAuthFailure}
	}

	out.sess = sess

	// Touch failures degrade activity tracking, they do not fail the request.
	if err := d.sessions.Touch(ctx, p.SessionID, d.now()); err != nil {
		d.logger.Error().Err(err).Str("session_id", p.SessionID).Msg("session touch failed")
	}
	return nil
}

// tryBreakGlass applies the emergency override to a denial when the route
// permits it. Returns a rejection only when the override was attempted and
// refused (rate limit); otherwise the caller inspects out.emergency.
func (d *Dispatcher) tryBreakGlass(c echo.Context, g Guard, out *outcome, p *principal.Principal) *rejection {
	if !g.AllowBreakGlass {
		return nil
	}
	reason := strings.TrimSpace(c.Request().Header.Get(BreakGlassHeader))
	if reason == "" {
		return nil
	}

	if !d.breakGlass.allow(p.ID.String(), d.now(), breakGlassMaxPerHour) {
		return &rejection{
			reason:   RejectRateLimited,
			category: audit.CategoryAuthFailure,
			detail:   "break-glass rate limit exceeded",
		}
	}

	out.emergency = true
	out.emergencyReason = reason
	return nil
}

func (d *Dispatcher) recordRejection(c echo.Context, g Guard, out outcome, rej *rejection) {
	e := d.baseEvent(c, g, out)
	e.Category = rej.category
	e.Outcome = audit.OutcomeDeny
	e.Reason = string(rej.reason)
	if rej.detail != "" {
		if e.Metadata == nil {
			e.Metadata = map[string]string{}
		}
		e.Metadata["detail"] = rej.detail
	}
	d.audit.Record(e)
}

func (d *Dispatcher) recordSuccess(c echo.Context, g Guard, out outcome) {
	p := out.authn.Principal
	if p == nil {
		// Anonymous dispatch on an optional-auth route records no decision
		// event; any classified token failure was already recorded above.
		return
	}
	if g.HandlerRecordsOutcome && !out.emergency {
		// The handler owns the success record for this route. Emergency
		// overrides stay here so EMERGENCY_ACCESS is never skipped.
		return
	}

	e := d.baseEvent(c, g, out)
	e.Outcome = audit.OutcomeAllow

	switch {
	case out.emergency:
		e.Category = audit.CategoryEmergencyAccess
		e.Reason = out.emergencyReason
		e.Alert = true
	case g.Resource != "":
		e.Category = audit.CategoryPHIAccess
	default:
		e.Category = audit.CategoryAuthSuccess
	}
	e.SuperAdminCrossClinic = out.decision.SuperAdminCrossClinic

	d.audit.Record(e)
}

// baseEvent assembles the fields every event for this request shares.
func (d *Dispatcher) baseEvent(c echo.Context, g Guard, out outcome) *audit.Event {
	req := c.Request()
	e := &audit.Event{
		Timestamp:    d.now().UTC(),
		Action:       methodAction(req.Method),
		ResourceType: g.Resource,
		IP:           c.RealIP(),
		UserAgent:    req.UserAgent(),
	}
	if g.Resource != "" {
		idParam := g.ResourceIDParam
		if idParam == "" {
			idParam = "id"
		}
		e.ResourceID = c.Param(idParam)
	}
	if rid, ok := c.Get("request_id").(string); ok {
		e.RequestID = rid
	}
	if p := out.authn.Principal; p != nil {
		e.PrincipalID = p.ID.String()
		e.Role = string(p.Role)
		e.ClinicID = p.ClinicID
		e.SessionID = p.SessionID
	}
	return e
}

// classifyVerifyError folds verifier errors into reject reasons. Signature
// failures surface as malformed: the caller-visible contract has exactly one
// "bad token" class, while the audit detail keeps the distinction.
func classifyVerifyError(err error) *rejection {
	switch {
	case errors.Is(err, token.ErrExpired):
		return &rejection{reason: RejectTokenExpired, category: audit.CategoryAuthFailure}
	case errors.Is(err, token.ErrRevoked):
		return &rejection{reason: RejectTokenRevoked, category: audit.CategoryAuthFailure}
	case errors.Is(err, token.ErrSignatureInvalid):
		return &rejection{reason: RejectTokenMalformed, category: audit.CategoryAuthFailure, detail: "signature_invalid"}
	case errors.Is(err, token.ErrVersionUnavailable):
		return &rejection{reason: RejectDependencyUnavailable, category: audit.CategoryAuthFailure, detail: "token version lookup unavailable"}
	default:
		return &rejection{reason: RejectTokenMalformed, category: audit.CategoryAuthFailure}
	}
}

func classifyDenial(reason access.Reason) *rejection {
	switch reason {
	case access.ReasonInsufficientRole:
		return &rejection{reason: RejectInsufficientRole, category: audit.CategoryAuthFailure}
	case access.ReasonInsufficientPermission:
		return &rejection{reason: RejectInsufficientPermission, category: audit.CategoryAuthFailure}
	case access.ReasonCrossTenant:
		return &rejection{reason: RejectCrossTenantAccess, category: audit.CategoryCrossTenantAttempt}
	default:
		return &rejection{reason: RejectInsufficientRole, category: audit.CategoryAuthFailure}
	}
}

// methodAction maps HTTP methods to audit action codes.
func methodAction(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// retryDependency runs fn, granting one retry after a short backoff when the
// failure is in the dependency-unavailable class. Anything else returns
// immediately; auth failures are never retried.
func retryDependency(ctx context.Context, fn func() error, isDep func(error) bool) error {
	err := fn()
	if err == nil || !isDep(err) {
		return err
	}
	select {
	case <-ctx.Done():
		return err
	case <-time.After(retryDelay):
	}
	return fn()
}

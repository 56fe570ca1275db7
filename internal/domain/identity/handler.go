package identity

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicgate/clinicgate/internal/platform/audit"
	"github.com/clinicgate/clinicgate/internal/platform/middleware"
	"github.com/clinicgate/clinicgate/internal/platform/principal"
	"github.com/clinicgate/clinicgate/internal/platform/session"
	"github.com/clinicgate/clinicgate/internal/platform/token"
)

// Handler is the session-issuance surface: it exchanges identity-provider
// assertions for sessions and access tokens, and lets users and admins manage
// live sessions.
type Handler struct {
	users      Repo
	sessions   session.PolicyStore
	issuer     *token.Issuer
	assertions AssertionVerifier
	versions   *token.VersionCache
	audit      *audit.Dispatcher
	logger     zerolog.Logger
}

func NewHandler(users Repo, sessions session.PolicyStore, issuer *token.Issuer, assertions AssertionVerifier, versions *token.VersionCache, auditDisp *audit.Dispatcher, logger zerolog.Logger) *Handler {
	return &Handler{
		users:      users,
		sessions:   sessions,
		issuer:     issuer,
		assertions: assertions,
		versions:   versions,
		audit:      auditDisp,
		logger:     logger.With().Str("component", "identity").Logger(),
	}
}

// RegisterRoutes wires the auth surface. Login is the only unguarded route;
// everything else runs through the shared dispatcher.
func (h *Handler) RegisterRoutes(e *echo.Echo, d *middleware.Dispatcher) {
	e.POST("/auth/login", h.Login)

	// Mutating routes write their own action-specific audit event, so the
	// dispatcher's generic success record is suppressed for them.
	authn := middleware.Guard{HandlerRecordsOutcome: true}
	e.POST("/auth/logout", h.Logout, d.Guard(authn))
	e.DELETE("/auth/sessions/:id", h.RevokeSession, d.Guard(authn))
	e.POST("/auth/password-changed", h.PasswordChanged, d.Guard(authn))

	e.GET("/auth/sessions", h.ListSessions, d.Guard(middleware.Guard{}))

	admin := middleware.Guard{
		Roles:                 []principal.Role{principal.RoleSuperAdmin},
		HandlerRecordsOutcome: true,
	}
	e.PUT("/admin/session-policy", h.UpdateSessionPolicy, d.Guard(admin))
}

type loginRequest struct {
	Assertion string `json:"assertion"`
}

type loginResponse struct {
	AccessToken string           `json:"access_token"`
	TokenType   string           `json:"token_type"`
	ExpiresIn   int64            `json:"expires_in"`
	Session     *session.Session `json:"session"`
}

// Login exchanges an identity-provider assertion for a session and an access
// token. Credential checking happened upstream; a bad assertion and an unknown
// or deactivated user are indistinguishable to the caller.
func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil || req.Assertion == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "assertion required")
	}
	ctx := c.Request().Context()

	userID, err := h.assertions.VerifyAssertion(req.Assertion)
	if err != nil {
		h.recordLoginFailure(c, "", "invalid_assertion")
		return middleware.RejectInvalidCredentials.HTTPError()
	}

	user, err := h.users.GetByID(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		h.recordLoginFailure(c, userID.String(), "user_unknown")
		return middleware.RejectInvalidCredentials.HTTPError()
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("user lookup failed during login")
		return middleware.RejectDependencyUnavailable.HTTPError()
	}
	if !user.Active {
		h.recordLoginFailure(c, userID.String(), "user_inactive")
		return middleware.RejectInvalidCredentials.HTTPError()
	}

	device := session.DeviceInfo{IP: c.RealIP(), UserAgent: c.Request().UserAgent()}
	sess, err := h.sessions.Create(ctx, user.ToPrincipal(""), device)
	if err != nil {
		h.logger.Error().Err(err).Msg("session create failed")
		return middleware.RejectDependencyUnavailable.HTTPError()
	}

	p := user.ToPrincipal(sess.ID)
	accessToken, err := h.issuer.Mint(p)
	if err != nil {
		// Roll the session back so a signing fault never strands a live
		// session with no token bound to it.
		_ = h.sessions.Revoke(ctx, sess.ID)
		h.logger.Error().Err(err).Msg("token mint failed")
		return middleware.RejectDependencyUnavailable.HTTPError()
	}

	h.audit.Record(&audit.Event{
		PrincipalID: user.ID.String(),
		Role:        string(user.Role),
		ClinicID:    user.ClinicID,
		Category:    audit.CategoryAuthSuccess,
		Action:      "login",
		Outcome:     audit.OutcomeAllow,
		IP:          c.RealIP(),
		UserAgent:   c.Request().UserAgent(),
		RequestID:   requestID(c),
		SessionID:   sess.ID,
	})

	return c.JSON(http.StatusOK, loginResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(sess.AbsoluteExpiresAt).Seconds()),
		Session:     sess,
	})
}

// Logout revokes the caller's current session. The access token keeps its
// signature validity but dies with the session.
func (h *Handler) Logout(c echo.Context) error {
	p, ok := middleware.PrincipalFromContext(c.Request().Context())
	if !ok {
		return middleware.RejectSessionNotFound.HTTPError()
	}

	if err := h.sessions.Revoke(c.Request().Context(), p.SessionID); err != nil {
		h.logger.Error().Err(err).Msg("session revoke failed")
		return middleware.RejectDependencyUnavailable.HTTPError()
	}

	h.audit.Record(&audit.Event{
		PrincipalID: p.ID.String(),
		Role:        string(p.Role),
		ClinicID:    p.ClinicID,
		Category:    audit.CategoryAuthSuccess,
		Action:      "logout",
		Outcome:     audit.OutcomeAllow,
		IP:          c.RealIP(),
		UserAgent:   c.Request().UserAgent(),
		RequestID:   requestID(c),
		SessionID:   p.SessionID,
	})

	return c.NoContent(http.StatusNoContent)
}

// ListSessions returns the caller's live sessions, newest activity first.
func (h *Handler) ListSessions(c echo.Context) error {
	p, ok := middleware.PrincipalFromContext(c.Request().Context())
	if !ok {
		return middleware.RejectSessionNotFound.HTTPError()
	}

	sessions, err := h.sessions.ListByUser(c.Request().Context(), p.ID)
	if err != nil {
		h.logger.Error().Err(err).Msg("session list failed")
		return middleware.RejectDependencyUnavailable.HTTPError()
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// RevokeSession revokes one of the caller's own sessions by id. A session id
// belonging to someone else reads as not found.
func (h *Handler) RevokeSession(c echo.Context) error {
	p, ok := middleware.PrincipalFromContext(c.Request().Context())
	if !ok {
		return middleware.RejectSessionNotFound.HTTPError()
	}
	ctx := c.Request().Context()
	targetID := c.Param("id")

	target, _, err := h.sessions.Validate(ctx, targetID)
	if err != nil {
		h.logger.Error().Err(err).Msg("session lookup failed")
		return middleware.RejectDependencyUnavailable.HTTPError()
	}
	if target == nil || target.UserID != p.ID {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}

	if err := h.sessions.Revoke(ctx, targetID); err != nil {
		h.logger.Error().Err(err).Msg("session revoke failed")
		return middleware.RejectDependencyUnavailable.HTTPError()
	}

	h.audit.Record(&audit.Event{
		PrincipalID: p.ID.String(),
		Role:        string(p.Role),
		ClinicID:    p.ClinicID,
		Category:    audit.CategoryAuthSuccess,
		Action:      "session_revoke",
		Outcome:     audit.OutcomeAllow,
		IP:          c.RealIP(),
		UserAgent:   c.Request().UserAgent(),
		RequestID:   requestID(c),
		SessionID:   targetID,
	})

	return c.NoContent(http.StatusNoContent)
}

// PasswordChanged is the revocation hook the identity provider calls after it
// has rotated a user's credentials: every session dies and the token version
// bumps so outstanding tokens fail verification immediately.
func (h *Handler) PasswordChanged(c echo.Context) error {
	p, ok := middleware.PrincipalFromContext(c.Request().Context())
	if !ok {
		return middleware.RejectSessionNotFound.HTTPError()
	}
	ctx := c.Request().Context()

	revoked, err := h.sessions.RevokeAll(ctx, p.ID)
	if err != nil {
		h.logger.Error().Err(err).Msg("revoke all sessions failed")
		return middleware.RejectDependencyUnavailable.HTTPError()
	}

	newVersion, err := h.users.BumpTokenVersion(ctx, p.ID)
	if err != nil {
		h.logger.Error().Err(err).Msg("token version bump failed")
		return middleware.RejectDependencyUnavailable.HTTPError()
	}
	// Drop the cached version so the bump takes effect inside the cache TTL.
	h.versions.Invalidate(p.ID)

	h.audit.Record(&audit.Event{
		PrincipalID: p.ID.String(),
		Role:        string(p.Role),
		ClinicID:    p.ClinicID,
		Category:    audit.CategoryConfigChange,
		Action:      "password_changed",
		Outcome:     audit.OutcomeAllow,
		IP:          c.RealIP(),
		UserAgent:   c.Request().UserAgent(),
		RequestID:   requestID(c),
		Metadata: map[string]string{
			"sessions_revoked": strconv.Itoa(revoked),
			"token_version":    strconv.FormatInt(newVersion, 10),
		},
	})

	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessions_revoked": revoked,
	})
}

type policyRequest struct {
	IdleTimeoutMinutes   int `json:"idle_timeout_minutes"`
	AbsoluteTimeoutHours int `json:"absolute_timeout_hours"`
	MaxConcurrent        int `json:"max_concurrent"`
}

// UpdateSessionPolicy retunes session limits at runtime. Super-admin only;
// every change lands in the audit stream with the old and new values.
func (h *Handler) UpdateSessionPolicy(c echo.Context) error {
	p, ok := middleware.PrincipalFromContext(c.Request().Context())
	if !ok {
		return middleware.RejectSessionNotFound.HTTPError()
	}

	var req policyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid policy")
	}
	if req.IdleTimeoutMinutes <= 0 || req.AbsoluteTimeoutHours <= 0 || req.MaxConcurrent <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "all limits must be positive")
	}

	old := h.sessions.CurrentPolicy()
	updated := old
	updated.IdleTimeout = time.Duration(req.IdleTimeoutMinutes) * time.Minute
	updated.AbsoluteTimeout = time.Duration(req.AbsoluteTimeoutHours) * time.Hour
	updated.MaxConcurrent = req.MaxConcurrent
	h.sessions.SetPolicy(updated)

	h.audit.Record(&audit.Event{
		PrincipalID: p.ID.String(),
		Role:        string(p.Role),
		ClinicID:    p.ClinicID,
		Category:    audit.CategoryConfigChange,
		Action:      "session_policy_update",
		Outcome:     audit.OutcomeAllow,
		IP:          c.RealIP(),
		UserAgent:   c.Request().UserAgent(),
		RequestID:   requestID(c),
		Metadata: map[string]string{
			"old_idle_timeout":     old.IdleTimeout.String(),
			"new_idle_timeout":     updated.IdleTimeout.String(),
			"old_absolute_timeout": old.AbsoluteTimeout.String(),
			"new_absolute_timeout": updated.AbsoluteTimeout.String(),
			"old_max_concurrent":   strconv.Itoa(old.MaxConcurrent),
			"new_max_concurrent":   strconv.Itoa(updated.MaxConcurrent),
		},
	})

	h.logger.Info().
		Str("actor", p.ID.String()).
		Dur("idle_timeout", updated.IdleTimeout).
		Dur("absolute_timeout", updated.AbsoluteTimeout).
		Int("max_concurrent", updated.MaxConcurrent).
		Msg("session policy updated")

	return c.JSON(http.StatusOK, updated)
}

// recordLoginFailure audits a failed exchange. principalID may be empty when
// the assertion itself did not verify.
func (h *Handler) recordLoginFailure(c echo.Context, principalID, reason string) {
	h.audit.Record(&audit.Event{
		PrincipalID: principalID,
		Category:    audit.CategoryAuthFailure,
		Action:      "login",
		Outcome:     audit.OutcomeDeny,
		Reason:      reason,
		IP:          c.RealIP(),
		UserAgent:   c.Request().UserAgent(),
		RequestID:   requestID(c),
	})
}

func requestID(c echo.Context) string {
	if id, ok := c.Get("request_id").(string); ok {
		return id
	}
	return ""
}

package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Reject reasons. These are the full internal taxonomy; each maps onto one of
// exactly four HTTP outcomes, and the responses never disclose which member of
// the 401/403 families fired. The precise reason travels only through the
// audit and log streams.
type RejectReason string

const (
	RejectTokenMissing           RejectReason = "token_missing"
	RejectTokenMalformed         RejectReason = "token_malformed"
	RejectTokenExpired           RejectReason = "token_expired"
	RejectTokenRevoked           RejectReason = "token_revoked"
	RejectSessionNotFound        RejectReason = "session_not_found"
	RejectSessionIdleTimeout     RejectReason = "session_idle_timeout"
	RejectSessionAbsoluteTimeout RejectReason = "session_absolute_timeout"
	RejectInsufficientRole       RejectReason = "insufficient_role"
	RejectInsufficientPermission RejectReason = "insufficient_permission"
	RejectCrossTenantAccess      RejectReason = "cross_tenant_access"
	RejectInvalidCredentials     RejectReason = "invalid_credentials"
	RejectRateLimited            RejectReason = "rate_limited"
	RejectDependencyUnavailable  RejectReason = "dependency_unavailable"
)

// errorBody is the uniform error contract exposed to callers.
type errorBody struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// HTTPStatus maps a reject reason to its outward HTTP outcome.
func (r RejectReason) HTTPStatus() int {
	switch r {
	case RejectInsufficientRole, RejectInsufficientPermission, RejectCrossTenantAccess:
		return http.StatusForbidden
	case RejectRateLimited:
		return http.StatusTooManyRequests
	case RejectDependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnauthorized
	}
}

// HTTPError builds the boundary response for a reject reason. All 401s read
// identically, as do all 403s, so a probing caller cannot distinguish an
// unknown user from an expired session or a foreign tenant.
func (r RejectReason) HTTPError() *echo.HTTPError {
	status := r.HTTPStatus()
	var body errorBody
	switch status {
	case http.StatusUnauthorized:
		body = errorBody{ErrorCode: "unauthenticated", Message: "authentication required"}
	case http.StatusForbidden:
		body = errorBody{ErrorCode: "forbidden", Message: "access denied"}
	case http.StatusTooManyRequests:
		body = errorBody{ErrorCode: "rate_limited", Message: "too many requests"}
	default:
		body = errorBody{ErrorCode: "unavailable", Message: "service temporarily unavailable"}
	}
	return echo.NewHTTPError(status, body)
}

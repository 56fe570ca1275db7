package token

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// Source records where a token was found on the request. The extractor tries
// each source in a fixed order and the first match wins; candidates from lower
// sources are never merged in.
type Source string

const (
	SourceBearer Source = "bearer"
	SourceCookie Source = "cookie"
	SourceQuery  Source = "query"
)

// DefaultCookieOrder is the declared cookie precedence. When a caller holds
// more than one valid cookie the earlier name wins. Precedence is positional,
// never privilege-based: holding a staff cookie next to a patient cookie does
// not silently elevate the request, the staff surface must be used explicitly.
var DefaultCookieOrder = []string{"cg_access", "cg_portal"}

// DefaultQueryParam is the query parameter consulted on safe-listed routes.
const DefaultQueryParam = "access_token"

// Extractor pulls a candidate token string from a request.
type Extractor struct {
	cookieOrder   []string
	queryParam    string
	querySafelist map[string]bool
}

// NewExtractor builds an extractor. querySafelist holds echo route patterns
// (e.g. "/api/v1/documents/:id/download") on which the query-parameter source
// is permitted; everywhere else a query token is ignored entirely.
func NewExtractor(cookieOrder []string, queryParam string, querySafelist []string) *Extractor {
	if len(cookieOrder) == 0 {
		cookieOrder = DefaultCookieOrder
	}
	if queryParam == "" {
		queryParam = DefaultQueryParam
	}
	safelist := make(map[string]bool, len(querySafelist))
	for _, route := range querySafelist {
		safelist[route] = true
	}
	return &Extractor{
		cookieOrder:   cookieOrder,
		queryParam:    queryParam,
		querySafelist: safelist,
	}
}

// Extract returns the candidate token for the request, or ok=false when no
// source produced one. Precedence: Authorization bearer header, then the
// declared cookie order, then the query parameter on safe-listed routes.
func (e *Extractor) Extract(c echo.Context) (tok string, src Source, ok bool) {
	if header := c.Request().Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") && parts[1] != "" {
			return parts[1], SourceBearer, true
		}
	}

	for _, name := range e.cookieOrder {
		cookie, err := c.Cookie(name)
		if err == nil && cookie.Value != "" {
			return cookie.Value, SourceCookie, true
		}
	}

	// c.Path() is the registered route pattern, so parametrized routes
	// safe-list cleanly without per-URL enumeration.
	if e.querySafelist[c.Path()] {
		if v := c.QueryParam(e.queryParam); v != "" {
			return v, SourceQuery, true
		}
	}

	return "", "", false
}

// QueryAllowed reports whether the request's route accepts query tokens.
func (e *Extractor) QueryAllowed(c echo.Context) bool {
	return e.querySafelist[c.Path()]
}

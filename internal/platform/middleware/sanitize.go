package middleware

import (
	"net/http"
	"strings"
	"unicode"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// maxHeaderValueSize is the maximum allowed size for any single header value.
const maxHeaderValueSize = 8192 // 8KB

// Sanitize returns middleware that rejects structurally hostile requests
// before they reach the auth pipeline: path traversal, null bytes, and header
// injection. Like every other rejection at this boundary, the response body
// is uniform; the specific trigger goes to the log only.
func Sanitize(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			rawPath := req.URL.RawPath
			if rawPath == "" {
				rawPath = path
			}

			if containsPathTraversal(path) || containsPathTraversal(rawPath) {
				return rejectHostile(c, logger, "path traversal")
			}
			if containsNullByte(path) || containsNullByte(rawPath) {
				return rejectHostile(c, logger, "null byte in path")
			}

			for name, values := range req.Header {
				for _, v := range values {
					if len(v) > maxHeaderValueSize {
						return rejectHostile(c, logger, "oversized header "+name)
					}
					if strings.ContainsAny(v, "\r\n") {
						return rejectHostile(c, logger, "header injection in "+name)
					}
				}
			}

			for key, values := range req.URL.Query() {
				if containsNullByte(key) {
					return rejectHostile(c, logger, "null byte in query key")
				}
				for _, v := range values {
					if containsNullByte(v) {
						return rejectHostile(c, logger, "null byte in query value")
					}
				}
			}

			return next(c)
		}
	}
}

func rejectHostile(c echo.Context, logger zerolog.Logger, trigger string) error {
	logger.Warn().
		Str("trigger", trigger).
		Str("path", c.Request().URL.Path).
		Str("remote_ip", c.RealIP()).
		Msg("hostile request rejected")
	return echo.NewHTTPError(http.StatusBadRequest,
		errorBody{ErrorCode: "bad_request", Message: "malformed request"})
}

// containsPathTraversal checks for traversal sequences in raw and
// percent-encoded forms.
func containsPathTraversal(s string) bool {
	if strings.Contains(s, "..") {
		return true
	}
	lower := strings.ToLower(s)
	return strings.Contains(lower, "%2e%2e") || strings.Contains(lower, "%252e")
}

// containsNullByte checks for null bytes in raw and percent-encoded forms.
func containsNullByte(s string) bool {
	if strings.ContainsRune(s, '\x00') {
		return true
	}
	return strings.Contains(strings.ToLower(s), "%00")
}

// SanitizeString strips null bytes and control characters (except \n, \r, \t)
// and trims surrounding whitespace. Handlers can apply it to free-text fields
// before persistence.
func SanitizeString(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if r == '\x00' {
			continue
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

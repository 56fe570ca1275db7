package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// DefaultMaxBodyBytes bounds buffered request bodies. Clinical API payloads
// are small; anything larger is rejected before a handler sees it.
const DefaultMaxBodyBytes = 1 << 20 // 1 MiB

type bodyKey struct{}

// BodyBuffer returns middleware that reads the request body exactly once into
// an immutable buffer. The buffer is stored on the request context and the
// body is replaced with a fresh reader over it, so every pipeline stage and
// the final handler read the same captured bytes; nothing downstream ever
// re-reads a consumed stream.
func BodyBuffer(maxBytes int64) echo.MiddlewareFunc {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			buf, err := io.ReadAll(io.LimitReader(req.Body, maxBytes+1))
			req.Body.Close()
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest,
					errorBody{ErrorCode: "bad_request", Message: "could not read request body"})
			}
			if int64(len(buf)) > maxBytes {
				return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
					errorBody{ErrorCode: "payload_too_large", Message: "request body exceeds limit"})
			}

			ctx := context.WithValue(req.Context(), bodyKey{}, buf)
			req = req.WithContext(ctx)
			req.Body = io.NopCloser(bytes.NewReader(buf))
			c.SetRequest(req)

			return next(c)
		}
	}
}

// BodyFromContext returns the captured request body, or ok=false when no body
// was buffered. Callers must not mutate the returned slice.
func BodyFromContext(ctx context.Context) ([]byte, bool) {
	buf, ok := ctx.Value(bodyKey{}).([]byte)
	return buf, ok
}

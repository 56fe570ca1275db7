package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout returns middleware that sets a context deadline on each
// request. Every external call in the auth pipeline inherits this deadline,
// which is what keeps the pipeline free of unbounded blocking work. When the
// deadline passes before the handler finishes, the caller gets a uniform 503.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					if !c.Response().Committed {
						return echo.NewHTTPError(http.StatusServiceUnavailable,
							errorBody{ErrorCode: "unavailable", Message: "service temporarily unavailable"})
					}
					return nil
				}
				// Client disconnects surface as plain cancellation.
				return ctx.Err()
			}
		}
	}
}

package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// RequestIDHeader is the header carrying the request correlation ID.
const RequestIDHeader = "X-Request-ID"

// requestIDContextKey is the echo context key RequestID stores the ID
// under. Logger and Recovery read it back through RequestIDFromContext.
const requestIDContextKey = "request_id"

// RequestID returns middleware that assigns each request a correlation ID.
// An ID supplied by the caller in X-Request-ID is preserved; otherwise a
// new UUID is generated. The ID is echoed back in the response header.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" {
				rid = uuid.NewString()
			}

			c.Set(requestIDContextKey, rid)
			c.Response().Header().Set(RequestIDHeader, rid)

			return next(c)
		}
	}
}

// RequestIDFromContext returns the correlation ID RequestID assigned to
// this request, or "" when the middleware did not run.
func RequestIDFromContext(c echo.Context) string {
	rid, _ := c.Get(requestIDContextKey).(string)
	return rid
}

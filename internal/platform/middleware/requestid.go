package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const RequestIDHeader = "X-Request-ID"

// contextRequestID returns the id stamped by RequestID, or "" when the
// middleware is not installed.
func contextRequestID(c echo.Context) string {
	rid, _ := c.Get("request_id").(string)
	return rid
}

// RequestID tags each request with an id, honoring one supplied by the
// caller, and echoes it on the response.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			return next(c)
		}
	}
}

package middleware

import (
	"github.com/labstack/echo/v4"
)

// responseSecurityHeaders are set on every response, including forwarded backend output.
var responseSecurityHeaders = map[string]string{
	"X-Content-Type-Options": "nosniff",
	"X-Frame-Options":        "DENY",
	"Referrer-Policy":        "no-referrer",
}

// SecurityHeaders returns an Echo middleware that adds security headers to responses.
// Request headers are left untouched; filtering what reaches the backend is the
// translator's job.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for k, v := range responseSecurityHeaders {
				h.Set(k, v)
			}
			return next(c)
		}
	}
}

package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// SecurityHeaders sets response headers for a JSON API that also serves
// uploaded scans. Paths under any of publicPrefixes may be cached by the
// browser; everything else is marked no-store since it carries patient data.
func SecurityHeaders(publicPrefixes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			h.Set("Referrer-Policy", "no-referrer")

			path := c.Request().URL.Path
			cacheable := false
			for _, p := range publicPrefixes {
				if strings.HasPrefix(path, p) {
					cacheable = true
					break
				}
			}
			if !cacheable {
				h.Set("Cache-Control", "no-store")
			}
			return next(c)
		}
	}
}

package middleware

import (
	"github.com/labstack/echo/v4"
	"github.com/unrolled/secure"
)

// SecurityHeaders returns middleware that sets security response headers on
// every request. Responses may carry patient data, so caching is disabled and
// the API refuses to be framed.
func SecurityHeaders(isProduction bool) echo.MiddlewareFunc {
	sm := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		PermissionsPolicy:     "camera=(), microphone=(), geolocation=()",
		STSSeconds:            31536000,
		STSIncludeSubdomains:  true,
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
		IsDevelopment:         !isProduction,
	})
	headers := echo.WrapMiddleware(sm.Handler)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		h := headers(next)
		return func(c echo.Context) error {
			c.Response().Header().Set("Cache-Control", "no-store")
			return h(c)
		}
	}
}

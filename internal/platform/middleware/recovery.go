package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hospital/hms/internal/platform/auth"
)

// Recovery turns a handler panic into a 500 and logs it with the caller's
// identity and the goroutine stack. onPanic, when set, is told the matched
// route. http.ErrAbortHandler is re-raised so net/http can drop the
// connection quietly.
func Recovery(logger zerolog.Logger, onPanic func(route string)) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				perr, ok := r.(error)
				if !ok {
					perr = fmt.Errorf("%v", r)
				}
				route := c.Path()
				if route == "" {
					route = "unmatched"
				}
				if onPanic != nil {
					onPanic(route)
				}

				ctx := c.Request().Context()
				rid, _ := c.Get("request_id").(string)
				logger.Error().
					Err(perr).
					Str("request_id", rid).
					Str("method", c.Request().Method).
					Str("route", route).
					Str("user_id", auth.UserIDFromContext(ctx)).
					Str("role", string(auth.RoleFromContext(ctx))).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				// Headers already went out; the client sees a truncated body.
				if c.Response().Committed {
					err = nil
					return
				}
				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(perr)
			}()
			return next(c)
		}
	}
}


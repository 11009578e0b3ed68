package permission

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hospital/hms/internal/platform/auth"
	"github.com/hospital/hms/pkg/rbac"
)

// Checker answers a single permission question. *Service implements it.
type Checker interface {
	Can(ctx context.Context, role rbac.Role, module rbac.Module, action rbac.Action) bool
}

// RequirePermission admits the request only when the caller's role may
// perform action on module.
func RequirePermission(checker Checker, module rbac.Module, action rbac.Action) echo.MiddlewareFunc {
	denied := fmt.Sprintf("required permission: %s.%s", module, action)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			role := auth.RoleFromContext(ctx)
			if role == rbac.RoleUnknown {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			if !checker.Can(ctx, role, module, action) {
				return echo.NewHTTPError(http.StatusForbidden, denied)
			}
			return next(c)
		}
	}
}

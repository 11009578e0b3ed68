package permission

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hospital/hms/internal/platform/auth"
	"github.com/hospital/hms/pkg/rbac"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/permissions/me", h.Me)
	api.GET("/permissions/catalog", h.GetCatalog)

	api.GET("/permissions/grants", h.ListGrants, RequirePermission(h.svc, rbac.ModulePermissions, rbac.ActionView))
	api.PUT("/permissions/grants/:role/:module", h.PutGrant, RequirePermission(h.svc, rbac.ModulePermissions, rbac.ActionEdit))
	api.PUT("/permissions/grants/:role", h.ReplaceRole, RequirePermission(h.svc, rbac.ModulePermissions, rbac.ActionEdit))
	api.DELETE("/permissions/grants/:role/:module", h.DeleteGrant, RequirePermission(h.svc, rbac.ModulePermissions, rbac.ActionDelete))
}

type grantPath struct {
	Role   string `param:"role" json:"role" validate:"required,rbac_role"`
	Module string `param:"module" json:"module" validate:"required,rbac_module"`
}

type replaceRequest struct {
	Grants map[string]rbac.ActionSet `json:"grants" validate:"required,min=1,dive,keys,rbac_module,endkeys"`
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrSuperAdminGrant), errors.Is(err, ErrInvalidGrant):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrGrantNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// Me is the grant-fetch endpoint for the calling session.
func (h *Handler) Me(c echo.Context) error {
	ctx := c.Request().Context()
	role := auth.RoleFromContext(ctx)
	if role == rbac.RoleUnknown {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	resp, err := h.svc.Me(ctx, role)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetCatalog(c echo.Context) error {
	return c.JSON(http.StatusOK, CurrentCatalog())
}

func (h *Handler) ListGrants(c echo.Context) error {
	role := rbac.RoleUnknown
	if raw := c.QueryParam("role"); raw != "" {
		parsed, ok := rbac.ParseRole(raw)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown role")
		}
		role = parsed
	}
	rows, err := h.svc.ListGrants(c.Request().Context(), role)
	if err != nil {
		return mapError(err)
	}
	if rows == nil {
		rows = []*GrantRow{}
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *Handler) PutGrant(c echo.Context) error {
	path := grantPath{Role: c.Param("role"), Module: c.Param("module")}
	if err := c.Validate(&path); err != nil {
		return err
	}
	var actions rbac.ActionSet
	if err := json.NewDecoder(c.Request().Body).Decode(&actions); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "body must be an object of action flags")
	}
	role, _ := rbac.ParseRole(path.Role)
	module, _ := rbac.ParseModule(path.Module)

	ctx := c.Request().Context()
	g, err := h.svc.SetGrant(ctx, auth.UserIDFromContext(ctx), role, module, actions)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, g)
}

func (h *Handler) ReplaceRole(c echo.Context) error {
	role, ok := rbac.ParseRole(c.Param("role"))
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown role")
	}
	var req replaceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	matrix := make(map[rbac.Module]rbac.ActionSet, len(req.Grants))
	for raw, set := range req.Grants {
		m, _ := rbac.ParseModule(raw)
		matrix[m] = set
	}

	ctx := c.Request().Context()
	rows, err := h.svc.ReplaceRoleGrants(ctx, auth.UserIDFromContext(ctx), role, matrix)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *Handler) DeleteGrant(c echo.Context) error {
	path := grantPath{Role: c.Param("role"), Module: c.Param("module")}
	if err := c.Validate(&path); err != nil {
		return err
	}
	role, _ := rbac.ParseRole(path.Role)
	module, _ := rbac.ParseModule(path.Module)
	if err := h.svc.DeleteGrant(c.Request().Context(), role, module); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

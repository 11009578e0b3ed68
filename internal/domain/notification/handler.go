package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hospital/hms/internal/domain/permission"
	"github.com/hospital/hms/internal/platform/auth"
	"github.com/hospital/hms/pkg/pagination"
	"github.com/hospital/hms/pkg/rbac"
)

// Enqueuer hands a notification to the background delivery queue.
type Enqueuer interface {
	EnqueueDeliver(ctx context.Context, n *Notification) error
}

type Handler struct {
	svc      *Service
	checker  permission.Checker
	enqueuer Enqueuer
}

// NewHandler creates the handler. enqueuer may be nil, in which case
// ?async=true is rejected.
func NewHandler(svc *Service, checker permission.Checker, enqueuer Enqueuer) *Handler {
	return &Handler{svc: svc, checker: checker, enqueuer: enqueuer}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	canView := permission.RequirePermission(h.checker, rbac.ModuleNotifications, rbac.ActionView)
	canDelete := permission.RequirePermission(h.checker, rbac.ModuleNotifications, rbac.ActionDelete)
	canCreate := permission.RequirePermission(h.checker, rbac.ModuleNotifications, rbac.ActionCreate)

	api.GET("/users/:userId/notifications", h.List, canView)
	api.PATCH("/users/:userId/notifications/read-all", h.MarkAllRead, auth.RequireAuthenticated())
	api.PATCH("/notifications/:id/read", h.MarkRead, auth.RequireAuthenticated())
	api.DELETE("/notifications/:id", h.Delete, canDelete)
	api.POST("/notifications", h.Create, canCreate)
}

type createRequest struct {
	RecipientID string          `json:"recipient_id" validate:"required,max=128"`
	Title       string          `json:"title" validate:"required,max=255"`
	Message     string          `json:"message" validate:"max=4000"`
	Category    string          `json:"category" validate:"omitempty,oneof=general appointment lab pharmacy oxygen biomedical_waste system"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "notification not found")
	case errors.Is(err, ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// caller returns the authenticated user, or a 401.
func caller(c echo.Context) (string, rbac.Role, error) {
	ctx := c.Request().Context()
	userID := auth.UserIDFromContext(ctx)
	if userID == "" {
		return "", rbac.RoleUnknown, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return userID, auth.RoleFromContext(ctx), nil
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// List returns a user's notifications. Users read their own; reading someone
// else's requires users.view.
func (h *Handler) List(c echo.Context) error {
	userID, role, err := caller(c)
	if err != nil {
		return err
	}
	target := c.Param("userId")
	ctx := c.Request().Context()
	if target != userID && !h.checker.Can(ctx, role, rbac.ModuleUsers, rbac.ActionView) {
		return echo.NewHTTPError(http.StatusForbidden, "cannot read another user's notifications")
	}

	pg, err := pagination.FromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	unreadOnly, _ := strconv.ParseBool(c.QueryParam("unread"))
	page, err := h.svc.List(ctx, target, ListQuery{UnreadOnly: unreadOnly, Page: pg})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, ListResponse{
		Response: pagination.NewResponse(page.Items, page.Total, pg, page.Next),
		Unread:   page.Unread,
	})
}

func (h *Handler) MarkRead(c echo.Context) error {
	userID, _, err := caller(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	n, err := h.svc.MarkRead(c.Request().Context(), userID, id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) MarkAllRead(c echo.Context) error {
	userID, _, err := caller(c)
	if err != nil {
		return err
	}
	if c.Param("userId") != userID {
		return echo.NewHTTPError(http.StatusForbidden, "cannot modify another user's notifications")
	}
	n, err := h.svc.MarkAllRead(c.Request().Context(), userID)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"updated": n})
}

func (h *Handler) Delete(c echo.Context) error {
	userID, _, err := caller(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), userID, id); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Create stores a notification, or queues it when ?async=true.
func (h *Handler) Create(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return echo.NewHTTPError(http.StatusBadRequest, "payload must be valid JSON")
	}
	n := &Notification{
		RecipientID: req.RecipientID,
		Title:       req.Title,
		Message:     req.Message,
		Category:    req.Category,
		Payload:     req.Payload,
	}

	ctx := c.Request().Context()
	if async, _ := strconv.ParseBool(c.QueryParam("async")); async {
		if h.enqueuer == nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "background delivery is not configured")
		}
		n.ID = uuid.New()
		if err := h.enqueuer.EnqueueDeliver(ctx, n); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		return c.JSON(http.StatusAccepted, map[string]string{"id": n.ID.String(), "status": "queued"})
	}

	if err := h.svc.Create(ctx, n); err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, n)
}

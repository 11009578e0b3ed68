package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/hospital/hms/internal/platform/auth"
	"github.com/hospital/hms/internal/platform/validation"
	"github.com/hospital/hms/pkg/rbac"
)

type defaultsChecker struct{}

func (defaultsChecker) Can(_ context.Context, role rbac.Role, module rbac.Module, action rbac.Action) bool {
	return rbac.DefaultsOnly().Resolve(role, module, action)
}

type fakeEnqueuer struct {
	queued []*Notification
	err    error
}

func (f *fakeEnqueuer) EnqueueDeliver(_ context.Context, n *Notification) error {
	if f.err != nil {
		return f.err
	}
	f.queued = append(f.queued, n)
	return nil
}

func newTestServer(enq Enqueuer) (*echo.Echo, *Service) {
	svc, _, _ := newTestService()
	e := echo.New()
	e.Validator = validation.NewEchoValidator()
	NewHandler(svc, defaultsChecker{}, enq).RegisterRoutes(e.Group("/api/v1"))
	return e, svc
}

func do(e *echo.Echo, method, path, body, userID string, role rbac.Role) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if userID != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), userID, role))
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_ListOwn(t *testing.T) {
	e, svc := newTestServer(nil)
	seed(t, svc, "u1", "a")
	seed(t, svc, "u1", "b")

	rec := do(e, http.MethodGet, "/api/v1/users/u1/notifications?limit=1", "", "u1", rbac.RoleNurse)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data       []Notification `json:"data"`
		Total      int            `json:"total"`
		HasMore    bool           `json:"has_more"`
		NextCursor string         `json:"next_cursor"`
		Unread     int            `json:"unread"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(resp.Data) != 1 || resp.Total != 2 || !resp.HasMore || resp.NextCursor == "" || resp.Unread != 2 {
		t.Fatalf("unexpected page: %+v", resp)
	}
	first := resp.Data[0].ID

	rec = do(e, http.MethodGet, "/api/v1/users/u1/notifications?limit=1&cursor="+resp.NextCursor, "", "u1", rbac.RoleNurse)
	if rec.Code != http.StatusOK {
		t.Fatalf("cursor page: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp.NextCursor = ""
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].ID == first || resp.HasMore || resp.NextCursor != "" {
		t.Errorf("unexpected second page: %+v", resp)
	}
}

func TestHandler_ListBadCursor(t *testing.T) {
	e, _ := newTestServer(nil)
	if rec := do(e, http.MethodGet, "/api/v1/users/u1/notifications?cursor=!!!", "", "u1", rbac.RoleNurse); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_ListOtherUser(t *testing.T) {
	e, svc := newTestServer(nil)
	seed(t, svc, "u1", "a")

	if rec := do(e, http.MethodGet, "/api/v1/users/u1/notifications", "", "u2", rbac.RoleNurse); rec.Code != http.StatusForbidden {
		t.Errorf("nurse reading another user: expected 403, got %d", rec.Code)
	}
	if rec := do(e, http.MethodGet, "/api/v1/users/u1/notifications", "", "a1", rbac.RoleAdmin); rec.Code != http.StatusOK {
		t.Errorf("admin reading another user: expected 200, got %d", rec.Code)
	}
	if rec := do(e, http.MethodGet, "/api/v1/users/u1/notifications", "", "", rbac.RoleUnknown); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: expected 401, got %d", rec.Code)
	}
}

func TestHandler_MarkRead(t *testing.T) {
	e, svc := newTestServer(nil)
	n := seed(t, svc, "u1", "a")
	path := "/api/v1/notifications/" + n.ID.String() + "/read"

	if rec := do(e, http.MethodPatch, path, "", "u2", rbac.RoleNurse); rec.Code != http.StatusNotFound {
		t.Errorf("foreign mark: expected 404, got %d", rec.Code)
	}
	rec := do(e, http.MethodPatch, path, "", "u1", rbac.RoleNurse)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got Notification
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if !got.IsRead {
		t.Error("expected is_read true")
	}
	if rec := do(e, http.MethodPatch, "/api/v1/notifications/not-a-uuid/read", "", "u1", rbac.RoleNurse); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", rec.Code)
	}
}

func TestHandler_MarkAllRead(t *testing.T) {
	e, svc := newTestServer(nil)
	seed(t, svc, "u1", "a")
	seed(t, svc, "u1", "b")

	if rec := do(e, http.MethodPatch, "/api/v1/users/u1/notifications/read-all", "", "a1", rbac.RoleAdmin); rec.Code != http.StatusForbidden {
		t.Errorf("foreign read-all: expected 403, got %d", rec.Code)
	}
	rec := do(e, http.MethodPatch, "/api/v1/users/u1/notifications/read-all", "", "u1", rbac.RolePatient)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"updated":2`) {
		t.Fatalf("expected 2 updated, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(e, http.MethodPatch, "/api/v1/users/u1/notifications/read-all", "", "u1", rbac.RolePatient)
	if !strings.Contains(rec.Body.String(), `"updated":0`) {
		t.Errorf("expected 0 updated on repeat, got %s", rec.Body.String())
	}
}

func TestHandler_Delete(t *testing.T) {
	e, svc := newTestServer(nil)
	n := seed(t, svc, "u1", "a")
	path := "/api/v1/notifications/" + n.ID.String()

	if rec := do(e, http.MethodDelete, path, "", "u1", rbac.RoleLab); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := do(e, http.MethodDelete, path, "", "u1", rbac.RoleLab); rec.Code != http.StatusNotFound {
		t.Errorf("repeat delete: expected 404, got %d", rec.Code)
	}
}

func TestHandler_Create(t *testing.T) {
	e, _ := newTestServer(nil)
	body := `{"recipient_id":"u1","title":"Oxygen low","category":"oxygen","payload":{"cylinder":"C-7"}}`

	if rec := do(e, http.MethodPost, "/api/v1/notifications", body, "d1", rbac.RoleDoctor); rec.Code != http.StatusForbidden {
		t.Errorf("doctor create: expected 403, got %d", rec.Code)
	}
	rec := do(e, http.MethodPost, "/api/v1/notifications", body, "a1", rbac.RoleAdmin)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var got Notification
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Category != CategoryOxygen || string(got.Payload) != `{"cylinder":"C-7"}` {
		t.Errorf("unexpected notification: %+v", got)
	}
}

func TestHandler_CreateValidation(t *testing.T) {
	e, _ := newTestServer(nil)
	cases := map[string]string{
		"missing title":  `{"recipient_id":"u1"}`,
		"bad category":   `{"recipient_id":"u1","title":"x","category":"gossip"}`,
		"missing target": `{"title":"x"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(e, http.MethodPost, "/api/v1/notifications", body, "a1", rbac.RoleAdmin)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandler_CreateAsync(t *testing.T) {
	enq := &fakeEnqueuer{}
	e, svc := newTestServer(enq)
	body := `{"recipient_id":"u1","title":"Report ready"}`

	rec := do(e, http.MethodPost, "/api/v1/notifications?async=true", body, "a1", rbac.RoleAdmin)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(enq.queued) != 1 || enq.queued[0].RecipientID != "u1" {
		t.Fatalf("expected one queued notification, got %+v", enq.queued)
	}
	if !strings.Contains(rec.Body.String(), enq.queued[0].ID.String()) {
		t.Error("expected response to carry the queued id")
	}
	if page, _ := svc.List(context.Background(), "u1", ListQuery{}); page.Total != 0 {
		t.Error("async create must not store synchronously")
	}

	enq.err = errors.New("queue down")
	if rec := do(e, http.MethodPost, "/api/v1/notifications?async=true", body, "a1", rbac.RoleAdmin); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("enqueue failure: expected 503, got %d", rec.Code)
	}
}

func TestHandler_CreateAsyncWithoutQueue(t *testing.T) {
	e, _ := newTestServer(nil)
	rec := do(e, http.MethodPost, "/api/v1/notifications?async=true", `{"recipient_id":"u1","title":"x"}`, "a1", rbac.RoleAdmin)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

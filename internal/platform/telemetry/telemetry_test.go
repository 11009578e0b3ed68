package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.EventSent("notification")
	m.PermissionChecked(true)
	m.NotificationMutated("mark_read", nil)
	m.PanicRecovered("/")
	if m.Registry() != nil {
		t.Error("expected nil registry on nil metrics")
	}

	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if err := m.Middleware()(func(c echo.Context) error { return nil })(c); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	if got := testutil.ToFloat64(m.wsConnections); got != 1 {
		t.Errorf("expected 1 open connection, got %v", got)
	}

	m.PermissionChecked(true)
	m.PermissionChecked(false)
	m.PermissionChecked(false)
	if got := testutil.ToFloat64(m.permissionChecks.WithLabelValues("deny")); got != 2 {
		t.Errorf("expected 2 denies, got %v", got)
	}

	m.NotificationMutated("delete", errors.New("boom"))
	if got := testutil.ToFloat64(m.notificationMutations.WithLabelValues("delete", "error")); got != 1 {
		t.Errorf("expected 1 failed delete, got %v", got)
	}

	m.EventSent("notification")
	if got := testutil.ToFloat64(m.wsEvents.WithLabelValues("notification")); got != 1 {
		t.Errorf("expected 1 notification event, got %v", got)
	}

	m.PanicRecovered("/api/v1/notifications")
	if got := testutil.ToFloat64(m.panics.WithLabelValues("/api/v1/notifications")); got != 1 {
		t.Errorf("expected 1 panic, got %v", got)
	}
}

func TestMetrics_MiddlewareAndHandler(t *testing.T) {
	m := NewMetrics()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/things/:id", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
	e.GET("/metrics", m.Handler())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/things/1", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues(http.MethodGet, "/things/:id", "204")); got != 1 {
		t.Errorf("expected 1 request counted, got %v", got)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "hms_http_requests_total") {
		t.Error("expected hms_http_requests_total in exposition")
	}
}

package pagination

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func paramsFor(t *testing.T, target string) (Params, error) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return FromContext(echo.New().NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	cases := []struct {
		target        string
		limit, offset int
	}{
		{"/", DefaultLimit, 0},
		{"/?limit=50&offset=10", 50, 10},
		{"/?limit=1000", MaxLimit, 0},
		{"/?limit=abc&offset=-5", DefaultLimit, 0},
	}
	for _, tc := range cases {
		p, err := paramsFor(t, tc.target)
		if err != nil {
			t.Fatalf("%s: %v", tc.target, err)
		}
		if p.Limit != tc.limit || p.Offset != tc.offset || p.Cursor != nil {
			t.Errorf("%s: got %+v", tc.target, p)
		}
	}
}

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 8, 30, 0, 123456789, time.UTC)
	p, err := paramsFor(t, "/?offset=40&cursor="+Cursor{CreatedAt: at, ID: "n-1"}.Encode())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Cursor == nil || !p.Cursor.CreatedAt.Equal(at) || p.Cursor.ID != "n-1" {
		t.Fatalf("unexpected cursor %+v", p.Cursor)
	}
	if p.Offset != 0 {
		t.Errorf("cursor must override offset, got %d", p.Offset)
	}
}

func TestFromContext_BadCursor(t *testing.T) {
	for _, raw := range []string{"!!!", "bm9waXBl", Cursor{ID: ""}.Encode()} {
		if _, err := paramsFor(t, "/?cursor="+raw); !errors.Is(err, ErrInvalidCursor) {
			t.Errorf("cursor %q: expected ErrInvalidCursor, got %v", raw, err)
		}
	}
}

func TestNewResponse(t *testing.T) {
	p := Params{Limit: 2}
	last := NewResponse([]string{"a"}, 3, p, nil)
	if last.HasMore || last.NextCursor != "" {
		t.Errorf("expected final page, got %+v", last)
	}
	more := NewResponse([]string{"a", "b"}, 3, p, &Cursor{CreatedAt: time.Now(), ID: "b"})
	if !more.HasMore || more.NextCursor == "" {
		t.Errorf("expected a next cursor, got %+v", more)
	}
}

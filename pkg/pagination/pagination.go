// Package pagination reads page parameters and wraps list responses. Lists
// are paged either by offset or by an opaque keyset cursor; a cursor walk is
// not shifted by rows inserted or deleted between pages.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor marks the last row of a page in (created_at DESC, id DESC) order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

func (c Cursor) Encode() string {
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(s string) (*Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: at, ID: id}, nil
}

// Params is one page request. When Cursor is set Offset is ignored.
type Params struct {
	Limit  int
	Offset int
	Cursor *Cursor
}

// FromContext reads limit, offset and cursor. Bad limit or offset values fall
// back to the defaults; a malformed cursor is an error.
func FromContext(c echo.Context) (Params, error) {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}
	p := Params{Limit: limit, Offset: offset}
	if raw := c.QueryParam("cursor"); raw != "" {
		cur, err := DecodeCursor(raw)
		if err != nil {
			return Params{}, err
		}
		p.Cursor = cur
		p.Offset = 0
	}
	return p, nil
}

// Response is a page of data. Total counts every matching row, not just the
// ones after the cursor.
type Response struct {
	Data       interface{} `json:"data"`
	Total      int         `json:"total"`
	Limit      int         `json:"limit"`
	Offset     int         `json:"offset"`
	HasMore    bool        `json:"has_more"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

// NewResponse builds a page. next is the cursor of the page's last row, empty
// when there are no more rows.
func NewResponse(data interface{}, total int, p Params, next *Cursor) *Response {
	r := &Response{Data: data, Total: total, Limit: p.Limit, Offset: p.Offset}
	if next != nil {
		r.HasMore = true
		r.NextCursor = next.Encode()
	}
	return r
}

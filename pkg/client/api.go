// Package client is the session side of the service: a REST client, the
// permission context, the push channel and the optimistic notification cache,
// tied together by Session.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hospital/hms/pkg/rbac"
)

// Dev-mode identity headers, honored by servers running without JWT auth.
const (
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"
)

const pageSize = 100

// Notification is the client copy of a server notification record.
type Notification struct {
	ID          string          `json:"id"`
	RecipientID string          `json:"recipient_id"`
	Title       string          `json:"title"`
	Message     string          `json:"message"`
	Category    string          `json:"category"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	IsRead      bool            `json:"is_read"`
	ReadAt      *time.Time      `json:"read_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// GrantRow is an explicit override returned by the grant-fetch endpoint.
type GrantRow struct {
	Role    rbac.Role      `json:"role"`
	Module  rbac.Module    `json:"module"`
	Actions rbac.ActionSet `json:"actions"`
}

// GrantSet is the grant-fetch response.
type GrantSet struct {
	Role   rbac.Role   `json:"role"`
	Grants []*GrantRow `json:"grants"`
}

func (g *GrantSet) grants() []rbac.Grant {
	out := make([]rbac.Grant, 0, len(g.Grants))
	for _, row := range g.Grants {
		if row == nil {
			continue
		}
		out = append(out, rbac.Grant{Role: row.Role, Module: row.Module, Actions: row.Actions})
	}
	return out
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// API is a REST client for the permission and notification endpoints.
type API struct {
	base   *url.URL
	token  string
	userID string
	role   rbac.Role
	http   *http.Client
}

type APIOption func(*API)

// WithToken authenticates requests with a bearer token.
func WithToken(token string) APIOption {
	return func(a *API) { a.token = token }
}

// WithDevIdentity sends the dev identity headers on every request. It is
// ignored by servers that require a token.
func WithDevIdentity(userID string, role rbac.Role) APIOption {
	return func(a *API) {
		a.userID = userID
		a.role = role
	}
}

func WithHTTPClient(c *http.Client) APIOption {
	return func(a *API) {
		if c != nil {
			a.http = c
		}
	}
}

// NewAPI creates a client for the server at baseURL.
func NewAPI(baseURL string, opts ...APIOption) (*API, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https, got %q", baseURL)
	}
	a := &API{base: u, http: &http.Client{Timeout: 15 * time.Second}}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Header returns the identity headers sent with every request.
func (a *API) Header() http.Header {
	h := http.Header{}
	if a.token != "" {
		h.Set("Authorization", "Bearer "+a.token)
	} else if a.userID != "" {
		h.Set(headerUserID, a.userID)
		h.Set(headerUserRole, string(a.role))
	}
	return h
}

func (a *API) url(path string, query url.Values) string {
	u := *a.base
	u.Path = a.base.Path + path
	u.RawQuery = query.Encode()
	return u.String()
}

func (a *API) do(ctx context.Context, method, path string, query url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, a.url(path, query), nil)
	if err != nil {
		return err
	}
	for k, v := range a.Header() {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &body) != nil || body.Message == "" {
			body.Message = strings.TrimSpace(string(raw))
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: body.Message}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// Me fetches the caller's role and explicit grant rows.
func (a *API) Me(ctx context.Context) (*GrantSet, error) {
	var out GrantSet
	if err := a.do(ctx, http.MethodGet, "/api/v1/permissions/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// maxListWalks bounds how often Notifications restarts a walk whose total
// moved while it was paging.
const maxListWalks = 3

// Notifications returns every notification of userID, newest first. Pages are
// followed by cursor, so rows created or deleted mid-walk never shift a page.
// When the total changes during a walk it is repeated so the result includes
// the rows created meanwhile.
func (a *API) Notifications(ctx context.Context, userID string) ([]Notification, error) {
	path := "/api/v1/users/" + url.PathEscape(userID) + "/notifications"
	var (
		items  []Notification
		stable bool
		err    error
	)
	for walk := 0; walk < maxListWalks && !stable; walk++ {
		items, stable, err = a.walkNotifications(ctx, path)
		if err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (a *API) walkNotifications(ctx context.Context, path string) ([]Notification, bool, error) {
	all := []Notification{}
	seen := make(map[string]bool)
	total, stable := -1, true
	cursor := ""
	for {
		var page struct {
			Data       []Notification `json:"data"`
			Total      int            `json:"total"`
			HasMore    bool           `json:"has_more"`
			NextCursor string         `json:"next_cursor"`
		}
		q := url.Values{"limit": {strconv.Itoa(pageSize)}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		if err := a.do(ctx, http.MethodGet, path, q, &page); err != nil {
			return nil, false, err
		}
		if total < 0 {
			total = page.Total
		} else if page.Total != total {
			stable = false
		}
		for _, n := range page.Data {
			if !seen[n.ID] {
				seen[n.ID] = true
				all = append(all, n)
			}
		}
		if !page.HasMore || page.NextCursor == "" || len(page.Data) == 0 {
			return all, stable, nil
		}
		cursor = page.NextCursor
	}
}

func (a *API) MarkRead(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodPatch, "/api/v1/notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

func (a *API) MarkAllRead(ctx context.Context, userID string) error {
	return a.do(ctx, http.MethodPatch, "/api/v1/users/"+url.PathEscape(userID)+"/notifications/read-all", nil, nil)
}

func (a *API) Delete(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodDelete, "/api/v1/notifications/"+url.PathEscape(id), nil, nil)
}

// ChannelURL returns the push channel address for userID and role.
func (a *API) ChannelURL(userID string, role rbac.Role) string {
	u := *a.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = a.base.Path + "/ws"
	q := url.Values{"user_id": {userID}, "role": {string(role)}}
	if a.token != "" {
		q.Set("access_token", a.token)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

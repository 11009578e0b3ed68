package websocket

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hospital/hms/internal/platform/auth"
	"github.com/hospital/hms/pkg/rbac"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 64
)

// WebSocketHandler upgrades push channel requests and pumps hub events to the
// connection.
type WebSocketHandler struct {
	hub          *Hub
	upgrader     gorillawebsocket.Upgrader
	pingInterval time.Duration
	logger       zerolog.Logger
}

// HandlerOption configures a WebSocketHandler.
type HandlerOption func(*WebSocketHandler)

// WithAllowedOrigins restricts browser upgrades to the given origins. An empty
// list or a "*" entry allows every origin.
func WithAllowedOrigins(origins []string) HandlerOption {
	return func(h *WebSocketHandler) {
		h.upgrader.CheckOrigin = originChecker(origins)
	}
}

// WithPingInterval sets how often the server pings idle connections.
func WithPingInterval(d time.Duration) HandlerOption {
	return func(h *WebSocketHandler) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// WithLogger sets the handler logger.
func WithLogger(logger zerolog.Logger) HandlerOption {
	return func(h *WebSocketHandler) { h.logger = logger }
}

// NewWebSocketHandler creates a new handler bound to the given Hub.
func NewWebSocketHandler(hub *Hub, opts ...HandlerOption) *WebSocketHandler {
	h := &WebSocketHandler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(nil),
		},
		pingInterval: 30 * time.Second,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers the push channel endpoint.
func (wsh *WebSocketHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", wsh.HandleConnect)
}

// HandleConnect validates the user_id and role query parameters against the
// authenticated identity, upgrades the connection and subscribes it to the
// user and role topics.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	userID := strings.TrimSpace(c.QueryParam("user_id"))
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}
	role, ok := rbac.ParseRole(c.QueryParam("role"))
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown role")
	}

	ctx := c.Request().Context()
	if authID := auth.UserIDFromContext(ctx); authID != "" {
		if authID != userID || auth.RoleFromContext(ctx) != role {
			return echo.NewHTTPError(http.StatusForbidden, "channel identity does not match credentials")
		}
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		wsh.logger.Debug().Err(err).Msg("websocket: upgrade failed")
		return nil
	}

	client := &Client{
		ID:     uuid.New().String(),
		UserID: userID,
		Role:   role,
		Topics: []string{UserTopic(userID), RoleTopic(role)},
		Send:   make(chan []byte, sendBuffer),
	}
	wsh.logger.Info().Str("client_id", client.ID).Str("user_id", userID).Str("role", string(role)).Msg("websocket: client connected")

	if hello, err := json.Marshal(NewEvent(EventPing, UserTopic(userID), map[string]string{"client_id": client.ID})); err == nil {
		client.Send <- hello
	}
	wsh.hub.Register(client)

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)
	return nil
}

// readPump discards inbound frames and unregisters the client once the
// connection fails or stops answering pings.
func (wsh *WebSocketHandler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
		wsh.logger.Info().Str("client_id", client.ID).Msg("websocket: client disconnected")
	}()

	pongWait := wsh.pingInterval * 2
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump writes queued events and periodic pings to the connection.
func (wsh *WebSocketHandler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(wsh.pingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func originChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			allowed[strings.ToLower(o)] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients do not send Origin.
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

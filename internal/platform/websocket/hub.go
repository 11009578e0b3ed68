// Package websocket is the server end of the push channel. Each session holds
// one connection scoped to its user and role; server-side changes are fanned
// out as small typed events that tell the client what to refetch.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hospital/hms/internal/platform/telemetry"
	"github.com/hospital/hms/pkg/rbac"
)

// Event types understood by session clients. Clients ignore anything else.
const (
	EventNotification = "notification"
	EventPermissions  = "permissions"
	EventPing         = "ping"
)

// Event is a real-time message sent to push channel clients.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventPublisher delivers events to subscribers of the event's topic.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// UserTopic is the topic every connection of a user subscribes to.
func UserTopic(userID string) string { return "user:" + userID }

// RoleTopic is the topic every connection of a role subscribes to.
func RoleTopic(role rbac.Role) string { return "role:" + string(role) }

// NewEvent builds an event stamped with the current time. data may be nil.
func NewEvent(eventType, topic string, data interface{}) Event {
	ev := Event{Type: eventType, Topic: topic, Timestamp: time.Now().UTC()}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			ev.Data = raw
		}
	}
	return ev
}

// Client represents a single push channel connection.
type Client struct {
	ID     string
	UserID string
	Role   rbac.Role
	Topics []string
	Send   chan []byte
}

// Hub tracks clients and their topic subscriptions. All operations are
// thread-safe.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}

	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// NewHub creates a new Hub. metrics may be nil.
func NewHub(logger zerolog.Logger, metrics *telemetry.Metrics) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		metrics: metrics,
		logger:  logger,
	}
}

// Register adds a client to the hub and subscribes it to its topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; ok {
		return
	}
	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
	}
	h.metrics.ConnectionOpened()
}

// Unregister removes a client from every topic and closes its Send channel.
// Unregistering twice is a no-op.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}
	delete(h.all, client)
	close(client.Send)
	h.metrics.ConnectionClosed()
}

// Broadcast sends an event to all clients subscribed to topic. Clients with a
// full buffer miss the event; the next event or their own refetch catches
// them up.
func (h *Hub) Broadcast(topic string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("websocket: marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	subscribers, ok := h.clients[topic]
	if !ok {
		return
	}
	for client := range subscribers {
		select {
		case client.Send <- data:
			h.metrics.EventSent(event.Type)
		default:
			h.logger.Warn().Str("client_id", client.ID).Str("topic", topic).Msg("websocket: client buffer full, event dropped")
		}
	}
}

// Publish implements EventPublisher for a single-instance deployment.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.Broadcast(event.Topic, event)
	return nil
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

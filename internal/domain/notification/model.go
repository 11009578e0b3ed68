package notification

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hospital/hms/pkg/pagination"
)

// Categories accepted on create.
const (
	CategoryGeneral     = "general"
	CategoryAppointment = "appointment"
	CategoryLab         = "lab"
	CategoryPharmacy    = "pharmacy"
	CategoryOxygen      = "oxygen"
	CategoryWaste       = "biomedical_waste"
	CategorySystem      = "system"
)

// Notification is a server-owned record addressed to one user. Only the
// recipient may mark it read or delete it.
type Notification struct {
	ID          uuid.UUID       `json:"id"`
	RecipientID string          `json:"recipient_id"`
	Title       string          `json:"title"`
	Message     string          `json:"message"`
	Category    string          `json:"category"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	IsRead      bool            `json:"is_read"`
	ReadAt      *time.Time      `json:"read_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ListQuery selects a page of one recipient's notifications, newest first.
type ListQuery struct {
	UnreadOnly bool
	Page       pagination.Params
}

// Page is one list result. Next is set when more rows follow.
type Page struct {
	Items  []*Notification
	Total  int
	Unread int
	Next   *pagination.Cursor
}

// ListResponse is a page of a user's notifications plus their unread total.
type ListResponse struct {
	*pagination.Response
	Unread int `json:"unread"`
}

// Push payload actions.
const (
	ActionCreated = "created"
	ActionRead    = "read"
	ActionReadAll = "read_all"
	ActionDeleted = "deleted"
)

// change is the data of a notification push. Clients treat it as a hint and
// refetch.
type change struct {
	Action string `json:"action"`
	ID     string `json:"id,omitempty"`
}

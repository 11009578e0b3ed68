package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists notifications. Mutations are scoped by recipient and
// return ErrNotFound when no row of that recipient matches.
type Repository interface {
	Create(ctx context.Context, n *Notification) error
	GetByID(ctx context.Context, id uuid.UUID) (*Notification, error)
	// ListByRecipient returns up to q.Page.Limit rows ordered by
	// (created_at DESC, id DESC), after q.Page.Cursor when set, plus the
	// count of every matching row.
	ListByRecipient(ctx context.Context, recipientID string, q ListQuery) ([]*Notification, int, error)
	CountUnread(ctx context.Context, recipientID string) (int, error)
	MarkRead(ctx context.Context, id uuid.UUID, recipientID string) (*Notification, error)
	MarkAllRead(ctx context.Context, recipientID string) (int64, error)
	Delete(ctx context.Context, id uuid.UUID, recipientID string) error
	DeleteReadBefore(ctx context.Context, before time.Time) (int64, error)
}

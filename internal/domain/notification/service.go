package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hospital/hms/internal/platform/telemetry"
	"github.com/hospital/hms/internal/platform/websocket"
	"github.com/hospital/hms/pkg/pagination"
)

var (
	ErrNotFound = errors.New("notification not found")
	ErrInvalid  = errors.New("invalid notification")
)

var validCategories = map[string]bool{
	CategoryGeneral: true, CategoryAppointment: true, CategoryLab: true,
	CategoryPharmacy: true, CategoryOxygen: true, CategoryWaste: true,
	CategorySystem: true,
}

type Service struct {
	repo      Repository
	publisher websocket.EventPublisher
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService creates the service. publisher and metrics may be nil.
func NewService(repo Repository, publisher websocket.EventPublisher, metrics *telemetry.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Create validates and stores n, then pushes it to the recipient's sessions.
func (s *Service) Create(ctx context.Context, n *Notification) error {
	n.RecipientID = strings.TrimSpace(n.RecipientID)
	n.Title = strings.TrimSpace(n.Title)
	if n.RecipientID == "" {
		return fmt.Errorf("%w: recipient_id is required", ErrInvalid)
	}
	if n.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if n.Category == "" {
		n.Category = CategoryGeneral
	}
	if !validCategories[n.Category] {
		return fmt.Errorf("%w: unknown category %q", ErrInvalid, n.Category)
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.IsRead = false
	n.ReadAt = nil

	err := s.repo.Create(ctx, n)
	s.metrics.NotificationMutated("create", err)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	s.push(ctx, n.RecipientID, change{Action: ActionCreated, ID: n.ID.String()})
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Notification, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns a page of recipientID's notifications, newest first. Pages
// walked by cursor neither repeat nor skip rows when notifications are
// created or deleted between requests.
func (s *Service) List(ctx context.Context, recipientID string, q ListQuery) (*Page, error) {
	if q.Page.Limit <= 0 {
		q.Page.Limit = pagination.DefaultLimit
	}
	limit := q.Page.Limit
	q.Page.Limit++ // one extra row tells whether another page follows
	items, total, err := s.repo.ListByRecipient(ctx, recipientID, q)
	if err != nil {
		if errors.Is(err, ErrInvalid) {
			return nil, fmt.Errorf("%w: bad cursor", ErrInvalid)
		}
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	unread, err := s.repo.CountUnread(ctx, recipientID)
	if err != nil {
		return nil, fmt.Errorf("count unread: %w", err)
	}
	page := &Page{Items: items, Total: total, Unread: unread}
	if len(items) > limit {
		page.Items = items[:limit]
		last := page.Items[limit-1]
		page.Next = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID.String()}
	}
	if page.Items == nil {
		page.Items = []*Notification{}
	}
	return page, nil
}

// MarkRead marks one of recipientID's notifications read. Marking an already
// read notification succeeds without change.
func (s *Service) MarkRead(ctx context.Context, recipientID string, id uuid.UUID) (*Notification, error) {
	n, err := s.repo.MarkRead(ctx, id, recipientID)
	s.metrics.NotificationMutated("mark_read", err)
	if err != nil {
		return nil, s.wrap("mark read", err)
	}
	s.push(ctx, recipientID, change{Action: ActionRead, ID: id.String()})
	return n, nil
}

// MarkAllRead marks every unread notification of recipientID read and
// reports how many changed. Calling it again changes nothing.
func (s *Service) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	n, err := s.repo.MarkAllRead(ctx, recipientID)
	s.metrics.NotificationMutated("mark_all_read", err)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	if n > 0 {
		s.push(ctx, recipientID, change{Action: ActionReadAll})
	}
	return n, nil
}

// Delete removes one of recipientID's notifications.
func (s *Service) Delete(ctx context.Context, recipientID string, id uuid.UUID) error {
	err := s.repo.Delete(ctx, id, recipientID)
	s.metrics.NotificationMutated("delete", err)
	if err != nil {
		return s.wrap("delete", err)
	}
	s.push(ctx, recipientID, change{Action: ActionDeleted, ID: id.String()})
	return nil
}

// Purge deletes notifications read longer than retention ago.
func (s *Service) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("%w: retention must be positive", ErrInvalid)
	}
	n, err := s.repo.DeleteReadBefore(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("purge notifications: %w", err)
	}
	return n, nil
}

func (s *Service) wrap(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

// push tells the recipient's sessions to refetch. Delivery is best effort.
func (s *Service) push(ctx context.Context, recipientID string, c change) {
	if s.publisher == nil {
		return
	}
	topic := websocket.UserTopic(recipientID)
	if err := s.publisher.Publish(ctx, websocket.NewEvent(websocket.EventNotification, topic, c)); err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Str("action", c.Action).Msg("notification push failed")
	}
}

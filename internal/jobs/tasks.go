// Package jobs runs notification work off the request path: queued delivery
// and the periodic purge of read notifications.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/hospital/hms/internal/domain/notification"
)

const (
	QueueDefault = "default"

	// TaskNotificationDeliver stores and pushes a notification created with
	// ?async=true.
	TaskNotificationDeliver = "notification:deliver"
	// TaskNotificationPurge deletes read notifications past retention.
	TaskNotificationPurge = "notification:purge"
)

// Notifier is the part of the notification service the handlers drive.
type Notifier interface {
	Get(ctx context.Context, id uuid.UUID) (*notification.Notification, error)
	Create(ctx context.Context, n *notification.Notification) error
	Purge(ctx context.Context, retention time.Duration) (int64, error)
}

// PurgePayload carries the retention window in seconds.
type PurgePayload struct {
	RetentionSeconds int64 `json:"retention_seconds"`
}

// NewDeliverTask builds a deliver task. The notification ID doubles as the
// task ID so a retried enqueue cannot queue the same notification twice.
func NewDeliverTask(n *notification.Notification) (*asynq.Task, error) {
	if n.ID == uuid.Nil {
		return nil, errors.New("deliver task: notification has no id")
	}
	body, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNotificationDeliver, body,
		asynq.Queue(QueueDefault), asynq.TaskID(n.ID.String()), asynq.MaxRetry(5)), nil
}

func NewPurgeTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(PurgePayload{RetentionSeconds: int64(retention / time.Second)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNotificationPurge, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// Handlers processes notification tasks.
type Handlers struct {
	notifier Notifier
	logger   zerolog.Logger
}

func NewHandlers(notifier Notifier, logger zerolog.Logger) *Handlers {
	return &Handlers{notifier: notifier, logger: logger}
}

// HandleDeliver stores the queued notification. A notification that already
// exists was stored by an earlier attempt and is skipped.
func (h *Handlers) HandleDeliver(ctx context.Context, t *asynq.Task) error {
	var n notification.Notification
	if err := json.Unmarshal(t.Payload(), &n); err != nil {
		return fmt.Errorf("decode deliver payload: %v: %w", err, asynq.SkipRetry)
	}
	if n.ID != uuid.Nil {
		if _, err := h.notifier.Get(ctx, n.ID); err == nil {
			h.logger.Info().Str("notification_id", n.ID.String()).Msg("jobs: notification already delivered")
			return nil
		} else if !errors.Is(err, notification.ErrNotFound) {
			return err
		}
	}
	if err := h.notifier.Create(ctx, &n); err != nil {
		if errors.Is(err, notification.ErrInvalid) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	h.logger.Info().Str("notification_id", n.ID.String()).Str("recipient_id", n.RecipientID).Msg("jobs: notification delivered")
	return nil
}

func (h *Handlers) HandlePurge(ctx context.Context, t *asynq.Task) error {
	var p PurgePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.RetentionSeconds <= 0 {
		return fmt.Errorf("invalid purge payload: %w", asynq.SkipRetry)
	}
	n, err := h.notifier.Purge(ctx, time.Duration(p.RetentionSeconds)*time.Second)
	if err != nil {
		return err
	}
	h.logger.Info().Int64("deleted", n).Msg("jobs: purged read notifications")
	return nil
}

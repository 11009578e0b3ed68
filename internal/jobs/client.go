package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/hospital/hms/internal/domain/notification"
)

// Client submits notification tasks to the queue.
type Client struct {
	client *asynq.Client
}

func NewClient(redisOpts asynq.RedisConnOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// EnqueueDeliver queues n for background storage and push. Enqueueing the
// same notification twice is not an error.
func (c *Client) EnqueueDeliver(ctx context.Context, n *notification.Notification) error {
	task, err := NewDeliverTask(n)
	if err != nil {
		return err
	}
	if _, err := c.client.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueue deliver: %w", err)
	}
	return nil
}

// EnqueuePurge queues a one-off purge.
func (c *Client) EnqueuePurge(ctx context.Context, retention time.Duration) error {
	task, err := NewPurgeTask(retention)
	if err != nil {
		return err
	}
	if _, err := c.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue purge: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

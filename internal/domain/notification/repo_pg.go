package notification

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hospital/hms/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const notificationCols = `id, recipient_id, title, message, category, payload,
	is_read, read_at, created_at`

func (r *repoPG) scan(row pgx.Row) (*Notification, error) {
	var n Notification
	var payload []byte
	err := row.Scan(&n.ID, &n.RecipientID, &n.Title, &n.Message, &n.Category, &payload,
		&n.IsRead, &n.ReadAt, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		n.Payload = payload
	}
	return &n, nil
}

func (r *repoPG) Create(ctx context.Context, n *Notification) error {
	var payload interface{}
	if len(n.Payload) > 0 {
		payload = []byte(n.Payload)
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO notification (id, recipient_id, title, message, category, payload)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at`,
		n.ID, n.RecipientID, n.Title, n.Message, n.Category, payload).Scan(&n.CreatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Notification, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+notificationCols+` FROM notification WHERE id = $1`, id))
}

func (r *repoPG) ListByRecipient(ctx context.Context, recipientID string, q ListQuery) ([]*Notification, int, error) {
	where := `recipient_id = $1`
	if q.UnreadOnly {
		where += ` AND NOT is_read`
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM notification WHERE `+where, recipientID).Scan(&total); err != nil {
		return nil, 0, err
	}

	var (
		rows pgx.Rows
		err  error
	)
	if cur := q.Page.Cursor; cur != nil {
		id, perr := uuid.Parse(cur.ID)
		if perr != nil {
			return nil, 0, ErrInvalid
		}
		rows, err = r.conn(ctx).Query(ctx, `SELECT `+notificationCols+` FROM notification WHERE `+where+`
			AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC LIMIT $4`, recipientID, cur.CreatedAt, id, q.Page.Limit)
	} else {
		rows, err = r.conn(ctx).Query(ctx, `SELECT `+notificationCols+` FROM notification WHERE `+where+`
			ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, recipientID, q.Page.Limit, q.Page.Offset)
	}
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Notification
	for rows.Next() {
		n, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, n)
	}
	return items, total, rows.Err()
}

func (r *repoPG) CountUnread(ctx context.Context, recipientID string) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM notification WHERE recipient_id = $1 AND NOT is_read`, recipientID).Scan(&n)
	return n, err
}

func (r *repoPG) MarkRead(ctx context.Context, id uuid.UUID, recipientID string) (*Notification, error) {
	// COALESCE keeps the first read time when the row is already read.
	return r.scan(r.conn(ctx).QueryRow(ctx, `
		UPDATE notification SET is_read = TRUE, read_at = COALESCE(read_at, NOW())
		WHERE id = $1 AND recipient_id = $2
		RETURNING `+notificationCols, id, recipientID))
}

func (r *repoPG) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE notification SET is_read = TRUE, read_at = NOW()
		WHERE recipient_id = $1 AND NOT is_read`, recipientID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID, recipientID string) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM notification WHERE id = $1 AND recipient_id = $2`, id, recipientID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) DeleteReadBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM notification WHERE is_read AND read_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

package permission

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hospital/hms/internal/platform/db"
	"github.com/hospital/hms/pkg/rbac"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type grantRepoPG struct{ pool *pgxpool.Pool }

func NewGrantRepoPG(pool *pgxpool.Pool) GrantRepository {
	return &grantRepoPG{pool: pool}
}

func (r *grantRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const grantCols = `role, module, can_view, can_create, can_edit, can_delete,
	can_approve, can_lock, can_unlock, can_export, updated_by, updated_at`

// actionColumns is ordered to match grantCols.
var actionColumns = []rbac.Action{
	rbac.ActionView, rbac.ActionCreate, rbac.ActionEdit, rbac.ActionDelete,
	rbac.ActionApprove, rbac.ActionLock, rbac.ActionUnlock, rbac.ActionExport,
}

func (r *grantRepoPG) scanGrant(row pgx.Row) (*GrantRow, error) {
	var g GrantRow
	var role, module string
	flags := make([]bool, len(actionColumns))
	err := row.Scan(&role, &module, &flags[0], &flags[1], &flags[2], &flags[3],
		&flags[4], &flags[5], &flags[6], &flags[7], &g.UpdatedBy, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	g.Role = rbac.Role(role)
	g.Module = rbac.Module(module)
	for i, set := range flags {
		if set {
			g.Actions = g.Actions.With(actionColumns[i])
		}
	}
	return &g, nil
}

func flagArgs(s rbac.ActionSet) []interface{} {
	out := make([]interface{}, len(actionColumns))
	for i, a := range actionColumns {
		out[i] = s.Has(a)
	}
	return out
}

func (r *grantRepoPG) list(ctx context.Context, query string, args ...interface{}) ([]*GrantRow, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*GrantRow
	for rows.Next() {
		g, err := r.scanGrant(rows)
		if err != nil {
			return nil, err
		}
		// Rows written by an older build may name retired modules.
		if !g.Role.Valid() || !g.Module.Valid() {
			continue
		}
		items = append(items, g)
	}
	return items, rows.Err()
}

func (r *grantRepoPG) ListByRole(ctx context.Context, role rbac.Role) ([]*GrantRow, error) {
	return r.list(ctx, `SELECT `+grantCols+` FROM permission_grant WHERE role = $1 ORDER BY module`, string(role))
}

func (r *grantRepoPG) ListAll(ctx context.Context) ([]*GrantRow, error) {
	return r.list(ctx, `SELECT `+grantCols+` FROM permission_grant ORDER BY role, module`)
}

func (r *grantRepoPG) Upsert(ctx context.Context, g *GrantRow) error {
	args := append([]interface{}{string(g.Role), string(g.Module)}, flagArgs(g.Actions)...)
	args = append(args, g.UpdatedBy)
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO permission_grant (role, module, can_view, can_create, can_edit, can_delete,
			can_approve, can_lock, can_unlock, can_export, updated_by, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW())
		ON CONFLICT (role, module) DO UPDATE SET
			can_view=EXCLUDED.can_view, can_create=EXCLUDED.can_create,
			can_edit=EXCLUDED.can_edit, can_delete=EXCLUDED.can_delete,
			can_approve=EXCLUDED.can_approve, can_lock=EXCLUDED.can_lock,
			can_unlock=EXCLUDED.can_unlock, can_export=EXCLUDED.can_export,
			updated_by=EXCLUDED.updated_by, updated_at=NOW()
		RETURNING updated_at`, args...).Scan(&g.UpdatedAt)
}

func (r *grantRepoPG) Delete(ctx context.Context, role rbac.Role, module rbac.Module) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM permission_grant WHERE role = $1 AND module = $2`,
		string(role), string(module))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrGrantNotFound
	}
	return nil
}

func (r *grantRepoPG) ReplaceRole(ctx context.Context, role rbac.Role, rows []*GrantRow) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context, _ pgx.Tx) error {
		if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM permission_grant WHERE role = $1`, string(role)); err != nil {
			return fmt.Errorf("clear grants for %s: %w", role, err)
		}
		for _, g := range rows {
			if err := r.Upsert(ctx, g); err != nil {
				return fmt.Errorf("insert grant %s/%s: %w", g.Role, g.Module, err)
			}
		}
		return nil
	})
}

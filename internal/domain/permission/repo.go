package permission

import (
	"context"

	"github.com/hospital/hms/pkg/rbac"
)

type GrantRepository interface {
	ListByRole(ctx context.Context, role rbac.Role) ([]*GrantRow, error)
	ListAll(ctx context.Context) ([]*GrantRow, error)
	Upsert(ctx context.Context, g *GrantRow) error
	// Delete returns ErrGrantNotFound when no row exists.
	Delete(ctx context.Context, role rbac.Role, module rbac.Module) error
	// ReplaceRole atomically swaps every row of role for rows.
	ReplaceRole(ctx context.Context, role rbac.Role, rows []*GrantRow) error
}

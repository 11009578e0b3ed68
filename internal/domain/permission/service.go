package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/hospital/hms/internal/platform/telemetry"
	"github.com/hospital/hms/internal/platform/websocket"
	"github.com/hospital/hms/pkg/rbac"
)

var (
	// ErrSuperAdminGrant is returned for writes targeting super_admin, whose
	// bypass makes grant rows meaningless.
	ErrSuperAdminGrant = errors.New("super_admin permissions cannot be overridden")
	ErrInvalidGrant    = errors.New("unknown role or module")
	ErrGrantNotFound   = errors.New("grant not found")
)

const cacheKeyPrefix = "hms:grants:"

func cacheKey(role rbac.Role) string { return cacheKeyPrefix + string(role) }

// generationKey counts writes to role's grants. A load only fills the cache
// if no write happened while it was reading the store.
func generationKey(role rbac.Role) string { return cacheKeyPrefix + string(role) + ":gen" }

var errStaleLoad = errors.New("grants changed during load")

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readGeneration(ctx context.Context, c getter, role rbac.Role) (int64, error) {
	n, err := c.Get(ctx, generationKey(role)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

type Service struct {
	grants    GrantRepository
	rdb       *redis.Client
	ttl       time.Duration
	publisher websocket.EventPublisher
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
	loads     singleflight.Group
}

type ServiceOption func(*Service)

// WithCache enables the Redis read-through grant cache.
func WithCache(rdb *redis.Client, ttl time.Duration) ServiceOption {
	return func(s *Service) {
		s.rdb = rdb
		s.ttl = ttl
	}
}

// WithPublisher makes grant changes push a permissions event to the role.
func WithPublisher(p websocket.EventPublisher) ServiceOption {
	return func(s *Service) { s.publisher = p }
}

func WithMetrics(m *telemetry.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

func NewService(grants GrantRepository, opts ...ServiceOption) *Service {
	s := &Service{grants: grants, ttl: 5 * time.Minute, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GrantsForRole returns the explicit grant rows of role. Reads go through the
// Redis cache when configured; concurrent misses share one store query.
func (s *Service) GrantsForRole(ctx context.Context, role rbac.Role) ([]*GrantRow, error) {
	if !role.Valid() {
		return nil, ErrInvalidGrant
	}
	if role == rbac.RoleSuperAdmin {
		return []*GrantRow{}, nil
	}

	if rows, ok := s.cached(ctx, role); ok {
		return rows, nil
	}

	ch := s.loads.DoChan(string(role), func() (interface{}, error) {
		// Detached so one caller's cancellation does not fail the others.
		return s.load(context.WithoutCancel(ctx), role)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]*GrantRow), nil
	}
}

func (s *Service) cached(ctx context.Context, role rbac.Role) ([]*GrantRow, bool) {
	if s.rdb == nil {
		return nil, false
	}
	raw, err := s.rdb.Get(ctx, cacheKey(role)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Str("role", string(role)).Msg("grant cache read failed")
		}
		return nil, false
	}
	var rows []*GrantRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		s.logger.Warn().Err(err).Str("role", string(role)).Msg("grant cache entry corrupt")
		return nil, false
	}
	return rows, true
}

func (s *Service) load(ctx context.Context, role rbac.Role) ([]*GrantRow, error) {
	var (
		gen       int64
		cacheable bool
	)
	if s.rdb != nil {
		var err error
		if gen, err = readGeneration(ctx, s.rdb, role); err != nil {
			s.logger.Warn().Err(err).Str("role", string(role)).Msg("grant generation read failed")
		} else {
			cacheable = true
		}
	}

	rows, err := s.grants.ListByRole(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("list grants for %s: %w", role, err)
	}
	if rows == nil {
		rows = []*GrantRow{}
	}
	if cacheable {
		s.store(ctx, role, gen, rows)
	}
	return rows, nil
}

// store writes rows to the cache unless the role's generation moved past gen.
func (s *Service) store(ctx context.Context, role rbac.Role, gen int64, rows []*GrantRow) {
	raw, err := json.Marshal(rows)
	if err != nil {
		return
	}
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := readGeneration(ctx, tx, role)
		if err != nil {
			return err
		}
		if cur != gen {
			return errStaleLoad
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, cacheKey(role), raw, s.ttl)
			return nil
		})
		return err
	}, generationKey(role))
	switch {
	case err == nil:
	case errors.Is(err, errStaleLoad), errors.Is(err, redis.TxFailedErr):
		s.logger.Debug().Str("role", string(role)).Msg("grant cache write skipped, grants changed during load")
	default:
		s.logger.Warn().Err(err).Str("role", string(role)).Msg("grant cache write failed")
	}
}

// ResolverFor builds a resolver for role. When the grant store cannot be read
// the resolver falls back to the default table alone.
func (s *Service) ResolverFor(ctx context.Context, role rbac.Role) *rbac.Resolver {
	rows, err := s.GrantsForRole(ctx, role)
	if err != nil {
		s.logger.Warn().Err(err).Str("role", string(role)).Msg("grant fetch failed, using defaults")
		return rbac.DefaultsOnly()
	}
	return rbac.NewResolver(toGrants(rows))
}

// Can resolves a single permission for role.
func (s *Service) Can(ctx context.Context, role rbac.Role, module rbac.Module, action rbac.Action) bool {
	allowed := s.ResolverFor(ctx, role).Resolve(role, module, action)
	s.metrics.PermissionChecked(allowed)
	return allowed
}

// Me assembles the grant-fetch response for role.
func (s *Service) Me(ctx context.Context, role rbac.Role) (*MeResponse, error) {
	rows, err := s.GrantsForRole(ctx, role)
	if err != nil {
		return nil, err
	}
	return &MeResponse{
		Role:   role,
		Grants: rows,
		Matrix: rbac.NewResolver(toGrants(rows)).Matrix(role),
	}, nil
}

// ListGrants returns the rows of role, or every row when role is empty.
func (s *Service) ListGrants(ctx context.Context, role rbac.Role) ([]*GrantRow, error) {
	if role == rbac.RoleUnknown {
		return s.grants.ListAll(ctx)
	}
	if !role.Valid() {
		return nil, ErrInvalidGrant
	}
	return s.grants.ListByRole(ctx, role)
}

func checkWritable(role rbac.Role, modules ...rbac.Module) error {
	if role == rbac.RoleSuperAdmin {
		return ErrSuperAdminGrant
	}
	if !role.Valid() {
		return ErrInvalidGrant
	}
	for _, m := range modules {
		if !m.Valid() {
			return ErrInvalidGrant
		}
	}
	return nil
}

// SetGrant creates or replaces the override row for (role, module).
func (s *Service) SetGrant(ctx context.Context, actor string, role rbac.Role, module rbac.Module, actions rbac.ActionSet) (*GrantRow, error) {
	if err := checkWritable(role, module); err != nil {
		return nil, err
	}
	g := &GrantRow{Role: role, Module: module, Actions: actions, UpdatedBy: actor}
	if err := s.grants.Upsert(ctx, g); err != nil {
		return nil, fmt.Errorf("upsert grant: %w", err)
	}
	s.changed(ctx, role)
	return g, nil
}

// ReplaceRoleGrants swaps every override row of role for matrix.
func (s *Service) ReplaceRoleGrants(ctx context.Context, actor string, role rbac.Role, matrix map[rbac.Module]rbac.ActionSet) ([]*GrantRow, error) {
	rows := make([]*GrantRow, 0, len(matrix))
	for _, m := range rbac.Modules() {
		set, ok := matrix[m]
		if !ok {
			continue
		}
		rows = append(rows, &GrantRow{Role: role, Module: m, Actions: set, UpdatedBy: actor})
	}
	modules := make([]rbac.Module, 0, len(matrix))
	for m := range matrix {
		modules = append(modules, m)
	}
	if err := checkWritable(role, modules...); err != nil {
		return nil, err
	}
	if err := s.grants.ReplaceRole(ctx, role, rows); err != nil {
		return nil, fmt.Errorf("replace grants: %w", err)
	}
	s.changed(ctx, role)
	return rows, nil
}

// DeleteGrant removes the override so (role, module) reverts to the default.
func (s *Service) DeleteGrant(ctx context.Context, role rbac.Role, module rbac.Module) error {
	if err := checkWritable(role, module); err != nil {
		return err
	}
	if err := s.grants.Delete(ctx, role, module); err != nil {
		if errors.Is(err, ErrGrantNotFound) {
			return err
		}
		return fmt.Errorf("delete grant: %w", err)
	}
	s.changed(ctx, role)
	return nil
}

// changed drops the cached rows of role and tells its sessions to refetch.
func (s *Service) changed(ctx context.Context, role rbac.Role) {
	if s.rdb != nil {
		if err := s.rdb.Incr(ctx, generationKey(role)).Err(); err != nil {
			s.logger.Warn().Err(err).Str("role", string(role)).Msg("grant generation bump failed")
		}
		if err := s.rdb.Del(ctx, cacheKey(role)).Err(); err != nil {
			s.logger.Warn().Err(err).Str("role", string(role)).Msg("grant cache invalidation failed")
		}
	}
	s.loads.Forget(string(role))
	if s.publisher == nil {
		return
	}
	ev := websocket.NewEvent(websocket.EventPermissions, websocket.RoleTopic(role), map[string]string{"role": string(role)})
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("role", string(role)).Msg("permissions push failed")
	}
}

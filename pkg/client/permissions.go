package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/hospital/hms/pkg/rbac"
)

const (
	DefaultStaleAfter = 5 * time.Minute
	defaultRetryAfter = 30 * time.Second
)

// GrantFetcher loads the session's grant rows. *API implements it.
type GrantFetcher interface {
	Me(ctx context.Context) (*GrantSet, error)
}

// Permissions is the session's permission context. Lookups are pure and never
// block; fetching happens on Refresh, Invalidate or once the snapshot goes
// stale.
type Permissions struct {
	role       rbac.Role
	fetcher    GrantFetcher
	staleAfter time.Duration
	retryAfter time.Duration
	logger     zerolog.Logger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	loads  singleflight.Group
	wg     sync.WaitGroup

	mu          sync.RWMutex
	resolver    *rbac.Resolver
	fetchedAt   time.Time
	attemptedAt time.Time
	loaded      bool
	degraded    bool
	closed      bool
	changed     chan struct{}
}

type PermissionsOption func(*Permissions)

// WithStaleAfter sets how old a snapshot may get before a lookup starts a
// background refresh.
func WithStaleAfter(d time.Duration) PermissionsOption {
	return func(p *Permissions) {
		if d > 0 {
			p.staleAfter = d
		}
	}
}

// WithPermissionsLogger sets the logger used for fetch failures.
func WithPermissionsLogger(l zerolog.Logger) PermissionsOption {
	return func(p *Permissions) { p.logger = l }
}

// NewPermissions creates the context for role. Until the first fetch
// completes, lookups use the default table alone.
func NewPermissions(role rbac.Role, fetcher GrantFetcher, opts ...PermissionsOption) *Permissions {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Permissions{
		role:       role,
		fetcher:    fetcher,
		staleAfter: DefaultStaleAfter,
		retryAfter: defaultRetryAfter,
		logger:     zerolog.Nop(),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		resolver:   rbac.DefaultsOnly(),
		changed:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.retryAfter > p.staleAfter {
		p.retryAfter = p.staleAfter
	}
	return p
}

// Refresh fetches the grant rows and replaces the snapshot. Overlapping calls
// share one fetch. On failure the current snapshot is kept (the default table
// if nothing was ever loaded) and the context is marked degraded. Refresh
// returns when the fetch settles or ctx is done.
func (p *Permissions) Refresh(ctx context.Context) {
	ch := p.loads.DoChan("grants", func() (interface{}, error) {
		p.load()
		return nil, nil
	})
	select {
	case <-ctx.Done():
	case <-ch:
	}
}

func (p *Permissions) load() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.attemptedAt = p.now()
	p.mu.Unlock()

	set, err := p.fetcher.Me(p.ctx)
	if err == nil && set.Role != p.role {
		err = fmt.Errorf("grant fetch returned role %q for a %q session", set.Role, p.role)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if err != nil {
		p.degraded = true
		p.logger.Warn().Err(err).Str("role", string(p.role)).Bool("loaded", p.loaded).
			Msg("permission fetch failed, keeping current snapshot")
		return
	}
	p.resolver = rbac.NewResolver(set.grants())
	p.fetchedAt = p.now()
	p.loaded = true
	p.degraded = false
	select {
	case p.changed <- struct{}{}:
	default:
	}
}

// Changed signals after every applied snapshot. Signals coalesce; the channel
// is closed by Close.
func (p *Permissions) Changed() <-chan struct{} { return p.changed }

// Invalidate starts a background refresh and returns immediately.
func (p *Permissions) Invalidate() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.wg.Done()
		p.Refresh(p.ctx)
	}()
}

func (p *Permissions) current() *rbac.Resolver {
	p.mu.RLock()
	r := p.resolver
	stale := !p.closed && p.now().Sub(p.fetchedAt) > p.staleAfter &&
		p.now().Sub(p.attemptedAt) > p.retryAfter
	p.mu.RUnlock()
	if stale {
		p.Invalidate()
	}
	return r
}

// Role returns the session role.
func (p *Permissions) Role() rbac.Role { return p.role }

// Can reports whether the session may perform action on module.
func (p *Permissions) Can(module rbac.Module, action rbac.Action) bool {
	return p.current().Resolve(p.role, module, action)
}

// AnyOf reports whether at least one of actions is allowed on module.
func (p *Permissions) AnyOf(module rbac.Module, actions ...rbac.Action) bool {
	return p.current().AnyOf(p.role, module, actions...)
}

// AllOf reports whether every one of actions is allowed on module.
func (p *Permissions) AllOf(module rbac.Module, actions ...rbac.Action) bool {
	return p.current().AllOf(p.role, module, actions...)
}

// Matrix returns the effective action set of every module.
func (p *Permissions) Matrix() map[rbac.Module]rbac.ActionSet {
	return p.current().Matrix(p.role)
}

// Degraded reports whether the last fetch failed.
func (p *Permissions) Degraded() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.degraded
}

// Close cancels in-flight fetches. Results arriving afterwards are dropped.
func (p *Permissions) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.changed)
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

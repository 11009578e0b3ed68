package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrCacheClosed is returned for operations on a closed cache.
var ErrCacheClosed = errors.New("notification cache closed")

// NotificationAPI is the server side of the cache. *API implements it.
type NotificationAPI interface {
	Notifications(ctx context.Context, userID string) ([]Notification, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context, userID string) error
	Delete(ctx context.Context, id string) error
}

type opKind int

const (
	opMarkRead opKind = iota
	opMarkAllRead
	opDelete
)

// overlay is one speculative mutation layered over the server list.
type overlay struct {
	seq     uint64
	kind    opKind
	id      string
	at      time.Time
	settled uint64 // sequence at confirmation; 0 while in flight
}

// Mutation is the outcome of an optimistic operation. Snapshot is the visible
// list from just before the change was applied; Err is the server's answer.
type Mutation struct {
	Snapshot []Notification
	Err      error
}

// NotificationCache mirrors a user's notifications. Visible state is the last
// applied server list plus the speculative mutations issued since, in issue
// order. Mutations and refetches draw from one sequence so a refetch only
// replaces state it could have seen.
type NotificationCache struct {
	api    NotificationAPI
	userID string
	logger zerolog.Logger
	now    func() time.Time
	keys   keyedMutex

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	base     []Notification
	overlays []overlay
	seq      uint64
	applied  uint64 // sequence of the newest applied refetch
	updates  chan struct{}
	closed   bool
}

type CacheOption func(*NotificationCache)

func WithCacheLogger(l zerolog.Logger) CacheOption {
	return func(c *NotificationCache) { c.logger = l }
}

func NewNotificationCache(api NotificationAPI, userID string, opts ...CacheOption) *NotificationCache {
	ctx, cancel := context.WithCancel(context.Background())
	c := &NotificationCache{
		api:     api,
		userID:  userID,
		logger:  zerolog.Nop(),
		now:     time.Now,
		keys:    keyedMutex{locks: make(map[string]*keyLock)},
		ctx:     ctx,
		cancel:  cancel,
		base:    []Notification{},
		updates: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Updates signals after every visible change. Signals coalesce; the channel is
// closed by Close.
func (c *NotificationCache) Updates() <-chan struct{} { return c.updates }

// notifyLocked must be called with mu held.
func (c *NotificationCache) notifyLocked() {
	if c.closed {
		return
	}
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// Items returns the visible notifications.
func (c *NotificationCache) Items() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visibleLocked()
}

// UnreadCount returns the number of visible unread notifications.
func (c *NotificationCache) UnreadCount() int {
	n := 0
	for _, item := range c.Items() {
		if !item.IsRead {
			n++
		}
	}
	return n
}

func (c *NotificationCache) visibleLocked() []Notification {
	out := make([]Notification, 0, len(c.base))
	for _, n := range c.base {
		out = append(out, copyNotification(n))
	}
	for _, ov := range c.overlays {
		out = ov.apply(out)
	}
	return out
}

func (ov overlay) apply(items []Notification) []Notification {
	switch ov.kind {
	case opDelete:
		kept := items[:0]
		for _, n := range items {
			if n.ID != ov.id {
				kept = append(kept, n)
			}
		}
		return kept
	case opMarkRead, opMarkAllRead:
		for i := range items {
			if items[i].IsRead || (ov.kind == opMarkRead && items[i].ID != ov.id) {
				continue
			}
			at := ov.at
			items[i].IsRead = true
			items[i].ReadAt = &at
		}
	}
	return items
}

func copyNotification(n Notification) Notification {
	if n.ReadAt != nil {
		t := *n.ReadAt
		n.ReadAt = &t
	}
	if n.Payload != nil {
		n.Payload = append([]byte(nil), n.Payload...)
	}
	return n
}

// MarkRead optimistically marks id read.
func (c *NotificationCache) MarkRead(ctx context.Context, id string) Mutation {
	return c.mutate(ctx, opMarkRead, id, func(ctx context.Context) error {
		return c.api.MarkRead(ctx, id)
	})
}

// MarkAllRead optimistically marks every notification read.
func (c *NotificationCache) MarkAllRead(ctx context.Context) Mutation {
	return c.mutate(ctx, opMarkAllRead, "", func(ctx context.Context) error {
		return c.api.MarkAllRead(ctx, c.userID)
	})
}

// Delete optimistically removes id.
func (c *NotificationCache) Delete(ctx context.Context, id string) Mutation {
	return c.mutate(ctx, opDelete, id, func(ctx context.Context) error {
		return c.api.Delete(ctx, id)
	})
}

// mutate applies the overlay, calls the server and settles: confirmed
// overlays stay until a later refetch, failed ones are removed. A refetch
// follows either way.
func (c *NotificationCache) mutate(ctx context.Context, kind opKind, id string, call func(context.Context) error) Mutation {
	key := "id:" + id
	if kind == opMarkAllRead {
		key = "all"
	}
	unlock := c.keys.Lock(key)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		unlock()
		return Mutation{Err: ErrCacheClosed}
	}
	snapshot := c.visibleLocked()
	c.seq++
	seq := c.seq
	c.overlays = append(c.overlays, overlay{seq: seq, kind: kind, id: id, at: c.now().UTC()})
	c.notifyLocked()
	c.mu.Unlock()

	callCtx, release := c.bind(ctx)
	err := call(callCtx)
	release()

	c.mu.Lock()
	c.seq++
	for i := range c.overlays {
		if c.overlays[i].seq != seq {
			continue
		}
		if err != nil {
			c.overlays = append(c.overlays[:i], c.overlays[i+1:]...)
		} else {
			c.overlays[i].settled = c.seq
		}
		break
	}
	c.notifyLocked()
	c.mu.Unlock()
	unlock()

	if err != nil {
		c.logger.Warn().Err(err).Str("id", id).Msg("notification mutation failed, rolled back")
	}
	_ = c.Refetch(ctx)
	return Mutation{Snapshot: snapshot, Err: err}
}

// Refetch loads the server list. A result is applied only if no refetch
// issued after it has been applied already. Applying it drops overlays the
// server had confirmed before the refetch was issued and keeps the rest. On
// failure the current state is kept.
func (c *NotificationCache) Refetch(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCacheClosed
	}
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	fetchCtx, release := c.bind(ctx)
	defer release()

	items, err := c.api.Notifications(fetchCtx, c.userID)
	if err != nil {
		c.logger.Warn().Err(err).Str("user_id", c.userID).Msg("notification fetch failed, keeping cached list")
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	if seq < c.applied {
		c.logger.Debug().Uint64("seq", seq).Uint64("applied", c.applied).Msg("discarding stale notification fetch")
		return nil
	}
	c.applied = seq
	c.base = make([]Notification, 0, len(items))
	for _, n := range items {
		c.base = append(c.base, copyNotification(n))
	}
	kept := c.overlays[:0]
	for _, ov := range c.overlays {
		if ov.settled == 0 || ov.settled > seq {
			kept = append(kept, ov)
		}
	}
	c.overlays = kept
	c.notifyLocked()
	return nil
}

// bind derives a request context that is also cancelled by Close.
func (c *NotificationCache) bind(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Close cancels in-flight requests, stops pending fetches from applying and
// closes Updates.
func (c *NotificationCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	close(c.updates)
}

// keyedMutex serializes work per key while letting distinct keys proceed.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

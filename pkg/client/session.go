package client

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hospital/hms/pkg/rbac"
)

// Options configures a Session.
type Options struct {
	ServerURL string
	// Token is a bearer token. Without one the dev identity headers are sent.
	Token      string
	UserID     string
	Role       rbac.Role
	Backoff    time.Duration
	StaleAfter time.Duration
	// IdleTimeout bounds how long the push channel may stay silent.
	IdleTimeout time.Duration
	HTTPClient  *http.Client
	// Dialer overrides the gorilla/websocket dialer.
	Dialer Dialer
	// OnStateChange observes the push channel state.
	OnStateChange func(State)
	Logger        zerolog.Logger
}

// Session owns one user's permission context, notification cache and push
// channel. Pushes are wired so a notification event refetches the cache and a
// permissions event refreshes the grants.
type Session struct {
	API         *API
	Permissions *Permissions
	Cache       *NotificationCache
	Channel     *Channel

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Start builds and connects a session. Fetch and dial failures are logged and
// retried by the components; only invalid options fail Start.
func Start(ctx context.Context, opts Options) (*Session, error) {
	if strings.TrimSpace(opts.UserID) == "" {
		return nil, errors.New("session: user id is required")
	}
	if !opts.Role.Valid() {
		return nil, errors.New("session: unknown role")
	}
	api, err := NewAPI(opts.ServerURL,
		WithToken(opts.Token),
		WithDevIdentity(opts.UserID, opts.Role),
		WithHTTPClient(opts.HTTPClient),
	)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger.With().Str("user_id", opts.UserID).Str("role", string(opts.Role)).Logger()

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{API: api, ctx: sctx, cancel: cancel}
	s.Permissions = NewPermissions(opts.Role, api,
		WithStaleAfter(opts.StaleAfter),
		WithPermissionsLogger(logger),
	)
	s.Cache = NewNotificationCache(api, opts.UserID, WithCacheLogger(logger))

	chOpts := []ChannelOption{
		WithBackoff(opts.Backoff),
		WithIdleTimeout(opts.IdleTimeout),
		WithHeader(api.Header()),
		WithChannelLogger(logger),
		OnNotification(func(Event) { s.refetch() }),
		OnPermissions(func(Event) { s.Permissions.Invalidate() }),
	}
	if opts.Dialer != nil {
		chOpts = append(chOpts, WithDialer(opts.Dialer))
	}
	if opts.OnStateChange != nil {
		chOpts = append(chOpts, OnStateChange(opts.OnStateChange))
	}
	s.Channel = NewChannel(api.ChannelURL(opts.UserID, opts.Role), chOpts...)

	s.Permissions.Refresh(ctx)
	_ = s.Cache.Refetch(ctx)
	_ = s.Channel.Connect(ctx)
	return s, nil
}

// refetch reloads the cache off the channel's read loop.
func (s *Session) refetch() {
	select {
	case <-s.ctx.Done():
		return
	default:
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.Cache.Refetch(s.ctx)
	}()
}

// Close tears the session down: no reconnects, fetches or updates follow.
func (s *Session) Close() {
	s.once.Do(func() {
		_ = s.Channel.Close()
		s.cancel()
		s.wg.Wait()
		s.Cache.Close()
		s.Permissions.Close()
	})
}

package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// DefaultBackoff is the fixed delay before a reconnect attempt.
const DefaultBackoff = 5 * time.Second

// DefaultIdleTimeout is how long a connection may stay silent, pings
// included, before it is treated as lost. The server pings every 30s.
const DefaultIdleTimeout = 60 * time.Second

const pongWait = 10 * time.Second

// Push message types handled by the channel. Anything else is ignored.
const (
	EventNotification = "notification"
	EventPermissions  = "permissions"
)

// Event is a message received on the push channel.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// State is the connection state of a Channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ErrChannelClosed is returned by Connect after Close.
var ErrChannelClosed = errors.New("channel closed")

// Conn is the read side of an established connection.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// keepalive is implemented by connections that can notice a silent peer.
// *websocket.Conn satisfies it.
type keepalive interface {
	SetReadDeadline(t time.Time) error
	SetPingHandler(h func(appData string) error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// Dialer opens push channel connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Timer is a pending reconnect.
type Timer interface {
	Stop() bool
}

// TimerFunc schedules f after d.
type TimerFunc func(d time.Duration, f func()) Timer

func realTimer(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Channel keeps one push connection open for a session. An unexpected close
// schedules exactly one reconnect after the backoff; retries continue until
// Close.
type Channel struct {
	url     string
	header  http.Header
	dialer  Dialer
	backoff time.Duration
	idle    time.Duration
	timer   TimerFunc
	logger  zerolog.Logger

	onNotification func(Event)
	onPermissions  func(Event)
	onStateChange  func(State)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   State
	conn    Conn
	gen     uint64
	pending Timer
	closed  bool
}

type ChannelOption func(*Channel)

func WithDialer(d Dialer) ChannelOption {
	return func(c *Channel) { c.dialer = d }
}

func WithBackoff(d time.Duration) ChannelOption {
	return func(c *Channel) {
		if d > 0 {
			c.backoff = d
		}
	}
}

// WithIdleTimeout sets how long a connection may go without any frame,
// server pings included, before it is dropped and a reconnect scheduled.
func WithIdleTimeout(d time.Duration) ChannelOption {
	return func(c *Channel) {
		if d > 0 {
			c.idle = d
		}
	}
}

// WithTimerFunc replaces time.AfterFunc for reconnect scheduling.
func WithTimerFunc(f TimerFunc) ChannelOption {
	return func(c *Channel) { c.timer = f }
}

func WithHeader(h http.Header) ChannelOption {
	return func(c *Channel) { c.header = h }
}

func WithChannelLogger(l zerolog.Logger) ChannelOption {
	return func(c *Channel) { c.logger = l }
}

// OnNotification is called for every notification message.
func OnNotification(f func(Event)) ChannelOption {
	return func(c *Channel) { c.onNotification = f }
}

// OnPermissions is called for every permissions message.
func OnPermissions(f func(Event)) ChannelOption {
	return func(c *Channel) { c.onPermissions = f }
}

// OnStateChange is called on every state transition. It runs with the
// channel locked and must not call back into the channel.
func OnStateChange(f func(State)) ChannelOption {
	return func(c *Channel) { c.onStateChange = f }
}

func NewChannel(url string, opts ...ChannelOption) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		url:     url,
		dialer:  WebsocketDialer{},
		backoff: DefaultBackoff,
		idle:    DefaultIdleTimeout,
		timer:   realTimer,
		logger:  zerolog.Nop(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials once. A failed dial schedules a reconnect and returns the
// error; Connect on a channel that is already connecting or connected does
// nothing.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.setState(StateConnecting)
	c.mu.Unlock()

	dialCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	conn, err := c.dialer.Dial(dialCtx, c.url, c.header)
	stop()
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		if conn != nil {
			conn.Close()
		}
		return ErrChannelClosed
	}
	if err != nil {
		c.logger.Warn().Err(err).Dur("backoff", c.backoff).Msg("push channel dial failed")
		c.setState(StateDisconnected)
		c.scheduleLocked()
		return err
	}
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	c.gen++
	c.conn = conn
	c.setState(StateConnected)
	c.logger.Info().Msg("push channel connected")

	c.wg.Add(1)
	go c.readLoop(conn, c.gen)
	return nil
}

func (c *Channel) readLoop(conn Conn, gen uint64) {
	defer c.wg.Done()
	extend := c.watchIdle(conn)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.lost(gen, err)
			return
		}
		extend()
		c.dispatch(raw)
	}
}

// watchIdle arms a read deadline on conn that every message and every server
// ping pushes forward, so a half-open connection ends ReadMessage. It returns
// the function that extends the deadline.
func (c *Channel) watchIdle(conn Conn) func() {
	ka, ok := conn.(keepalive)
	if !ok {
		return func() {}
	}
	extend := func() { _ = ka.SetReadDeadline(time.Now().Add(c.idle)) }
	extend()
	ka.SetPingHandler(func(data string) error {
		extend()
		err := ka.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(pongWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return extend
}

func (c *Channel) dispatch(raw []byte) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		c.logger.Debug().Err(err).Msg("push channel: ignoring malformed message")
		return
	}
	switch ev.Type {
	case EventNotification:
		if c.onNotification != nil {
			c.onNotification(ev)
		}
	case EventPermissions:
		if c.onPermissions != nil {
			c.onPermissions(ev)
		}
	}
}

// lost handles the end of connection gen. Ends of older connections and ends
// after Close are ignored.
func (c *Channel) lost(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen || c.conn == nil {
		return
	}
	c.conn.Close()
	c.conn = nil
	c.logger.Warn().Err(err).Dur("backoff", c.backoff).Msg("push channel lost")
	c.setState(StateDisconnected)
	c.scheduleLocked()
}

// scheduleLocked arms the reconnect timer unless one is already pending.
func (c *Channel) scheduleLocked() {
	if c.closed || c.pending != nil {
		return
	}
	c.pending = c.timer(c.backoff, c.reconnect)
}

func (c *Channel) reconnect() {
	c.mu.Lock()
	c.pending = nil
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	_ = c.Connect(c.ctx)
}

// setState must be called with mu held.
func (c *Channel) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.onStateChange != nil {
		c.onStateChange(s)
	}
}

// Close cancels any pending reconnect and closes the connection. The channel
// cannot be reused.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	var err error
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	c.setState(StateDisconnected)
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return err
}

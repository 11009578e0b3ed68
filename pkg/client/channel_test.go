package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// -- Fake connection, dialer and timers --

type fakeConn struct {
	msgs   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{msgs: make(chan []byte, 16), closed: make(chan struct{})}
}

var errConnDropped = errors.New("connection dropped")

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m, ok := <-c.msgs:
		if !ok {
			return 0, nil, errConnDropped
		}
		return websocket.TextMessage, m, nil
	case <-c.closed:
		return 0, nil, errConnDropped
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// drop simulates the server going away.
func (c *fakeConn) drop() { close(c.msgs) }

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn // handed out in order; an empty queue fails the dial
	dials atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	ft.timers = append(ft.timers, t)
	return t
}

// pending counts armed timers that have neither fired nor been stopped.
func (ft *fakeTimers) pending() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	n := 0
	for _, t := range ft.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (ft *fakeTimers) total() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.timers)
}

// fire runs the most recent timer.
func (ft *fakeTimers) fire() {
	ft.mu.Lock()
	t := ft.timers[len(ft.timers)-1]
	t.fired = true
	ft.mu.Unlock()
	t.f()
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	parts := make([]string, len(l.states))
	for i, s := range l.states {
		parts[i] = s.String()
	}
	return strings.Join(parts, ",")
}

func TestChannel_ConnectAndDispatch(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	var notifications, permissions atomic.Int32
	states := &stateLog{}

	c := NewChannel("ws://test/ws",
		WithDialer(dialer),
		WithTimerFunc((&fakeTimers{}).AfterFunc),
		OnNotification(func(Event) { notifications.Add(1) }),
		OnPermissions(func(Event) { permissions.Add(1) }),
		OnStateChange(states.record),
	)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("expected connected, got %s", c.State())
	}

	conn.msgs <- []byte(`{"type":"notification","topic":"user:u1","data":{"action":"created"}}`)
	conn.msgs <- []byte(`{"type":"permissions","topic":"role:nurse"}`)
	waitFor(t, "dispatch", func() bool { return notifications.Load() == 1 && permissions.Load() == 1 })

	if got := states.String(); got != "connecting,connected" {
		t.Errorf("unexpected transitions %s", got)
	}
}

func TestChannel_IgnoresUnknownAndMalformedMessages(t *testing.T) {
	conn := newFakeConn()
	var notifications atomic.Int32
	c := NewChannel("ws://test/ws",
		WithDialer(&fakeDialer{conns: []*fakeConn{conn}}),
		WithTimerFunc((&fakeTimers{}).AfterFunc),
		OnNotification(func(Event) { notifications.Add(1) }),
	)
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	conn.msgs <- []byte(`{"type":"billing_update","data":{}}`)
	conn.msgs <- []byte(`not json`)
	conn.msgs <- []byte(`{"type":"ping"}`)
	conn.msgs <- []byte(`{"type":"notification"}`)
	waitFor(t, "notification", func() bool { return notifications.Load() == 1 })

	if c.State() != StateConnected {
		t.Errorf("unknown messages must not disturb the connection, state %s", c.State())
	}
	if notifications.Load() != 1 {
		t.Errorf("expected exactly 1 notification callback, got %d", notifications.Load())
	}
}

func TestChannel_SingleReconnectTimerAcrossDrops(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	timers := &fakeTimers{}
	c := NewChannel("ws://test/ws", WithDialer(dialer), WithTimerFunc(timers.AfterFunc), WithBackoff(5*time.Second))
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.drop()
	waitFor(t, "disconnect", func() bool { return c.State() == StateDisconnected })

	if timers.pending() != 1 {
		t.Fatalf("expected 1 pending reconnect, got %d", timers.pending())
	}
	if timers.timers[0].d != 5*time.Second {
		t.Errorf("expected 5s backoff, got %s", timers.timers[0].d)
	}

	// A second unexpected end while the timer is pending schedules nothing.
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	c.lost(gen, errConnDropped)
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected dial failure")
	}
	if timers.total() != 1 {
		t.Fatalf("expected no duplicate timer, got %d timers", timers.total())
	}

	// Firing it retries; the failed dial arms exactly one new timer.
	timers.fire()
	if timers.pending() != 1 || timers.total() != 2 {
		t.Fatalf("expected one new pending timer after a failed retry, got pending=%d total=%d", timers.pending(), timers.total())
	}
}

func TestChannel_ReconnectRestoresConnection(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{first, second}}
	timers := &fakeTimers{}
	var notifications atomic.Int32
	c := NewChannel("ws://test/ws", WithDialer(dialer), WithTimerFunc(timers.AfterFunc),
		OnNotification(func(Event) { notifications.Add(1) }))
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first.drop()
	waitFor(t, "disconnect", func() bool { return c.State() == StateDisconnected })
	timers.fire()

	if c.State() != StateConnected {
		t.Fatalf("expected reconnected, got %s", c.State())
	}
	second.msgs <- []byte(`{"type":"notification"}`)
	waitFor(t, "notification on new connection", func() bool { return notifications.Load() == 1 })
	if timers.pending() != 0 {
		t.Errorf("expected no pending timer while connected, got %d", timers.pending())
	}
}

func TestChannel_CloseCancelsPendingReconnect(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	timers := &fakeTimers{}
	c := NewChannel("ws://test/ws", WithDialer(dialer), WithTimerFunc(timers.AfterFunc))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.drop()
	waitFor(t, "reconnect scheduled", func() bool { return timers.pending() == 1 })

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if timers.pending() != 0 {
		t.Error("expected Close to stop the pending timer")
	}

	// A timer that raced Close must not dial.
	timers.fire()
	if n := dialer.dials.Load(); n != 1 {
		t.Errorf("expected no dial after Close, got %d dials", n)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("expected ErrChannelClosed, got %v", err)
	}
}

func TestChannel_CloseWhileConnectedDoesNotReconnect(t *testing.T) {
	conn := newFakeConn()
	timers := &fakeTimers{}
	c := NewChannel("ws://test/ws", WithDialer(&fakeDialer{conns: []*fakeConn{conn}}), WithTimerFunc(timers.AfterFunc))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = c.Close()
	if timers.total() != 0 {
		t.Errorf("deliberate close must not schedule a reconnect, got %d timers", timers.total())
	}
	if c.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", c.State())
	}
}

func TestChannel_WebsocketDialer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotRole string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRole = r.URL.Query().Get("role")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"notification","topic":"user:u1"}`))
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()

	got := make(chan Event, 1)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user_id=u1&role=nurse"
	c := NewChannel(url, OnNotification(func(ev Event) { got <- ev }))
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case ev := <-got:
		if ev.Topic != "user:u1" {
			t.Errorf("unexpected topic %s", ev.Topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
	if gotRole != "nurse" {
		t.Errorf("expected role in address, got %q", gotRole)
	}
}

type keepaliveConn struct {
	*fakeConn
	mu       sync.Mutex
	deadline time.Time
	ping     func(string) error
	pongs    []string
}

func (c *keepaliveConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

func (c *keepaliveConn) SetPingHandler(h func(string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ping = h
}

func (c *keepaliveConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if messageType == websocket.PongMessage {
		c.pongs = append(c.pongs, string(data))
	}
	return nil
}

func (c *keepaliveConn) snapshot() (time.Time, func(string) error, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline, c.ping, len(c.pongs)
}

func TestChannel_PingExtendsReadDeadline(t *testing.T) {
	conn := &keepaliveConn{fakeConn: newFakeConn()}
	c := NewChannel("ws://test",
		WithDialer(dialerFunc(func(context.Context, string, http.Header) (Conn, error) { return conn, nil })),
		WithIdleTimeout(time.Minute),
		WithTimerFunc((&fakeTimers{}).AfterFunc),
	)
	defer c.Close()

	start := time.Now()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "ping handler", func() bool {
		_, h, _ := conn.snapshot()
		return h != nil
	})
	first, ping, _ := conn.snapshot()
	if first.Before(start.Add(time.Minute)) {
		t.Fatalf("expected deadline a minute out, got %s", first.Sub(start))
	}

	time.Sleep(5 * time.Millisecond)
	if err := ping("hb"); err != nil {
		t.Fatalf("ping handler: %v", err)
	}
	after, _, pongs := conn.snapshot()
	if !after.After(first) {
		t.Error("ping must push the read deadline forward")
	}
	if pongs != 1 {
		t.Errorf("expected one pong, got %d", pongs)
	}
}

type dialerFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

func (f dialerFunc) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	return f(ctx, url, header)
}

func TestChannel_SilentServerTriggersReconnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	timers := &fakeTimers{}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	c := NewChannel(url, WithIdleTimeout(50*time.Millisecond), WithTimerFunc(timers.AfterFunc))
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "idle disconnect", func() bool { return c.State() == StateDisconnected })
	if timers.pending() != 1 {
		t.Errorf("expected a reconnect to be scheduled, got %d pending", timers.pending())
	}
}

package realtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/wardlink/internal/backoff"
	"github.com/haasonsaas/wardlink/pkg/models"
)

type fakeConn struct {
	mu      sync.Mutex
	sent    []Frame
	inbox   chan Frame
	errs    chan error
	closed  chan struct{}
	closeMu sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox:  make(chan Frame, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(f Frame) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeConn) Receive() (Frame, error) {
	select {
	case f := <-c.inbox:
		return f, nil
	case err := <-c.errs:
		return Frame{}, err
	case <-c.closed:
		return Frame{}, ErrConnClosed
	}
}

func (c *fakeConn) Close() error {
	c.closeMu.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) frames(typ string) []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Frame
	for _, f := range c.sent {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) joined() []string {
	var rooms []string
	for _, f := range c.frames(FrameJoin) {
		rooms = append(rooms, f.Room)
	}
	slices.Sort(rooms)
	return rooms
}

// fakeDialer hands out connections from dial, or fresh healthy ones.
type fakeDialer struct {
	mu     sync.Mutex
	calls  int
	tokens []string
	dial   func(ctx context.Context, n int) (Conn, error)
	conns  chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint, token string) (Conn, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.tokens = append(d.tokens, token)
	fn := d.dial
	d.mu.Unlock()
	if fn != nil {
		conn, err := fn(ctx, n)
		if fc, ok := conn.(*fakeConn); ok && err == nil {
			d.conns <- fc
		}
		return conn, err
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection dialed")
		return nil
	}
}

func fastBackoff() backoff.Policy {
	return backoff.Policy{Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}
}

func newTestManager(t *testing.T, d Dialer, maxRetries int, onReject AuthRejectionHandler) *Manager {
	t.Helper()
	m := NewManager(Config{
		Endpoint:       "ws://hospital.test/ws",
		ConnectTimeout: time.Second,
		MaxRetries:     maxRetries,
		Backoff:        fastBackoff(),
		Dialer:         d,
		OnAuthRejected: onReject,
	})
	m.SetRandFunc(func() float64 { return 0 })
	t.Cleanup(m.Close)
	return m
}

func waitStatus(t *testing.T, m *Manager, want models.ConnectionStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Status() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Status() = %s, want %s", m.Status(), want)
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) handler(ev models.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev.Name)
}

func (l *eventLog) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == name {
			n++
		}
	}
	return n
}

func TestConnectJoinsRecordedRooms(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, d, 3, nil)
	log := &eventLog{}
	m.On(models.EventConnect, log.handler)

	m.JoinRoom("user_1")
	m.JoinRoom("role_DOCTOR")
	m.JoinRoom("user_1")
	if m.Status() != models.ConnectionStatusDisconnected {
		t.Fatalf("joining should not connect")
	}

	m.Connect("tok")
	conn := d.next(t)
	waitStatus(t, m, models.ConnectionStatusConnected)

	if got := conn.joined(); !slices.Equal(got, []string{"role_DOCTOR", "user_1"}) {
		t.Errorf("joined = %v", got)
	}
	if d.tokens[0] != "tok" {
		t.Errorf("token = %q", d.tokens[0])
	}
	if log.count(models.EventConnect) != 1 {
		t.Errorf("connect events = %d, want 1", log.count(models.EventConnect))
	}

	// Connect while connected is a no-op; joining a known room sends nothing.
	m.Connect("tok")
	m.JoinRoom("user_1")
	m.JoinRoom("department_icu")
	if d.Calls() != 1 {
		t.Errorf("dial calls = %d, want 1", d.Calls())
	}
	if got := conn.joined(); !slices.Equal(got, []string{"department_icu", "role_DOCTOR", "user_1"}) {
		t.Errorf("joined = %v", got)
	}

	m.LeaveRoom("department_icu")
	m.LeaveRoom("department_icu")
	if n := len(conn.frames(FrameLeave)); n != 1 {
		t.Errorf("leave frames = %d, want 1", n)
	}
}

func TestReconnectBound(t *testing.T) {
	for _, maxRetries := range []int{0, 1, 3, 5} {
		t.Run(fmt.Sprintf("max=%d", maxRetries), func(t *testing.T) {
			d := newFakeDialer()
			d.dial = func(context.Context, int) (Conn, error) {
				return nil, fmt.Errorf("%w: refused", ErrTransport)
			}
			m := newTestManager(t, d, maxRetries, nil)
			log := &eventLog{}
			m.On(models.EventConnectError, log.handler)

			var reconnecting atomic.Int32
			m.OnStatusChange(func(s models.ConnectionSnapshot) {
				if s.Status == models.ConnectionStatusReconnecting {
					reconnecting.Add(1)
				}
			})

			m.Connect("tok")
			waitStatus(t, m, models.ConnectionStatusFailed)
			time.Sleep(20 * time.Millisecond)

			if got := d.Calls() - 1; got != maxRetries {
				t.Errorf("reconnect attempts = %d, want %d", got, maxRetries)
			}
			snap := m.Snapshot()
			if snap.RetryCount != maxRetries {
				t.Errorf("RetryCount = %d, want %d", snap.RetryCount, maxRetries)
			}
			if !errors.Is(snap.LastError, ErrConnectionUnavailable) || !errors.Is(snap.LastError, ErrTransport) {
				t.Errorf("LastError = %v", snap.LastError)
			}
			if int(reconnecting.Load()) != maxRetries {
				t.Errorf("reconnecting notices = %d, want %d", reconnecting.Load(), maxRetries)
			}
			if log.count(models.EventConnectError) != 1 {
				t.Errorf("connect_error events = %d, want 1", log.count(models.EventConnectError))
			}
		})
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	d := newFakeDialer()
	d.dial = func(context.Context, int) (Conn, error) {
		return nil, fmt.Errorf("%w: refused", ErrTransport)
	}
	m := NewManager(Config{
		Endpoint:   "ws://hospital.test/ws",
		MaxRetries: 5,
		Backoff:    backoff.Policy{Initial: 50 * time.Millisecond, Max: 50 * time.Millisecond},
		Dialer:     d,
	})
	defer m.Close()

	m.Connect("tok")
	waitStatus(t, m, models.ConnectionStatusReconnecting)
	m.Disconnect()
	time.Sleep(100 * time.Millisecond)

	if d.Calls() != 1 {
		t.Errorf("dial calls = %d, want 1", d.Calls())
	}
	if m.Status() != models.ConnectionStatusDisconnected {
		t.Errorf("Status() = %s", m.Status())
	}
}

func TestDisconnectDiscardsInFlightDial(t *testing.T) {
	d := newFakeDialer()
	release := make(chan struct{})
	conn := newFakeConn()
	d.dial = func(context.Context, int) (Conn, error) {
		<-release
		return conn, nil
	}
	m := newTestManager(t, d, 3, nil)

	m.Connect("tok")
	waitFor(t, func() bool { return d.Calls() == 1 })
	m.Disconnect()
	close(release)

	waitFor(t, conn.isClosed)
	if m.Status() != models.ConnectionStatusDisconnected {
		t.Errorf("Status() = %s, want disconnected", m.Status())
	}
}

func TestDropAndReconnectRejoinsRooms(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, d, 3, nil)
	log := &eventLog{}
	m.On(models.EventReconnect, log.handler)
	m.On(models.EventDisconnect, log.handler)

	m.Connect("tok")
	first := d.next(t)
	waitStatus(t, m, models.ConnectionStatusConnected)
	for _, room := range []string{"user_7", "role_NURSE", "department_er"} {
		m.JoinRoom(room)
	}
	before := m.Snapshot().JoinedRooms

	first.errs <- fmt.Errorf("%w: connection reset", ErrTransport)
	second := d.next(t)
	waitStatus(t, m, models.ConnectionStatusConnected)

	after := m.Snapshot().JoinedRooms
	if !slices.Equal(before, after) {
		t.Errorf("rooms after reconnect = %v, want %v", after, before)
	}
	if got := second.joined(); !slices.Equal(got, before) {
		t.Errorf("re-joined = %v, want %v", got, before)
	}
	if log.count(models.EventDisconnect) != 1 || log.count(models.EventReconnect) != 1 {
		t.Errorf("events = %v", log.events)
	}
	if m.Snapshot().RetryCount != 0 {
		t.Errorf("RetryCount = %d after reconnect", m.Snapshot().RetryCount)
	}
	if !first.isClosed() {
		t.Error("dropped connection should be closed")
	}
}

func TestAuthRejection(t *testing.T) {
	tests := []struct {
		name   string
		reject func(d *fakeDialer, conn *fakeConn)
		dialed bool
	}{
		{
			name: "error frame",
			reject: func(_ *fakeDialer, conn *fakeConn) {
				conn.inbox <- ErrorFrame(CodeUnauthorized, "token revoked")
			},
			dialed: true,
		},
		{
			name: "close code",
			reject: func(_ *fakeDialer, conn *fakeConn) {
				conn.errs <- &CloseError{Code: CloseForbidden, Text: "forbidden"}
			},
			dialed: true,
		},
		{
			name:   "handshake",
			dialed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFakeDialer()
			if !tt.dialed {
				d.dial = func(context.Context, int) (Conn, error) {
					return nil, &HandshakeError{StatusCode: 401}
				}
			}
			var rejected atomic.Int32
			m := newTestManager(t, d, 3, func(err error) {
				if !IsAuthRejection(err) {
					t.Errorf("handler error = %v", err)
				}
				rejected.Add(1)
			})
			var sawReconnecting atomic.Bool
			m.OnStatusChange(func(s models.ConnectionSnapshot) {
				if s.Status == models.ConnectionStatusReconnecting {
					sawReconnecting.Store(true)
				}
			})

			m.Connect("tok")
			if tt.dialed {
				conn := d.next(t)
				waitStatus(t, m, models.ConnectionStatusConnected)
				tt.reject(d, conn)
			}
			waitFor(t, func() bool { return rejected.Load() == 1 })
			time.Sleep(20 * time.Millisecond)

			if m.Status() != models.ConnectionStatusDisconnected {
				t.Errorf("Status() = %s, want disconnected", m.Status())
			}
			if sawReconnecting.Load() {
				t.Error("auth rejection must not enter reconnecting")
			}
			if d.Calls() != 1 {
				t.Errorf("dial calls = %d, want 1", d.Calls())
			}
			if rejected.Load() != 1 {
				t.Errorf("handler calls = %d, want 1", rejected.Load())
			}
		})
	}
}

func TestEmit(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, d, 3, nil)

	if m.Emit("message", map[string]string{"text": "hi"}) {
		t.Fatal("Emit() while disconnected = true")
	}

	m.Connect("tok")
	conn := d.next(t)
	waitStatus(t, m, models.ConnectionStatusConnected)

	if !m.Emit("message", map[string]string{"text": "hi"}) {
		t.Fatal("Emit() while connected = false")
	}
	events := conn.frames(FrameEvent)
	if len(events) != 1 || events[0].Event != "message" || string(events[0].Payload) != `{"text":"hi"}` {
		t.Errorf("sent = %+v", events)
	}
	if m.Emit("message", make(chan int)) {
		t.Error("Emit() with unencodable payload = true")
	}
}

func TestListenerRegistry(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, d, 3, nil)

	var first, second, third atomic.Int32
	var regB *ListenerRegistration
	m.On(models.EventNotification, func(models.Event) {
		first.Add(1)
		regB.Unsubscribe()
	})
	regB = m.On(models.EventNotification, func(models.Event) { second.Add(1) })
	m.On(models.EventNotification, func(models.Event) { panic("boom") })
	regC := m.On(models.EventNotification, func(ev models.Event) {
		var body struct{ ID string }
		if err := ev.Decode(&body); err != nil || body.ID != "n1" {
			t.Errorf("payload = %s", ev.Payload)
		}
		third.Add(1)
	})
	if regC.EventName() != models.EventNotification {
		t.Errorf("EventName() = %q", regC.EventName())
	}
	if regB.CallbackID() == 0 || regB.CallbackID() == regC.CallbackID() {
		t.Errorf("CallbackID() = %d and %d, want distinct non-zero ids", regB.CallbackID(), regC.CallbackID())
	}

	m.Connect("tok")
	conn := d.next(t)
	waitStatus(t, m, models.ConnectionStatusConnected)

	f, _ := EventFrame(models.EventNotification, map[string]string{"id": "n1"})
	conn.inbox <- f
	waitFor(t, func() bool { return third.Load() == 1 })

	if first.Load() != 1 {
		t.Errorf("first = %d", first.Load())
	}
	if second.Load() != 0 {
		t.Errorf("listener unsubscribed mid-dispatch was called %d times", second.Load())
	}
	regB.Unsubscribe()
	if m.ListenerCount(models.EventNotification) != 3 {
		t.Errorf("ListenerCount() = %d, want 3", m.ListenerCount(models.EventNotification))
	}

	m.Disconnect()
	if regC.Active() {
		t.Error("Disconnect should revoke registrations")
	}
	if m.ListenerCount(models.EventNotification) != 0 {
		t.Errorf("ListenerCount() after Disconnect = %d", m.ListenerCount(models.EventNotification))
	}
	regC.Unsubscribe()
	if len(m.Snapshot().JoinedRooms) != 0 {
		t.Error("Disconnect should clear rooms")
	}
}

func TestCloseStopsEverything(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, d, 3, nil)
	var notices atomic.Int32
	m.OnStatusChange(func(models.ConnectionSnapshot) { notices.Add(1) })

	m.Connect("tok")
	conn := d.next(t)
	waitStatus(t, m, models.ConnectionStatusConnected)
	m.Close()
	seen := notices.Load()

	m.Connect("tok")
	if d.Calls() != 1 {
		t.Errorf("Connect after Close dialed")
	}
	if !conn.isClosed() {
		t.Error("Close should close the transport")
	}
	if notices.Load() != seen {
		t.Error("status listeners should be dropped on Close")
	}
	if reg := m.On("x", func(models.Event) {}); reg.Active() {
		t.Error("On after Close should return an inactive registration")
	}
}

func TestIsAuthRejection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "401", err: &HandshakeError{StatusCode: 401}, want: true},
		{name: "403 wrapped", err: fmt.Errorf("dial: %w", &HandshakeError{StatusCode: 403}), want: true},
		{name: "502", err: &HandshakeError{StatusCode: 502}, want: false},
		{name: "close 4401", err: &CloseError{Code: CloseUnauthorized}, want: true},
		{name: "close 1006", err: &CloseError{Code: 1006}, want: false},
		{name: "forbidden frame", err: &FrameError{Code: CodeForbidden}, want: true},
		{name: "other frame", err: &FrameError{Code: "rate_limited"}, want: false},
		{name: "transport", err: ErrTransport, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAuthRejection(tt.err); got != tt.want {
				t.Errorf("IsAuthRejection() = %v, want %v", got, tt.want)
			}
		})
	}
	if !errors.Is(&CloseError{Code: 1006}, ErrTransport) {
		t.Error("CloseError should unwrap to ErrTransport")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// Package realtime maintains the event channel to the hospital backend:
// one logical connection per session with bounded reconnects, room
// bookkeeping and a listener registry.
//
//	disconnected -> connecting -> connected | failed
//	connected -> (drop) -> reconnecting -> connected | failed
//
// Auth rejections never enter the reconnect loop; they are handed to the
// AuthRejectionHandler instead.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/wardlink/internal/backoff"
	"github.com/haasonsaas/wardlink/internal/observability"
	"github.com/haasonsaas/wardlink/internal/timers"
	"github.com/haasonsaas/wardlink/pkg/models"
)

// AuthRejectionHandler is called when the server rejects the session token.
type AuthRejectionHandler func(err error)

// Handler receives a dispatched event.
type Handler func(models.Event)

// StatusListener observes connection snapshots after each status change.
type StatusListener func(models.ConnectionSnapshot)

// Config tunes the manager.
type Config struct {
	Endpoint string
	// ConnectTimeout bounds each dial (20s).
	ConnectTimeout time.Duration
	// MaxRetries is the number of reconnect attempts before Failed. Zero
	// fails on the first error.
	MaxRetries int
	Backoff    backoff.Policy
	Dialer     Dialer
	// OnAuthRejected is usually the session manager's ForceLogout.
	OnAuthRejected AuthRejectionHandler

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

var allStatuses = []string{
	string(models.ConnectionStatusDisconnected),
	string(models.ConnectionStatusConnecting),
	string(models.ConnectionStatusConnected),
	string(models.ConnectionStatusReconnecting),
	string(models.ConnectionStatusFailed),
}

// ListenerRegistration is returned by On. Unsubscribe is idempotent.
type ListenerRegistration struct {
	m      *Manager
	id     uint64
	event  string
	active atomic.Bool
	fn     Handler
}

// EventName is the event the listener was registered for.
func (r *ListenerRegistration) EventName() string { return r.event }

// CallbackID identifies the registration within its manager. It is zero
// when the manager refused the registration.
func (r *ListenerRegistration) CallbackID() uint64 { return r.id }

// Unsubscribe removes the listener. Calls after the first are no-ops.
func (r *ListenerRegistration) Unsubscribe() {
	if r == nil || !r.active.Swap(false) {
		return
	}
	r.m.removeRegistration(r)
}

// Active reports whether the registration still receives events.
func (r *ListenerRegistration) Active() bool {
	return r != nil && r.active.Load()
}

type statusEntry struct {
	fn     StatusListener
	active atomic.Bool
}

type delivery struct {
	snapshot *models.ConnectionSnapshot
	event    *models.Event
}

// Manager owns the single event-channel connection.
type Manager struct {
	cfg      Config
	logger   *slog.Logger
	timers   *timers.Group
	schedule *backoff.Schedule

	mu           sync.Mutex
	status       models.ConnectionStatus
	token        string
	conn         Conn
	generation   uint64
	suppress     bool
	reconnecting bool
	retryCount   int
	lastErr      error
	rooms        map[string]struct{}
	retry        timers.Handle
	listeners    map[string][]*ListenerRegistration
	listenerSeq  uint64
	statusSubs   map[uint64]*statusEntry
	nextStatusID uint64
	pending      []delivery
	draining     bool
	closed       bool
}

// NewManager returns a Disconnected manager.
func NewManager(cfg Config) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 20 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &WebsocketDialer{Logger: logger}
	}
	m := &Manager{
		cfg:        cfg,
		logger:     logger.With("component", "realtime"),
		timers:     timers.NewGroup(),
		schedule:   backoff.NewSchedule(cfg.Backoff, cfg.MaxRetries),
		status:     models.ConnectionStatusDisconnected,
		rooms:      make(map[string]struct{}),
		listeners:  make(map[string][]*ListenerRegistration),
		statusSubs: make(map[uint64]*statusEntry),
	}
	cfg.Metrics.SetConnectionStatus(string(m.status), allStatuses)
	return m
}

// SetRandFunc replaces the backoff jitter source. Intended for tests.
func (m *Manager) SetRandFunc(fn func() float64) {
	m.schedule.SetRandFunc(fn)
}

// Connect opens the channel with token. It returns immediately; progress is
// reported through status listeners. It is a no-op while Connected or
// Connecting. From Reconnecting or Failed it starts a fresh attempt.
func (m *Manager) Connect(token string) {
	m.mu.Lock()
	if m.closed || m.status == models.ConnectionStatusConnected || m.status == models.ConnectionStatusConnecting {
		m.mu.Unlock()
		return
	}
	m.retry.Stop()
	m.retry = timers.Handle{}
	m.schedule.Reset()
	m.suppress = false
	m.reconnecting = false
	m.retryCount = 0
	m.token = token
	m.generation++
	gen := m.generation
	m.setStatusLocked(models.ConnectionStatusConnecting, nil)
	m.mu.Unlock()
	m.flush()

	go m.dial(gen, token)
}

func (m *Manager) dial(gen uint64, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()
	conn, err := m.cfg.Dialer.Dial(ctx, m.cfg.Endpoint, token)

	m.mu.Lock()
	if m.staleLocked(gen) {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		if IsAuthRejection(err) {
			m.rejectLocked(err)
			m.mu.Unlock()
			m.reject(nil, err)
			return
		}
		m.logger.Warn("connect failed", "endpoint", m.cfg.Endpoint, "error", err)
		m.scheduleRetryLocked(gen, err)
		m.mu.Unlock()
		m.flush()
		return
	}

	wasReconnect := m.reconnecting
	m.conn = conn
	m.reconnecting = false
	m.retryCount = 0
	m.schedule.Reset()
	m.setStatusLocked(models.ConnectionStatusConnected, nil)
	for _, room := range models.SortedRooms(m.rooms) {
		if err := conn.Send(JoinFrame(room)); err != nil {
			m.logger.Warn("failed to re-join room", "room", room, "error", err)
		}
	}
	m.queueEventLocked(models.EventConnect, nil)
	if wasReconnect {
		m.queueEventLocked(models.EventReconnect, nil)
	}
	m.mu.Unlock()
	m.flush()

	m.logger.Info("connected", "endpoint", m.cfg.Endpoint, "reconnect", wasReconnect)
	go m.readLoop(gen, conn)
}

func (m *Manager) staleLocked(gen uint64) bool {
	return m.closed || m.suppress || gen != m.generation
}

// scheduleRetryLocked moves to Reconnecting with a backoff timer, or to
// Failed once the attempts are spent.
func (m *Manager) scheduleRetryLocked(gen uint64, cause error) {
	attempt, delay, ok := m.schedule.Next()
	if !ok {
		err := fmt.Errorf("%w after %d attempts: %w", ErrConnectionUnavailable, m.schedule.Max(), cause)
		m.reconnecting = false
		m.setStatusLocked(models.ConnectionStatusFailed, err)
		m.queueEventLocked(models.EventConnectError, map[string]string{"message": err.Error()})
		m.logger.Error("giving up on event channel", "error", err)
		return
	}
	m.reconnecting = true
	m.retryCount = attempt
	m.setStatusLocked(models.ConnectionStatusReconnecting, cause)
	m.cfg.Metrics.ReconnectAttempt()
	m.logger.Info("scheduling reconnect", "attempt", attempt, "max", m.schedule.Max(), "delay", delay)
	m.retry = m.timers.AfterFunc(delay, func() { m.retryDial(gen) })
}

func (m *Manager) retryDial(gen uint64) {
	m.mu.Lock()
	if m.staleLocked(gen) || m.status != models.ConnectionStatusReconnecting {
		m.mu.Unlock()
		return
	}
	m.retry = timers.Handle{}
	token := m.token
	m.mu.Unlock()
	m.dial(gen, token)
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		f, err := conn.Receive()
		if err != nil {
			m.connectionLost(gen, conn, err)
			return
		}
		if !m.handleFrame(gen, conn, f) {
			return
		}
	}
}

// handleFrame routes one inbound frame. It returns false once the
// connection is no longer current.
func (m *Manager) handleFrame(gen uint64, conn Conn, f Frame) bool {
	m.mu.Lock()
	if m.staleLocked(gen) || m.conn != conn {
		m.mu.Unlock()
		return false
	}
	switch f.Type {
	case FrameEvent:
		if f.Event == "" {
			m.mu.Unlock()
			return true
		}
		m.queueEventLocked(f.Event, f.Payload)
		m.mu.Unlock()
		m.flush()
		return true
	case FrameTypeError:
		if f.Error == nil {
			m.mu.Unlock()
			return true
		}
		if IsAuthRejection(f.Error) {
			stale := m.rejectLocked(f.Error)
			m.mu.Unlock()
			m.reject(stale, f.Error)
			return false
		}
		m.mu.Unlock()
		m.logger.Warn("server reported an error", "code", f.Error.Code, "message", f.Error.Message)
		return true
	case FrameAck:
		m.mu.Unlock()
		m.logger.Debug("room acknowledged", "room", f.Room)
		return true
	default:
		m.mu.Unlock()
		m.logger.Debug("ignoring frame", "type", f.Type)
		return true
	}
}

func (m *Manager) connectionLost(gen uint64, conn Conn, err error) {
	m.mu.Lock()
	if m.staleLocked(gen) || m.conn != conn {
		m.mu.Unlock()
		return
	}
	if IsAuthRejection(err) {
		m.rejectLocked(err)
		m.mu.Unlock()
		m.reject(conn, err)
		return
	}
	m.conn = nil
	m.logger.Warn("event channel dropped", "error", err)
	m.queueEventLocked(models.EventDisconnect, map[string]string{"reason": err.Error()})
	m.scheduleRetryLocked(gen, err)
	m.mu.Unlock()
	_ = conn.Close()
	m.flush()
}

// rejectLocked stops the connection without retrying. Rooms and listeners
// are kept; the owner normally follows up with Disconnect.
func (m *Manager) rejectLocked(err error) Conn {
	m.suppress = true
	m.generation++
	conn := m.conn
	m.conn = nil
	m.retry.Stop()
	m.retry = timers.Handle{}
	m.reconnecting = false
	m.retryCount = 0
	m.setStatusLocked(models.ConnectionStatusDisconnected, err)
	m.logger.Warn("session rejected by server", "error", err)
	return conn
}

// reject closes the rejected connection and notifies the handler.
func (m *Manager) reject(conn Conn, err error) {
	if conn != nil {
		_ = conn.Close()
	}
	m.flush()
	m.handleRejection(err)
}

func (m *Manager) handleRejection(err error) {
	if m.cfg.OnAuthRejected == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("auth rejection handler panicked", "panic", fmt.Sprint(r))
		}
	}()
	m.cfg.OnAuthRejected(err)
}

// Disconnect tears the connection down on purpose. Pending reconnects are
// cancelled, rooms are forgotten and every registration is revoked.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.suppress = true
	m.generation++
	conn := m.conn
	m.conn = nil
	m.retry.Stop()
	m.retry = timers.Handle{}
	m.schedule.Reset()
	m.reconnecting = false
	m.retryCount = 0
	m.token = ""
	m.rooms = make(map[string]struct{})
	for event, regs := range m.listeners {
		for _, r := range regs {
			r.active.Store(false)
		}
		delete(m.listeners, event)
	}
	m.setStatusLocked(models.ConnectionStatusDisconnected, nil)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.flush()
}

// JoinRoom adds room to the joined set. The join frame is sent only when
// the room is new and the channel is up; otherwise it is sent on the next
// connect.
func (m *Manager) JoinRoom(room string) {
	if room == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, ok := m.rooms[room]; ok {
		return
	}
	m.rooms[room] = struct{}{}
	if m.conn != nil && m.status == models.ConnectionStatusConnected {
		if err := m.conn.Send(JoinFrame(room)); err != nil {
			m.logger.Warn("failed to join room", "room", room, "error", err)
		}
	}
}

// LeaveRoom removes room from the joined set.
func (m *Manager) LeaveRoom(room string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[room]; !ok {
		return
	}
	delete(m.rooms, room)
	if m.conn != nil && m.status == models.ConnectionStatusConnected {
		if err := m.conn.Send(LeaveFrame(room)); err != nil {
			m.logger.Warn("failed to leave room", "room", room, "error", err)
		}
	}
}

// Emit sends an event to the server. It reports false, and logs, when the
// channel is not connected or the frame could not be queued.
func (m *Manager) Emit(event string, payload any) bool {
	m.mu.Lock()
	conn := m.conn
	status := m.status
	m.mu.Unlock()

	if conn == nil || status != models.ConnectionStatusConnected {
		m.logger.Warn("dropping emit while not connected", "event", event, "status", status)
		m.cfg.Metrics.DeliveryDropped(event)
		return false
	}
	f, err := EventFrame(event, payload)
	if err != nil {
		m.logger.Warn("dropping emit", "event", event, "error", err)
		m.cfg.Metrics.DeliveryDropped(event)
		return false
	}
	if err := conn.Send(f); err != nil {
		m.logger.Warn("dropping emit", "event", event, "error", err)
		m.cfg.Metrics.DeliveryDropped(event)
		return false
	}
	return true
}

// On registers fn for event.
func (m *Manager) On(event string, fn Handler) *ListenerRegistration {
	r := &ListenerRegistration{m: m, event: event, fn: fn}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || fn == nil {
		return r
	}
	m.listenerSeq++
	r.id = m.listenerSeq
	r.active.Store(true)
	m.listeners[event] = append(m.listeners[event], r)
	return r
}

func (m *Manager) removeRegistration(r *ListenerRegistration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	regs := m.listeners[r.event]
	if i := slices.Index(regs, r); i >= 0 {
		regs = slices.Delete(regs, i, i+1)
	}
	if len(regs) == 0 {
		delete(m.listeners, r.event)
		return
	}
	m.listeners[r.event] = regs
}

// ListenerCount returns the number of live registrations for event.
func (m *Manager) ListenerCount(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners[event])
}

// OnStatusChange registers fn for status changes. The returned func
// unsubscribes and may be called more than once.
func (m *Manager) OnStatusChange(fn StatusListener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || fn == nil {
		return func() {}
	}
	m.nextStatusID++
	id := m.nextStatusID
	entry := &statusEntry{fn: fn}
	entry.active.Store(true)
	m.statusSubs[id] = entry
	return func() {
		entry.active.Store(false)
		m.mu.Lock()
		delete(m.statusSubs, id)
		m.mu.Unlock()
	}
}

// Snapshot returns a copy of the connection state.
func (m *Manager) Snapshot() models.ConnectionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Status returns the current status.
func (m *Manager) Status() models.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) snapshotLocked() models.ConnectionSnapshot {
	return models.ConnectionSnapshot{
		Status:      m.status,
		Endpoint:    m.cfg.Endpoint,
		RetryCount:  m.retryCount,
		JoinedRooms: models.SortedRooms(m.rooms),
		LastError:   m.lastErr,
	}
}

// Close disconnects, drops status listeners and stops every timer.
func (m *Manager) Close() {
	m.Disconnect()
	m.mu.Lock()
	m.closed = true
	for id, e := range m.statusSubs {
		e.active.Store(false)
		delete(m.statusSubs, id)
	}
	m.pending = nil
	m.mu.Unlock()
	m.timers.Close()
}

func (m *Manager) setStatusLocked(status models.ConnectionStatus, err error) {
	if status == models.ConnectionStatusConnected {
		m.lastErr = nil
	} else if err != nil {
		m.lastErr = err
	}
	if m.status == status && err == nil {
		return
	}
	m.status = status
	snap := m.snapshotLocked()
	m.pending = append(m.pending, delivery{snapshot: &snap})
	m.cfg.Metrics.SetConnectionStatus(string(status), allStatuses)
}

func (m *Manager) queueEventLocked(name string, payload any) {
	var raw json.RawMessage
	switch v := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			m.logger.Warn("dropping lifecycle event", "event", name, "error", err)
			return
		}
		raw = b
	}
	m.pending = append(m.pending, delivery{event: &models.Event{Name: name, Payload: raw}})
}

// flush delivers queued status changes and events in order. Callbacks may
// call back into the manager; anything they queue is delivered by the
// running drain.
func (m *Manager) flush() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.pending) > 0 {
		d := m.pending[0]
		m.pending = m.pending[1:]

		var statusFns []*statusEntry
		var handlers []*ListenerRegistration
		if d.snapshot != nil {
			ids := make([]uint64, 0, len(m.statusSubs))
			for id := range m.statusSubs {
				ids = append(ids, id)
			}
			slices.Sort(ids)
			for _, id := range ids {
				statusFns = append(statusFns, m.statusSubs[id])
			}
		} else {
			handlers = slices.Clone(m.listeners[d.event.Name])
		}
		m.mu.Unlock()

		if d.snapshot != nil {
			for _, e := range statusFns {
				if e.active.Load() {
					m.deliverStatus(e.fn, *d.snapshot)
				}
			}
		} else {
			m.cfg.Metrics.EventDispatched(d.event.Name)
			for _, r := range handlers {
				if r.active.Load() {
					m.deliverEvent(r.fn, *d.event)
				}
			}
		}

		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}

func (m *Manager) deliverEvent(fn Handler, ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event listener panicked", "event", ev.Name, "panic", fmt.Sprint(r))
		}
	}()
	fn(ev)
}

func (m *Manager) deliverStatus(fn StatusListener, snap models.ConnectionSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("status listener panicked", "status", snap.Status, "panic", fmt.Sprint(r))
		}
	}()
	fn(snap)
}

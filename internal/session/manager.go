// Package session owns the authentication state machine and the idle
// timeout of the signed-in user.
//
//	anonymous -> verifying -> authenticated <-> expiring -> logged_out
//
// Login and restore results are sequenced: a response that arrives after a
// newer request of the same kind, or after a logout, is discarded.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/wardlink/internal/auth"
	"github.com/haasonsaas/wardlink/internal/observability"
	"github.com/haasonsaas/wardlink/internal/timers"
	"github.com/haasonsaas/wardlink/internal/tokenstore"
	"github.com/haasonsaas/wardlink/pkg/models"
)

var (
	// ErrSuperseded means a newer request of the same kind, or a logout,
	// happened while this one was in flight.
	ErrSuperseded = errors.New("session: superseded by a newer request")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: manager closed")
)

// Config tunes the manager. Zero values take the defaults noted per field.
type Config struct {
	// IdleTimeout is the inactivity period before a forced logout (30m).
	IdleTimeout time.Duration
	// WarningWindow is how long before the timeout the session enters Expiring (5m).
	WarningWindow time.Duration
	// CheckInterval is the idle check period (1s).
	CheckInterval time.Duration
	// ActivitySignals are the accepted RecordActivity signal names.
	ActivitySignals []string
	// Redirect maps a role to its post-login path.
	Redirect func(models.Role) string
	// LogoutTimeout bounds the best-effort server logout call (5s).
	LogoutTimeout time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Listener observes state transitions.
type Listener func(models.SessionTransition)

type listenerEntry struct {
	fn     Listener
	active atomic.Bool
}

// Manager is the session state machine.
type Manager struct {
	cfg     Config
	store   *tokenstore.Store
	auth    auth.Service
	logger  *slog.Logger
	signals map[string]struct{}
	timers  *timers.Group

	mu           sync.Mutex
	now          func() time.Time
	state        models.SessionState
	session      *models.Session
	user         *models.User
	epoch        uint64
	loginSeq     uint64
	restoreSeq   uint64
	idle         timers.Handle
	listeners    map[uint64]*listenerEntry
	nextListener uint64
	pending      []models.SessionTransition
	draining     bool
	closed       bool
}

// NewManager builds a manager in the Anonymous state.
func NewManager(cfg Config, store *tokenstore.Store, authService auth.Service) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.WarningWindow <= 0 || cfg.WarningWindow >= cfg.IdleTimeout {
		cfg.WarningWindow = min(5*time.Minute, cfg.IdleTimeout/2)
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	if cfg.LogoutTimeout <= 0 {
		cfg.LogoutTimeout = 5 * time.Second
	}
	if cfg.Redirect == nil {
		cfg.Redirect = func(models.Role) string { return "/dashboard" }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	signals := make(map[string]struct{}, len(cfg.ActivitySignals))
	for _, s := range cfg.ActivitySignals {
		signals[s] = struct{}{}
	}

	return &Manager{
		cfg:       cfg,
		store:     store,
		auth:      authService,
		logger:    logger.With("component", "session"),
		signals:   signals,
		timers:    timers.NewGroup(),
		now:       time.Now,
		state:     models.SessionAnonymous,
		listeners: make(map[uint64]*listenerEntry),
	}
}

// SetNowFunc sets a custom time function for testing.
func (m *Manager) SetNowFunc(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fn != nil {
		m.now = fn
	}
}

// State returns the current state.
func (m *Manager) State() models.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a copy of the active session.
func (m *Manager) Session() (models.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return models.Session{}, false
	}
	s := *m.session
	s.State = m.state
	return s, true
}

// User returns a copy of the signed-in user.
func (m *Manager) User() (*models.User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user == nil {
		return nil, false
	}
	u := *m.user
	return &u, true
}

// Token returns the session token, or "" when not signed in.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.Token
}

// RestoreSession rebuilds the session from persisted state. Missing or
// corrupt state, a locally expired token and any verification failure all
// end in Anonymous with persisted auth cleared. It never returns an error.
func (m *Manager) RestoreSession(ctx context.Context) models.SessionState {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return models.SessionAnonymous
	}
	m.restoreSeq++
	seq, loginSeq, epoch := m.restoreSeq, m.loginSeq, m.epoch
	now := m.now()
	m.mu.Unlock()

	ctx, span := m.cfg.Tracer.Start(ctx, "session.restore")
	var verifyErr error
	defer func() { observability.End(span, verifyErr) }()

	token, ok := m.store.Token()
	if !ok {
		m.logger.Debug("no stored session")
		return m.abandonRestore(seq, loginSeq, epoch, "")
	}
	user, err := m.store.User()
	if err != nil {
		m.logger.Warn("stored user record is invalid", "error", err)
		return m.abandonRestore(seq, loginSeq, epoch, "")
	}
	if user == nil {
		m.logger.Debug("stored token without user record")
		return m.abandonRestore(seq, loginSeq, epoch, "")
	}
	m.mu.Lock()
	if m.state.Active() && m.session != nil && m.session.Token == token {
		state := m.state
		m.mu.Unlock()
		return state
	}
	m.mu.Unlock()

	info, isJWT := auth.Inspect(token)
	if isJWT && info.Expired(now) {
		m.logger.Info("stored token has expired", "expired_at", info.ExpiresAt)
		return m.abandonRestore(seq, loginSeq, epoch, "")
	}

	m.mu.Lock()
	if m.staleRestoreLocked(seq, loginSeq, epoch) {
		state := m.state
		m.mu.Unlock()
		return state
	}
	m.transitionLocked(models.SessionVerifying, "")
	m.mu.Unlock()
	m.flush()

	res, err := m.auth.VerifyToken(ctx, token)
	if err == nil && (!res.Valid || !res.User.Valid()) {
		err = auth.ErrAuthInvalid
	}
	if err != nil {
		m.logger.Info("session verification failed", "error", err)
		verifyErr = err
		return m.abandonRestore(seq, loginSeq, epoch, models.LogoutVerifyFailed)
	}

	m.mu.Lock()
	if m.staleRestoreLocked(seq, loginSeq, epoch) {
		state := m.state
		m.mu.Unlock()
		m.logger.Debug("discarding stale verification result")
		return state
	}
	if err := m.store.SetUser(res.User); err != nil {
		m.logger.Warn("failed to persist refreshed user", "error", err)
	}
	m.establishLocked(token, res.User)
	m.mu.Unlock()
	m.flush()
	return models.SessionAuthenticated
}

func (m *Manager) staleRestoreLocked(seq, loginSeq, epoch uint64) bool {
	return m.closed || seq != m.restoreSeq || loginSeq != m.loginSeq || epoch != m.epoch
}

// abandonRestore clears persisted auth and lands in Anonymous, unless the
// restore has been overtaken.
func (m *Manager) abandonRestore(seq, loginSeq, epoch uint64, reason models.LogoutReason) models.SessionState {
	m.mu.Lock()
	if m.staleRestoreLocked(seq, loginSeq, epoch) {
		state := m.state
		m.mu.Unlock()
		return state
	}
	if err := m.store.ClearAuth(); err != nil {
		m.logger.Warn("failed to clear stored auth", "error", err)
	}
	m.clearSessionLocked()
	m.transitionLocked(models.SessionAnonymous, reason)
	m.mu.Unlock()
	m.flush()
	return models.SessionAnonymous
}

// Login authenticates with credentials and returns the role's landing path.
// On failure the state is unchanged.
func (m *Manager) Login(ctx context.Context, creds models.Credentials) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	m.loginSeq++
	seq, epoch := m.loginSeq, m.epoch
	m.mu.Unlock()

	ctx, span := m.cfg.Tracer.Start(ctx, "session.login")
	res, err := m.auth.Login(ctx, creds)

	m.mu.Lock()
	if m.closed || seq != m.loginSeq || epoch != m.epoch {
		m.mu.Unlock()
		observability.End(span, ErrSuperseded)
		return "", ErrSuperseded
	}
	if err != nil {
		m.mu.Unlock()
		observability.End(span, err)
		return "", err
	}
	if err := m.store.SetToken(res.Token); err != nil {
		m.logger.Warn("failed to persist token", "error", err)
	}
	if err := m.store.SetUser(res.User); err != nil {
		m.logger.Warn("failed to persist user", "error", err)
	}
	m.establishLocked(res.Token, res.User)
	redirect := m.cfg.Redirect(res.User.Role)
	sessionID := m.session.ID
	m.mu.Unlock()
	m.flush()

	observability.End(span, nil)
	ctx = observability.AddUserID(observability.AddSessionID(ctx, sessionID), res.User.ID)
	m.logger.InfoContext(ctx, "login succeeded", "role", res.User.Role)
	return redirect, nil
}

// establishLocked installs a verified session and starts the idle check.
// A session that is already active is ended first so observers see the
// switch.
func (m *Manager) establishLocked(token string, user *models.User) {
	if m.state.Active() {
		m.clearSessionLocked()
		m.transitionLocked(models.SessionLoggedOut, models.LogoutExplicit)
	}
	now := m.now()
	issued := now
	if info, ok := auth.Inspect(token); ok && !info.IssuedAt.IsZero() {
		issued = info.IssuedAt
	}
	u := *user
	m.user = &u
	m.session = &models.Session{
		ID:             uuid.NewString(),
		UserID:         u.ID,
		Role:           u.Role,
		Token:          token,
		IssuedAt:       issued,
		LastActivityAt: now,
	}
	m.transitionLocked(models.SessionAuthenticated, "")
	m.startIdleLocked()
}

// Logout ends the session. The server is told in the background when
// notifyServer is set; the local transition never waits for it.
func (m *Manager) Logout(ctx context.Context, notifyServer bool) {
	m.logout(ctx, models.LogoutExplicit, notifyServer, true)
}

// ForceLogout ends an active or verifying session for reason. It is a
// no-op when nobody is signed in.
func (m *Manager) ForceLogout(reason models.LogoutReason) {
	m.logout(context.Background(), reason, true, false)
}

func (m *Manager) logout(ctx context.Context, reason models.LogoutReason, notifyServer, always bool) {
	m.mu.Lock()
	if !always && !m.state.Active() && m.state != models.SessionVerifying {
		m.mu.Unlock()
		return
	}
	token, sessionID := "", ""
	if m.session != nil {
		token, sessionID = m.session.Token, m.session.ID
	}
	wasSignedIn := m.state.Active() || m.state == models.SessionVerifying
	m.epoch++
	m.clearSessionLocked()
	m.transitionLocked(models.SessionLoggedOut, reason)
	if err := m.store.ClearAll(); err != nil {
		m.logger.Warn("failed to clear stored state", "error", err)
	}
	m.mu.Unlock()
	m.flush()

	if wasSignedIn {
		m.cfg.Metrics.Logout(string(reason))
		m.logger.Info("session ended", "reason", reason)
	}
	if notifyServer && token != "" {
		go m.notifyServerLogout(observability.AddSessionID(context.WithoutCancel(ctx), sessionID), token)
	}
}

func (m *Manager) notifyServerLogout(ctx context.Context, token string) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.LogoutTimeout)
	defer cancel()
	ctx, span := m.cfg.Tracer.Start(ctx, "session.logout")
	err := m.auth.Logout(ctx, token)
	observability.End(span, err)
	if err != nil {
		m.logger.DebugContext(ctx, "server logout failed", "error", err)
	}
}

func (m *Manager) clearSessionLocked() {
	m.idle.Stop()
	m.idle = timers.Handle{}
	m.session = nil
	m.user = nil
}

// RecordActivity resets the idle deadline for a configured signal. It
// reports whether the signal was accepted. Activity while Expiring returns
// the session to Authenticated.
func (m *Manager) RecordActivity(signal string) bool {
	if _, ok := m.signals[signal]; !ok {
		return false
	}
	return m.touch()
}

// Extend is the explicit "stay signed in" action.
func (m *Manager) Extend() bool {
	return m.touch()
}

func (m *Manager) touch() bool {
	m.mu.Lock()
	if !m.state.Active() || m.session == nil {
		m.mu.Unlock()
		return false
	}
	m.session.LastActivityAt = m.now()
	if m.state == models.SessionExpiring {
		m.transitionLocked(models.SessionAuthenticated, "")
	}
	m.mu.Unlock()
	m.flush()
	return true
}

// Remaining reports the time left before the idle logout.
func (m *Manager) Remaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remainingLocked()
}

func (m *Manager) remainingLocked() time.Duration {
	if !m.state.Active() || m.session == nil {
		return 0
	}
	left := m.session.LastActivityAt.Add(m.cfg.IdleTimeout).Sub(m.now())
	if left < 0 {
		return 0
	}
	return left
}

func (m *Manager) startIdleLocked() {
	if m.idle.Pending() {
		return
	}
	m.idle = m.timers.Every(m.cfg.CheckInterval, m.CheckIdle)
}

// CheckIdle runs one idle check. It reads the latest activity timestamp on
// every call.
func (m *Manager) CheckIdle() {
	m.mu.Lock()
	if !m.state.Active() || m.session == nil {
		m.mu.Unlock()
		return
	}
	left := m.remainingLocked()
	if left <= 0 {
		m.mu.Unlock()
		m.logger.Info("idle timeout reached")
		m.ForceLogout(models.LogoutIdleTimeout)
		return
	}
	if left <= m.cfg.WarningWindow && m.state == models.SessionAuthenticated {
		m.transitionLocked(models.SessionExpiring, "")
	}
	m.mu.Unlock()
	m.flush()
}

// OnStateChange registers fn for transitions. The returned func
// unsubscribes and is safe to call more than once.
func (m *Manager) OnStateChange(fn Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || fn == nil {
		return func() {}
	}
	m.nextListener++
	id := m.nextListener
	entry := &listenerEntry{fn: fn}
	entry.active.Store(true)
	m.listeners[id] = entry
	return func() {
		entry.active.Store(false)
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// transitionLocked queues a transition for delivery by flush.
func (m *Manager) transitionLocked(to models.SessionState, reason models.LogoutReason) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	if m.session != nil {
		m.session.State = to
	}
	m.pending = append(m.pending, models.SessionTransition{From: from, To: to, Reason: reason, At: m.now()})
	m.cfg.Metrics.SessionTransition(string(from), string(to))
}

// flush delivers queued transitions in order. Listeners may call back into
// the manager; their transitions are picked up by the running drain.
func (m *Manager) flush() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.pending) > 0 {
		batch := m.pending
		m.pending = nil
		entries := make([]*listenerEntry, 0, len(m.listeners))
		for _, id := range sortedIDs(m.listeners) {
			entries = append(entries, m.listeners[id])
		}
		m.mu.Unlock()

		for _, tr := range batch {
			for _, e := range entries {
				if e.active.Load() {
					m.deliver(e.fn, tr)
				}
			}
		}

		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}

func (m *Manager) deliver(fn Listener, tr models.SessionTransition) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("session listener panicked", "panic", fmt.Sprint(r), "from", tr.From, "to", tr.To)
		}
	}()
	fn(tr)
}

// Close stops the idle check and drops every listener. Persisted state is
// left alone so the session can be restored later.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.idle = timers.Handle{}
	for id, e := range m.listeners {
		e.active.Store(false)
		delete(m.listeners, id)
	}
	m.pending = nil
	m.mu.Unlock()
	m.timers.Close()
}

func sortedIDs(entries map[uint64]*listenerEntry) []uint64 {
	ids := make([]uint64, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

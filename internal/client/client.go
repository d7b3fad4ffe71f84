// Package client assembles the realtime client core: the token store,
// session manager, event channel, notification router and presence
// tracker. Session transitions drive everything else: signing in connects
// the channel and joins the user's rooms, signing out tears it all down.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/wardlink/internal/api"
	"github.com/haasonsaas/wardlink/internal/auth"
	"github.com/haasonsaas/wardlink/internal/backoff"
	"github.com/haasonsaas/wardlink/internal/config"
	"github.com/haasonsaas/wardlink/internal/notify"
	"github.com/haasonsaas/wardlink/internal/observability"
	"github.com/haasonsaas/wardlink/internal/presence"
	"github.com/haasonsaas/wardlink/internal/realtime"
	"github.com/haasonsaas/wardlink/internal/session"
	"github.com/haasonsaas/wardlink/internal/storage"
	"github.com/haasonsaas/wardlink/internal/tokenstore"
	"github.com/haasonsaas/wardlink/pkg/models"
)

// Options override the collaborators New would otherwise build from the
// config. Every field is optional except Config.
type Options struct {
	Config *config.Config

	Backend       tokenstore.Backend
	Auth          auth.Service
	Notifications notify.Service
	Dialer        realtime.Dialer
	Inbox         storage.InboxStore
	Sounder       notify.Sounder
	Desktop       notify.DesktopNotifier

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Client owns one signed-in (or anonymous) user's runtime.
type Client struct {
	cfg    *config.Config
	logger *slog.Logger

	store    *tokenstore.Store
	session  *session.Manager
	realtime *realtime.Manager
	router   *notify.Router
	presence *presence.Tracker
	inbox    storage.InboxStore
	ownInbox bool

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	boundUser   string
	bindCancel  context.CancelFunc
	regs        []*realtime.ListenerRegistration
	unsubscribe func()
	closed      bool
}

// New builds a client. Nothing touches the network until Start.
func New(opts Options) (*Client, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	backend := opts.Backend
	if backend == nil {
		var err error
		backend, err = tokenstore.OpenBackend(cfg.Storage.Backend, cfg.Storage.Dir, cfg.Storage.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("open token store: %w", err)
		}
	}
	store := tokenstore.New(backend, logger)

	ctx, cancel := context.WithCancel(context.Background())
	inbox := opts.Inbox
	ownInbox := false
	if inbox == nil {
		var err error
		inbox, err = storage.Open(ctx, cfg.Storage.InboxDB)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("open inbox cache: %w", err)
		}
		ownInbox = true
	}

	httpAPI := api.New(cfg.Server.APIBaseURLs,
		api.WithTimeout(cfg.Server.RequestTimeout),
		api.WithLogger(logger),
		api.WithMetrics(opts.Metrics),
	)
	authService := opts.Auth
	if authService == nil {
		authService = auth.NewClient(httpAPI)
	}

	c := &Client{
		cfg:      cfg,
		logger:   logger.With("component", "client"),
		store:    store,
		inbox:    inbox,
		ownInbox: ownInbox,
		ctx:      ctx,
		cancel:   cancel,
	}

	c.session = session.NewManager(session.Config{
		IdleTimeout:     cfg.Session.IdleTimeout,
		WarningWindow:   cfg.Session.WarningWindow,
		CheckInterval:   cfg.Session.CheckInterval,
		ActivitySignals: cfg.Session.ActivitySignals,
		Redirect:        cfg.Session.RedirectFor,
		LogoutTimeout:   cfg.Session.LogoutTimeout,
		Logger:          logger,
		Metrics:         opts.Metrics,
		Tracer:          opts.Tracer,
	}, store, authService)

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &realtime.WebsocketDialer{
			PingInterval: cfg.Connection.PingInterval,
			WriteTimeout: cfg.Connection.WriteTimeout,
			Logger:       logger,
		}
	}
	c.realtime = realtime.NewManager(realtime.Config{
		Endpoint:       cfg.Server.SocketURL,
		ConnectTimeout: cfg.Connection.ConnectTimeout,
		MaxRetries:     cfg.Connection.MaxRetries,
		Backoff:        cfg.Connection.Backoff,
		Dialer:         dialer,
		OnAuthRejected: c.handleAuthRejected,
		Logger:         logger,
		Metrics:        opts.Metrics,
	})

	notifications := opts.Notifications
	if notifications == nil {
		notifications = notify.NewHTTPService(httpAPI, c.session.Token)
	}
	c.router = notify.NewRouter(notify.Config{
		ToastCapacity:        cfg.Notifications.ToastCapacity,
		DefaultToastDuration: cfg.Notifications.DefaultToastDuration,
		InboxLimit:           cfg.Notifications.InboxLimit,
		ReconcileSchedule:    cfg.Notifications.ReconcileSchedule,
		Defaults:             cfg.Notifications.NotificationDefaults(),
		Service:              notifications,
		Store:                store,
		Inbox:                inbox,
		Sounder:              opts.Sounder,
		Desktop:              opts.Desktop,
		Logger:               logger,
		Metrics:              opts.Metrics,
		Tracer:               opts.Tracer,
	})
	c.presence = presence.NewTracker(logger)

	c.unsubscribe = c.session.OnStateChange(c.onTransition)
	return c, nil
}

// Store returns the persisted client state.
func (c *Client) Store() *tokenstore.Store { return c.store }

// Session returns the session manager.
func (c *Client) Session() *session.Manager { return c.session }

// Realtime returns the event channel.
func (c *Client) Realtime() *realtime.Manager { return c.realtime }

// Notifications returns the toast feed and inbox.
func (c *Client) Notifications() *notify.Router { return c.router }

// Presence returns the presence tracker.
func (c *Client) Presence() *presence.Tracker { return c.presence }

// Start watches for external logout, starts unread reconciliation and
// restores any persisted session.
func (c *Client) Start(ctx context.Context) (models.SessionState, error) {
	if c.cfg.Storage.Watch {
		if fb, ok := c.store.Backend().(*tokenstore.FileBackend); ok {
			if err := fb.Watch(c.ctx, c.logger, c.handleStorageChange); err != nil {
				return models.SessionAnonymous, err
			}
		} else {
			c.logger.Debug("storage watch needs the file backend", "backend", c.cfg.Storage.Backend)
		}
	}
	if err := c.router.StartReconciler(); err != nil {
		return models.SessionAnonymous, err
	}
	return c.session.RestoreSession(ctx), nil
}

// Login signs in and returns the landing path for the user's role.
func (c *Client) Login(ctx context.Context, creds models.Credentials) (string, error) {
	return c.session.Login(ctx, creds)
}

// Logout signs out and tells the server.
func (c *Client) Logout(ctx context.Context) {
	c.session.Logout(ctx, true)
}

// RecordActivity forwards a user-input signal to the idle timer.
func (c *Client) RecordActivity(signal string) bool {
	return c.session.RecordActivity(signal)
}

// onTransition binds the runtime to a session on the way in and unbinds it
// on the way out. Moves between Authenticated and Expiring change nothing.
func (c *Client) onTransition(tr models.SessionTransition) {
	switch {
	case tr.To == models.SessionAuthenticated && !tr.From.Active():
		c.bind()
	case tr.To == models.SessionLoggedOut || tr.To == models.SessionAnonymous:
		c.unbind(tr.Reason)
	}
}

func (c *Client) bind() {
	user, ok := c.session.User()
	if !ok {
		return
	}
	token := c.session.Token()

	c.mu.Lock()
	if c.closed || c.boundUser != "" {
		c.mu.Unlock()
		return
	}
	c.boundUser = user.ID
	bindCtx, bindCancel := context.WithCancel(c.ctx)
	c.bindCancel = bindCancel
	c.mu.Unlock()

	if err := c.router.Load(bindCtx, user.ID); err != nil {
		c.logger.Warn("inbox cache unavailable", "error", err)
	}

	regs := []*realtime.ListenerRegistration{
		c.realtime.On(models.EventNotification, c.router.HandleEvent),
		c.realtime.On(models.EventEmergencyAlert, c.router.HandleEvent),
		c.realtime.On(models.EventSystemUpdate, c.router.HandleEvent),
		c.realtime.On(models.EventOnlineUsers, c.presence.HandleEvent),
		c.realtime.On(models.EventUserStatusChange, c.presence.HandleEvent),
	}
	c.mu.Lock()
	c.regs = regs
	c.mu.Unlock()

	for _, room := range models.SessionRooms(user) {
		c.realtime.JoinRoom(room)
	}
	c.realtime.Connect(token)
	c.logger.Info("session bound", "user_id", user.ID, "role", user.Role)

	go func() {
		ctx, cancel := context.WithTimeout(bindCtx, 30*time.Second)
		defer cancel()
		schedule := backoff.NewSchedule(c.cfg.Connection.Backoff, c.cfg.Connection.MaxRetries)
		err := backoff.Retry(ctx, schedule, api.IsUnauthorized, c.router.Refresh)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("inbox refresh failed", "error", err)
		}
	}()
}

func (c *Client) unbind(reason models.LogoutReason) {
	c.mu.Lock()
	if c.boundUser == "" {
		c.mu.Unlock()
		return
	}
	userID := c.boundUser
	c.boundUser = ""
	cancel := c.bindCancel
	c.bindCancel = nil
	regs := c.regs
	c.regs = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, r := range regs {
		r.Unsubscribe()
	}
	c.realtime.Disconnect()
	c.router.Reset(c.ctx)
	c.presence.Reset()
	c.logger.Info("session unbound", "user_id", userID, "reason", reason)
}

func (c *Client) handleAuthRejected(err error) {
	c.logger.Warn("event channel rejected the session", "error", err)
	c.session.ForceLogout(models.LogoutAuthRejected)
}

// handleStorageChange ends the session when another process removes the
// stored token.
func (c *Client) handleStorageChange(ch tokenstore.Change) {
	if ch.Key != tokenstore.KeyAuthToken || !ch.Removed {
		return
	}
	if _, ok := c.store.Token(); ok {
		return
	}
	if !c.session.State().Active() {
		return
	}
	c.logger.Info("stored token removed externally")
	c.session.ForceLogout(models.LogoutExternalStorage)
}

// Close releases every registration, timer and connection. The persisted
// session survives so the next Start can restore it.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	regs := c.regs
	c.regs = nil
	c.boundUser = ""
	if c.bindCancel != nil {
		c.bindCancel()
		c.bindCancel = nil
	}
	c.mu.Unlock()

	c.unsubscribe()
	for _, r := range regs {
		r.Unsubscribe()
	}
	c.cancel()
	c.session.Close()
	c.realtime.Close()
	c.router.Close()
	if c.ownInbox {
		return c.inbox.Close()
	}
	return nil
}

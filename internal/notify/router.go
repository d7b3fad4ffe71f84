// Package notify routes inbound notification events into two views: a
// capped, auto-expiring toast feed and a persisted read/unread inbox.
// Category settings gate both, and decide the sound and desktop side
// effects.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/wardlink/internal/observability"
	"github.com/haasonsaas/wardlink/internal/storage"
	"github.com/haasonsaas/wardlink/internal/timers"
	"github.com/haasonsaas/wardlink/internal/tokenstore"
	"github.com/haasonsaas/wardlink/pkg/models"
)

var (
	// ErrNotFound is returned for unknown notification ids.
	ErrNotFound = errors.New("notify: notification not found")

	// ErrSettingsSync means the settings were saved locally but the server
	// did not accept them.
	ErrSettingsSync = errors.New("notify: settings sync failed")
)

// ChangeKind says which view changed.
type ChangeKind string

const (
	ChangeInbox    ChangeKind = "inbox"
	ChangeToasts   ChangeKind = "toasts"
	ChangeSettings ChangeKind = "settings"
)

// Config wires the router's collaborators. Only Service is required for
// server round-trips; every other dependency is optional.
type Config struct {
	ToastCapacity        int
	DefaultToastDuration time.Duration
	InboxLimit           int
	// ReconcileSchedule is a cron expression for ReconcileUnread.
	ReconcileSchedule string
	// Defaults seed settings when nothing is stored.
	Defaults models.NotificationSettings

	Service Service
	Store   *tokenstore.Store
	Inbox   storage.InboxStore
	Sounder Sounder
	Desktop DesktopNotifier

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// ToastRequest is a client-generated toast.
type ToastRequest struct {
	Type    models.ToastType
	Title   string
	Message string
	// Duration overrides the default TTL. Zero keeps the default and a
	// negative duration makes the toast persistent.
	Duration   time.Duration
	Persistent bool
}

type toastEntry struct {
	toast models.Toast
	timer timers.Handle
}

type changeEntry struct {
	fn     func(ChangeKind)
	active atomic.Bool
}

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Router owns the toast feed, the inbox and the category settings.
type Router struct {
	cfg    Config
	logger *slog.Logger
	timers *timers.Group

	mu            sync.Mutex
	now           func() time.Time
	newID         func() string
	userID        string
	gen           uint64
	notifications []models.Notification
	toasts        []*toastEntry
	settings      models.NotificationSettings
	settingsSeq   uint64
	desktopAsked  bool
	desktopDenied bool
	listeners     map[uint64]*changeEntry
	nextListener  uint64
	cron          *cron.Cron
	closed        bool
}

// NewRouter builds a router. Stored settings win over cfg.Defaults.
func NewRouter(cfg Config) *Router {
	if cfg.ToastCapacity < 1 {
		cfg.ToastCapacity = 5
	}
	if cfg.DefaultToastDuration <= 0 {
		cfg.DefaultToastDuration = 5 * time.Second
	}
	if cfg.InboxLimit <= 0 {
		cfg.InboxLimit = 100
	}
	if cfg.Defaults.Categories == nil {
		cfg.Defaults = models.DefaultNotificationSettings()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		cfg:       cfg,
		logger:    logger.With("component", "notify"),
		timers:    timers.NewGroup(),
		now:       time.Now,
		newID:     uuid.NewString,
		settings:  cfg.Defaults.Clone(),
		listeners: make(map[uint64]*changeEntry),
	}
	if cfg.Store != nil {
		r.settings = cfg.Store.NotificationSettings(cfg.Defaults)
	}
	return r
}

// SetNowFunc sets a custom time function for testing.
func (r *Router) SetNowFunc(fn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn != nil {
		r.now = fn
	}
}

// SetIDFunc replaces the id generator. Intended for tests.
func (r *Router) SetIDFunc(fn func() string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn != nil {
		r.newID = fn
	}
}

// Load binds the router to userID and hydrates the inbox from the local
// cache. Settings are re-read from the store.
func (r *Router) Load(ctx context.Context, userID string) error {
	var cached []models.Notification
	var err error
	if r.cfg.Inbox != nil && userID != "" {
		cached, err = r.cfg.Inbox.List(ctx, userID, r.cfg.InboxLimit)
		if err != nil {
			err = fmt.Errorf("load inbox cache: %w", err)
			cached = nil
		}
	}

	r.mu.Lock()
	r.userID = userID
	r.gen++
	r.notifications = cached
	if r.cfg.Store != nil {
		r.settings = r.cfg.Store.NotificationSettings(r.cfg.Defaults)
	}
	r.mu.Unlock()

	r.emit(ChangeInbox)
	r.emit(ChangeSettings)
	return err
}

// Reset forgets the signed-in user: the inbox, its cache and every toast.
func (r *Router) Reset(ctx context.Context) {
	r.mu.Lock()
	userID := r.userID
	r.userID = ""
	r.gen++
	r.notifications = nil
	toasts := r.toasts
	r.toasts = nil
	r.desktopAsked = false
	r.desktopDenied = false
	r.mu.Unlock()

	for _, t := range toasts {
		t.timer.Stop()
	}
	if r.cfg.Inbox != nil && userID != "" {
		if err := r.cfg.Inbox.Clear(ctx, userID); err != nil {
			r.logger.Warn("failed to clear inbox cache", "error", err)
		}
	}
	r.emit(ChangeInbox)
	r.emit(ChangeToasts)
}

// HandleEvent routes realtime events. It has the shape of a realtime
// handler so it can be registered directly.
func (r *Router) HandleEvent(ev models.Event) {
	switch ev.Name {
	case models.EventNotification:
		var in models.InboundNotification
		if err := ev.Decode(&in); err != nil {
			r.logger.Warn("dropping malformed notification", "error", err)
			return
		}
		r.Ingest(in)
	case models.EventEmergencyAlert:
		var in models.InboundNotification
		if err := ev.Decode(&in); err != nil {
			r.logger.Warn("dropping malformed emergency alert", "error", err)
			return
		}
		in.Category = string(models.CategoryEmergency)
		if strings.TrimSpace(in.Title) == "" {
			in.Title = "Emergency alert"
		}
		r.Ingest(in)
	case models.EventSystemUpdate:
		var body struct {
			Title   string `json:"title"`
			Message string `json:"message"`
		}
		if err := ev.Decode(&body); err != nil || strings.TrimSpace(body.Message) == "" {
			return
		}
		cs := r.Settings().For(models.CategorySystem)
		if !cs.Enabled || !cs.Toast {
			return
		}
		r.AddToast(ToastRequest{Type: models.ToastInfo, Title: body.Title, Message: body.Message})
	}
}

// Ingest applies the settings gate to an inbound notification. When the
// category is enabled it lands in the inbox, and in the toast feed when the
// category shows toasts. It reports whether the notification was kept.
// Duplicate ids are ignored.
func (r *Router) Ingest(in models.InboundNotification) bool {
	category := in.ResolvedCategory()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	cs := r.settings.For(category)
	if !cs.Enabled {
		r.mu.Unlock()
		r.cfg.Metrics.NotificationIngested(string(category), "disabled")
		r.logger.Debug("notification category disabled", "category", category)
		return false
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = r.newID()
	}
	if r.indexLocked(id) >= 0 {
		r.mu.Unlock()
		r.cfg.Metrics.NotificationIngested(string(category), "duplicate")
		return false
	}
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now()
	}
	n := models.Notification{
		ID:        id,
		Title:     in.Title,
		Message:   in.Message,
		Category:  category,
		CreatedAt: createdAt,
	}
	r.notifications = slices.Insert(r.notifications, 0, n)
	if len(r.notifications) > r.cfg.InboxLimit {
		r.notifications = r.notifications[:r.cfg.InboxLimit]
	}
	userID := r.userID

	toastAdded := false
	if cs.Toast {
		ttl := r.cfg.DefaultToastDuration
		if in.DurationMs != nil {
			ttl = time.Duration(*in.DurationMs) * time.Millisecond
		}
		if category == models.CategoryEmergency || ttl < 0 {
			ttl = 0
		}
		r.addToastLocked(models.Toast{
			ID:        id,
			Type:      toastTypeFor(category, in.Priority),
			Title:     in.Title,
			Message:   in.Message,
			CreatedAt: r.now(),
			TTL:       ttl,
		})
		toastAdded = true
	}
	r.mu.Unlock()

	r.cfg.Metrics.NotificationIngested(string(category), "delivered")
	if r.cfg.Inbox != nil && userID != "" {
		if err := r.cfg.Inbox.Put(context.Background(), userID, n); err != nil {
			r.logger.Warn("failed to cache notification", "id", id, "error", err)
		}
	}
	r.emit(ChangeInbox)
	if toastAdded {
		r.emit(ChangeToasts)
	}
	r.sideEffects(category, cs, n)
	return true
}

func toastTypeFor(category models.Category, priority string) models.ToastType {
	switch {
	case category == models.CategoryEmergency:
		return models.ToastError
	case strings.EqualFold(priority, "high"), strings.EqualFold(priority, "urgent"):
		return models.ToastWarning
	default:
		return models.ToastInfo
	}
}

func (r *Router) sideEffects(category models.Category, cs models.CategorySettings, n models.Notification) {
	ctx := context.Background()
	if cs.Sound && r.cfg.Sounder != nil {
		if err := r.cfg.Sounder.Play(ctx, category); err != nil {
			r.logger.Debug("sound cue failed", "category", category, "error", err)
		}
	}
	if cs.Desktop && r.cfg.Desktop != nil {
		r.showDesktop(ctx, n)
	}
}

// showDesktop asks for permission on first use. A denial latches until the
// user re-enables desktop delivery through UpdateSettings.
func (r *Router) showDesktop(ctx context.Context, n models.Notification) {
	r.mu.Lock()
	if r.desktopDenied {
		r.mu.Unlock()
		return
	}
	asked := r.desktopAsked
	r.mu.Unlock()

	if !asked {
		granted, err := r.cfg.Desktop.RequestPermission(ctx)
		r.mu.Lock()
		r.desktopAsked = true
		if err != nil || !granted {
			r.desktopDenied = true
			r.mu.Unlock()
			r.logger.Info("desktop notifications not permitted", "error", err)
			return
		}
		r.mu.Unlock()
	}
	if err := r.cfg.Desktop.Show(ctx, n.Title, n.Message); err != nil {
		r.logger.Debug("desktop notification failed", "error", err)
	}
}

// DesktopDenied reports whether desktop delivery is latched off.
func (r *Router) DesktopDenied() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.desktopDenied
}

// AddToast shows a local toast that never touches the inbox. It returns the
// toast id.
func (r *Router) AddToast(req ToastRequest) string {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ""
	}
	ttl := req.Duration
	switch {
	case req.Persistent || ttl < 0:
		ttl = 0
	case ttl == 0:
		ttl = r.cfg.DefaultToastDuration
	}
	typ := req.Type
	if typ == "" {
		typ = models.ToastInfo
	}
	id := r.newID()
	r.addToastLocked(models.Toast{
		ID:        id,
		Type:      typ,
		Title:     req.Title,
		Message:   req.Message,
		CreatedAt: r.now(),
		TTL:       ttl,
	})
	r.mu.Unlock()
	r.emit(ChangeToasts)
	return id
}

// addToastLocked appends t, arms its expiry and evicts the oldest
// non-persistent toasts while the feed is over capacity. When only
// persistent toasts remain the feed may stay over capacity.
func (r *Router) addToastLocked(t models.Toast) {
	if i := r.toastIndexLocked(t.ID); i >= 0 {
		r.toasts[i].timer.Stop()
		r.toasts = slices.Delete(r.toasts, i, i+1)
	}
	e := &toastEntry{toast: t}
	if !t.Persistent() {
		id := t.ID
		e.timer = r.timers.AfterFunc(t.TTL, func() { r.expire(id) })
	}
	r.toasts = append(r.toasts, e)

	for len(r.toasts) > r.cfg.ToastCapacity {
		victim := slices.IndexFunc(r.toasts, func(e *toastEntry) bool { return !e.toast.Persistent() })
		if victim < 0 {
			break
		}
		r.toasts[victim].timer.Stop()
		r.toasts = slices.Delete(r.toasts, victim, victim+1)
		r.cfg.Metrics.ToastEvicted()
	}
}

func (r *Router) expire(id string) {
	r.mu.Lock()
	i := r.toastIndexLocked(id)
	if i < 0 {
		r.mu.Unlock()
		return
	}
	r.toasts = slices.Delete(r.toasts, i, i+1)
	r.mu.Unlock()
	r.emit(ChangeToasts)
}

// DismissToast removes a toast and cancels its timer.
func (r *Router) DismissToast(id string) bool {
	r.mu.Lock()
	i := r.toastIndexLocked(id)
	if i < 0 {
		r.mu.Unlock()
		return false
	}
	r.toasts[i].timer.Stop()
	r.toasts = slices.Delete(r.toasts, i, i+1)
	r.mu.Unlock()
	r.emit(ChangeToasts)
	return true
}

// Toasts returns the feed, oldest first.
func (r *Router) Toasts() []models.Toast {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Toast, len(r.toasts))
	for i, e := range r.toasts {
		out[i] = e.toast
	}
	return out
}

// Notifications returns the inbox, newest first.
func (r *Router) Notifications() []models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.notifications)
}

// UnreadCount counts unread inbox entries.
func (r *Router) UnreadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unreadLocked()
}

func (r *Router) unreadLocked() int {
	n := 0
	for _, item := range r.notifications {
		if !item.Read {
			n++
		}
	}
	return n
}

// MarkRead marks one notification read locally, then on the server. A
// server failure is returned but the local change stays.
func (r *Router) MarkRead(ctx context.Context, id string) error {
	r.mu.Lock()
	i := r.indexLocked(id)
	if i < 0 {
		r.mu.Unlock()
		return ErrNotFound
	}
	r.notifications[i].Read = true
	userID := r.userID
	r.mu.Unlock()
	r.emit(ChangeInbox)

	if r.cfg.Inbox != nil && userID != "" {
		if err := r.cfg.Inbox.MarkRead(ctx, userID, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			r.logger.Warn("failed to update inbox cache", "id", id, "error", err)
		}
	}
	if r.cfg.Service == nil {
		return nil
	}
	return r.cfg.Service.MarkAsRead(ctx, id)
}

// MarkAllRead marks the whole inbox read.
func (r *Router) MarkAllRead(ctx context.Context) error {
	r.mu.Lock()
	for i := range r.notifications {
		r.notifications[i].Read = true
	}
	userID := r.userID
	r.mu.Unlock()
	r.emit(ChangeInbox)

	if r.cfg.Inbox != nil && userID != "" {
		if err := r.cfg.Inbox.MarkAllRead(ctx, userID); err != nil {
			r.logger.Warn("failed to update inbox cache", "error", err)
		}
	}
	if r.cfg.Service == nil {
		return nil
	}
	return r.cfg.Service.MarkAllAsRead(ctx)
}

// DeleteNotification removes one inbox entry.
func (r *Router) DeleteNotification(ctx context.Context, id string) error {
	r.mu.Lock()
	i := r.indexLocked(id)
	if i < 0 {
		r.mu.Unlock()
		return ErrNotFound
	}
	r.notifications = slices.Delete(r.notifications, i, i+1)
	userID := r.userID
	r.mu.Unlock()
	r.emit(ChangeInbox)

	if r.cfg.Inbox != nil && userID != "" {
		if err := r.cfg.Inbox.Delete(ctx, userID, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			r.logger.Warn("failed to update inbox cache", "id", id, "error", err)
		}
	}
	if r.cfg.Service == nil {
		return nil
	}
	return r.cfg.Service.Delete(ctx, id)
}

func (r *Router) indexLocked(id string) int {
	return slices.IndexFunc(r.notifications, func(n models.Notification) bool { return n.ID == id })
}

func (r *Router) toastIndexLocked(id string) int {
	return slices.IndexFunc(r.toasts, func(e *toastEntry) bool { return e.toast.ID == id })
}

// Settings returns a copy of the current settings.
func (r *Router) Settings() models.NotificationSettings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings.Clone()
}

// UpdateSettings merges patch, saves it locally and syncs it to the server.
// The local change is kept even when the sync fails; the failure is
// reported as ErrSettingsSync unless a newer update has started since.
func (r *Router) UpdateSettings(ctx context.Context, patch models.SettingsPatch) error {
	r.mu.Lock()
	prev := r.settings
	next := prev.Merge(patch)
	for category, p := range patch {
		if p.Desktop != nil && *p.Desktop && !prev.For(category).Desktop {
			r.desktopAsked = false
			r.desktopDenied = false
		}
	}
	r.settings = next
	r.settingsSeq++
	seq := r.settingsSeq
	r.mu.Unlock()

	if r.cfg.Store != nil {
		if err := r.cfg.Store.SetNotificationSettings(next); err != nil {
			r.logger.Warn("failed to persist notification settings", "error", err)
		}
	}
	r.emit(ChangeSettings)

	if r.cfg.Service == nil {
		return nil
	}
	ctx, span := r.cfg.Tracer.Start(ctx, "notify.update_settings")
	err := r.cfg.Service.UpdateSettings(ctx, next.Clone())
	observability.End(span, err)
	if err == nil {
		return nil
	}

	r.mu.Lock()
	stale := seq != r.settingsSeq
	r.mu.Unlock()
	if stale {
		r.logger.Debug("discarding stale settings sync failure", "error", err)
		return nil
	}
	r.logger.Warn("settings sync failed; keeping local settings", "error", err)
	return fmt.Errorf("%w: %w", ErrSettingsSync, err)
}

// Refresh replaces the inbox with the server's copy. A response that
// arrives after the router was reset or bound to another user is dropped.
func (r *Router) Refresh(ctx context.Context) error {
	if r.cfg.Service == nil {
		return nil
	}
	r.mu.Lock()
	userID, gen := r.userID, r.gen
	r.mu.Unlock()

	ctx, span := r.cfg.Tracer.Start(ctx, "notify.refresh")
	list, err := r.cfg.Service.List(ctx, r.cfg.InboxLimit)
	observability.End(span, err)
	if err != nil {
		return err
	}
	list = slices.Clone(list)
	slices.SortStableFunc(list, func(a, b models.Notification) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(list) > r.cfg.InboxLimit {
		list = list[:r.cfg.InboxLimit]
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	if r.userID != userID || r.gen != gen {
		r.mu.Unlock()
		r.logger.Debug("discarding inbox fetched for a previous session", "user_id", userID)
		return nil
	}
	r.notifications = list
	r.mu.Unlock()

	if r.cfg.Inbox != nil && userID != "" {
		if err := r.cfg.Inbox.Replace(ctx, userID, list); err != nil {
			r.logger.Warn("failed to replace inbox cache", "error", err)
		}
	}
	r.emit(ChangeInbox)
	return nil
}

// ReconcileUnread compares the server's unread count with the local one and
// refreshes on mismatch. It reports whether a refresh was needed.
func (r *Router) ReconcileUnread(ctx context.Context) (bool, error) {
	if r.cfg.Service == nil {
		return false, nil
	}
	remote, err := r.cfg.Service.UnreadCount(ctx)
	if err != nil {
		return false, err
	}
	local := r.UnreadCount()
	if remote == local {
		return false, nil
	}
	r.logger.Info("unread count drifted; refreshing inbox", "local", local, "remote", remote)
	return true, r.Refresh(ctx)
}

// StartReconciler runs ReconcileUnread on the configured cron schedule. It
// is a no-op when no schedule is set.
func (r *Router) StartReconciler() error {
	expr := strings.TrimSpace(r.cfg.ReconcileSchedule)
	if expr == "" {
		return nil
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid reconcile schedule: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.cron != nil {
		return nil
	}
	c := cron.New(cron.WithParser(cronParser))
	c.Schedule(sched, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := r.ReconcileUnread(ctx); err != nil {
			r.logger.Warn("unread reconciliation failed", "error", err)
		}
	}))
	c.Start()
	r.cron = c
	return nil
}

// StopReconciler stops the schedule and waits for a running job.
func (r *Router) StopReconciler() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// OnChange registers fn for view changes. The returned func unsubscribes
// and may be called more than once.
func (r *Router) OnChange(fn func(ChangeKind)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || fn == nil {
		return func() {}
	}
	r.nextListener++
	id := r.nextListener
	entry := &changeEntry{fn: fn}
	entry.active.Store(true)
	r.listeners[id] = entry
	return func() {
		entry.active.Store(false)
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Router) emit(kind ChangeKind) {
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	entries := make([]*changeEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, r.listeners[id])
	}
	r.mu.Unlock()

	for _, e := range entries {
		if !e.active.Load() {
			continue
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("change listener panicked", "kind", kind, "panic", fmt.Sprint(rec))
				}
			}()
			e.fn(kind)
		}()
	}
}

// Close cancels every toast timer, stops the reconciler and drops
// listeners. The inbox and settings stay readable.
func (r *Router) Close() {
	r.StopReconciler()
	r.mu.Lock()
	r.closed = true
	for id, e := range r.listeners {
		e.active.Store(false)
		delete(r.listeners, id)
	}
	r.mu.Unlock()
	r.timers.Close()
}

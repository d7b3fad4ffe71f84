// Package presence tracks which users the server reports as online.
package presence

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/haasonsaas/wardlink/pkg/models"
)

// Tracker holds the last known presence of each user. A bulk update
// replaces the online set; incremental updates patch one user.
type Tracker struct {
	logger *slog.Logger

	mu        sync.RWMutex
	statuses  map[string]models.PresenceStatus
	listeners map[uint64]*listener
	nextID    uint64
}

type listener struct {
	fn     func()
	active atomic.Bool
}

func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		logger:    logger.With("component", "presence"),
		statuses:  make(map[string]models.PresenceStatus),
		listeners: make(map[uint64]*listener),
	}
}

// OnChange registers fn to run after every update, in registration order.
// The returned func unregisters it and is safe to call more than once.
func (t *Tracker) OnChange(fn func()) func() {
	if fn == nil {
		return func() {}
	}
	l := &listener{fn: fn}
	l.active.Store(true)
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.listeners[id] = l
	t.mu.Unlock()
	return func() {
		l.active.Store(false)
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// OnBulkUpdate replaces the whole set. Users the update leaves out are
// unknown again.
func (t *Tracker) OnBulkUpdate(entries []models.PresenceEntry) {
	t.mu.Lock()
	clear(t.statuses)
	for _, e := range entries {
		id := strings.TrimSpace(e.UserID)
		if id == "" {
			continue
		}
		status := e.Status
		if status == "" {
			status = models.PresenceOnline
		}
		t.statuses[id] = status
	}
	t.mu.Unlock()
	t.notify()
}

// OnIncrementalUpdate records one user's status.
func (t *Tracker) OnIncrementalUpdate(entry models.PresenceEntry) {
	id := strings.TrimSpace(entry.UserID)
	if id == "" {
		return
	}
	t.mu.Lock()
	t.statuses[id] = entry.Status
	t.mu.Unlock()
	t.notify()
}

func (t *Tracker) IsOnline(userID string) bool {
	return t.StatusOf(userID) == models.PresenceOnline
}

// StatusOf returns the last reported status, or PresenceUnknown for a user
// the server never mentioned.
func (t *Tracker) StatusOf(userID string) models.PresenceStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.statuses[userID]; ok {
		return s
	}
	return models.PresenceUnknown
}

// Online returns the online user ids, sorted.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for id, s := range t.statuses {
		if s == models.PresenceOnline {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Reset forgets everything. Called on logout.
func (t *Tracker) Reset() {
	t.mu.Lock()
	clear(t.statuses)
	t.mu.Unlock()
	t.notify()
}

// HandleEvent applies online-users and user-status-change events. Other
// events are ignored.
func (t *Tracker) HandleEvent(ev models.Event) {
	switch ev.Name {
	case models.EventOnlineUsers:
		entries, err := decodeOnlineUsers(ev.Payload)
		if err != nil {
			t.logger.Warn("dropping malformed online-users event", "error", err)
			return
		}
		t.OnBulkUpdate(entries)
	case models.EventUserStatusChange:
		var entry models.PresenceEntry
		if err := ev.Decode(&entry); err != nil {
			t.logger.Warn("dropping malformed user-status-change event", "error", err)
			return
		}
		switch entry.Status {
		case models.PresenceOnline, models.PresenceOffline:
		default:
			t.logger.Warn("unknown presence status", "user_id", entry.UserID, "status", entry.Status)
			return
		}
		t.OnIncrementalUpdate(entry)
	}
}

// decodeOnlineUsers accepts a bare id list, an entry list, or either one
// wrapped as {"users": [...]}.
func decodeOnlineUsers(raw json.RawMessage) ([]models.PresenceEntry, error) {
	var wrapped struct {
		Users json.RawMessage `json:"users"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Users) > 0 {
		raw = wrapped.Users
	}

	var ids []string
	if err := json.Unmarshal(raw, &ids); err == nil {
		entries := make([]models.PresenceEntry, 0, len(ids))
		for _, id := range ids {
			entries = append(entries, models.PresenceEntry{UserID: id, Status: models.PresenceOnline})
		}
		return entries, nil
	}
	var entries []models.PresenceEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode online users: %w", err)
	}
	return entries, nil
}

func (t *Tracker) notify() {
	t.mu.RLock()
	ids := make([]uint64, 0, len(t.listeners))
	for id := range t.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	ls := make([]*listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, t.listeners[id])
	}
	t.mu.RUnlock()

	for _, l := range ls {
		if !l.active.Load() {
			continue
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					t.logger.Error("presence listener panicked", "panic", fmt.Sprint(rec))
				}
			}()
			l.fn()
		}()
	}
}

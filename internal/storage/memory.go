package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/wardlink/pkg/models"
)

// MemoryInbox provides an in-memory InboxStore.
type MemoryInbox struct {
	mu    sync.RWMutex
	users map[string]map[string]models.Notification
}

// NewMemoryInbox creates an empty in-memory inbox.
func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{users: make(map[string]map[string]models.Notification)}
}

func (s *MemoryInbox) List(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.users[userID]
	out := make([]models.Notification, 0, len(entries))
	for _, n := range entries {
		out = append(out, n)
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryInbox) Put(ctx context.Context, userID string, n models.Notification) error {
	if userID == "" || n.ID == "" {
		return fmt.Errorf("user id and notification id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.users[userID]
	if entries == nil {
		entries = make(map[string]models.Notification)
		s.users[userID] = entries
	}
	entries[n.ID] = n
	return nil
}

func (s *MemoryInbox) Replace(ctx context.Context, userID string, ns []models.Notification) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	entries := make(map[string]models.Notification, len(ns))
	for _, n := range ns {
		if n.ID == "" {
			continue
		}
		entries[n.ID] = n
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = entries
	return nil
}

func (s *MemoryInbox) MarkRead(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.users[userID][id]
	if !ok {
		return ErrNotFound
	}
	n.Read = true
	s.users[userID][id] = n
	return nil
}

func (s *MemoryInbox) MarkAllRead(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, n := range s.users[userID] {
		n.Read = true
		s.users[userID][id] = n
	}
	return nil
}

func (s *MemoryInbox) Delete(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID][id]; !ok {
		return ErrNotFound
	}
	delete(s.users[userID], id)
	return nil
}

func (s *MemoryInbox) Clear(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
	return nil
}

func (s *MemoryInbox) Close() error { return nil }

func sortNewestFirst(ns []models.Notification) {
	sort.SliceStable(ns, func(i, j int) bool {
		if ns[i].CreatedAt.Equal(ns[j].CreatedAt) {
			return ns[i].ID > ns[j].ID
		}
		return ns[i].CreatedAt.After(ns[j].CreatedAt)
	})
}

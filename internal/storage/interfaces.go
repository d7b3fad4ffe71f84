// Package storage caches the notification inbox between runs.
package storage

import (
	"context"
	"errors"

	"github.com/haasonsaas/wardlink/pkg/models"
)

var ErrNotFound = errors.New("not found")

// InboxStore persists a per-user copy of the notification inbox. List
// returns entries newest first.
type InboxStore interface {
	List(ctx context.Context, userID string, limit int) ([]models.Notification, error)
	Put(ctx context.Context, userID string, n models.Notification) error
	// Replace swaps the user's whole inbox for ns.
	Replace(ctx context.Context, userID string, ns []models.Notification) error
	MarkRead(ctx context.Context, userID, id string) error
	MarkAllRead(ctx context.Context, userID string) error
	Delete(ctx context.Context, userID, id string) error
	Clear(ctx context.Context, userID string) error
	Close() error
}

// Open returns a SQLite-backed store for path, or an in-memory store when
// path is empty.
func Open(ctx context.Context, path string) (InboxStore, error) {
	if path == "" {
		return NewMemoryInbox(), nil
	}
	return OpenSQLite(ctx, path)
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/haasonsaas/wardlink/pkg/models"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteInbox implements InboxStore on SQLite.
type SQLiteInbox struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates it.
// ":memory:" keeps everything in process.
func OpenSQLite(ctx context.Context, path string) (*SQLiteInbox, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// An in-memory database exists per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	if _, err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteInbox{db: db}, nil
}

// NewSQLiteInbox wraps an already migrated database.
func NewSQLiteInbox(db *sql.DB) *SQLiteInbox {
	return &SQLiteInbox{db: db}
}

func (s *SQLiteInbox) List(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, message, category, created_at, read
		FROM inbox
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query inbox: %w", err)
	}
	defer rows.Close()

	out := []models.Notification{}
	for rows.Next() {
		var (
			n         models.Notification
			category  string
			createdAt int64
			read      int
		)
		if err := rows.Scan(&n.ID, &n.Title, &n.Message, &category, &createdAt, &read); err != nil {
			return nil, fmt.Errorf("scan inbox: %w", err)
		}
		n.Category = models.Category(category)
		n.CreatedAt = time.UnixMilli(createdAt).UTC()
		n.Read = read != 0
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inbox rows: %w", err)
	}
	return out, nil
}

const upsertInbox = `
	INSERT INTO inbox (user_id, id, title, message, category, created_at, read)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (user_id, id) DO UPDATE SET
		title = excluded.title,
		message = excluded.message,
		category = excluded.category,
		created_at = excluded.created_at,
		read = excluded.read
`

func (s *SQLiteInbox) Put(ctx context.Context, userID string, n models.Notification) error {
	if userID == "" || n.ID == "" {
		return fmt.Errorf("user id and notification id are required")
	}
	if _, err := s.db.ExecContext(ctx, upsertInbox, inboxArgs(userID, n)...); err != nil {
		return fmt.Errorf("put notification %s: %w", n.ID, err)
	}
	return nil
}

func (s *SQLiteInbox) Replace(ctx context.Context, userID string, ns []models.Notification) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM inbox WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear inbox: %w", err)
	}
	for _, n := range ns {
		if n.ID == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, upsertInbox, inboxArgs(userID, n)...); err != nil {
			return fmt.Errorf("put notification %s: %w", n.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit inbox: %w", err)
	}
	return nil
}

func (s *SQLiteInbox) MarkRead(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE inbox SET read = 1 WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("mark read %s: %w", id, err)
	}
	return requireRow(res)
}

func (s *SQLiteInbox) MarkAllRead(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE inbox SET read = 1 WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("mark all read: %w", err)
	}
	return nil
}

func (s *SQLiteInbox) Delete(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM inbox WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("delete notification %s: %w", id, err)
	}
	return requireRow(res)
}

func (s *SQLiteInbox) Clear(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM inbox WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear inbox: %w", err)
	}
	return nil
}

func (s *SQLiteInbox) Close() error {
	return s.db.Close()
}

func inboxArgs(userID string, n models.Notification) []any {
	category := n.Category
	if category == "" {
		category = models.CategoryGeneral
	}
	read := 0
	if n.Read {
		read = 1
	}
	return []any{userID, n.ID, n.Title, n.Message, string(category), n.CreatedAt.UnixMilli(), read}
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/haasonsaas/wardlink/pkg/models"
)

// Sounder plays an audio cue for a category. Errors are logged and ignored.
type Sounder interface {
	Play(ctx context.Context, category models.Category) error
}

// DesktopNotifier shows OS-level notifications. RequestPermission is called
// lazily before the first Show.
type DesktopNotifier interface {
	RequestPermission(ctx context.Context) (bool, error)
	Show(ctx context.Context, title, message string) error
}

// BellSounder rings the terminal bell.
type BellSounder struct {
	W io.Writer
}

func (b BellSounder) Play(ctx context.Context, category models.Category) error {
	if b.W == nil {
		return fmt.Errorf("no output for bell")
	}
	_, err := io.WriteString(b.W, "\a")
	return err
}

// LogNotifier "shows" desktop notifications by logging them. Allow decides
// the permission answer.
type LogNotifier struct {
	Logger *slog.Logger
	Allow  bool
}

func (n LogNotifier) RequestPermission(ctx context.Context) (bool, error) {
	return n.Allow, nil
}

func (n LogNotifier) Show(ctx context.Context, title, message string) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("desktop notification", "title", title, "message", message)
	return nil
}

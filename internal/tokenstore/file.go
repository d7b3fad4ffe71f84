package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const tmpSuffix = ".tmp"

// FileBackend stores one file per key inside a private directory.
type FileBackend struct {
	dir string
	mu  sync.Mutex
}

// NewFileBackend creates dir (0700) if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("tokenstore: file backend requires a directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("tokenstore: create dir: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

// Dir returns the backing directory.
func (f *FileBackend) Dir() string { return f.dir }

func (f *FileBackend) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return "", fmt.Errorf("tokenstore: invalid key %q", key)
	}
	return filepath.Join(f.dir, key), nil
}

func (f *FileBackend) Get(key string) (string, error) {
	p, err := f.path(key)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("tokenstore: read %s: %w", key, err)
	}
	return string(data), nil
}

// Set writes through a temp file and rename so readers never see a partial value.
func (f *FileBackend) Set(key, value string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	tmp := p + tmpSuffix
	if err := os.WriteFile(tmp, []byte(value), 0o600); err != nil {
		return fmt.Errorf("tokenstore: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("tokenstore: write %s: %w", key, err)
	}
	return nil
}

func (f *FileBackend) Delete(key string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("tokenstore: delete %s: %w", key, err)
	}
	return nil
}

func (f *FileBackend) Keys() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: list: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, tmpSuffix) || strings.HasPrefix(name, ".") {
			continue
		}
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys, nil
}

// Change describes a key modified outside this process (or by it).
type Change struct {
	Key     string
	Removed bool
}

// Watch reports changes to stored keys until ctx is done. It returns once
// the watcher is installed; events are delivered on a background goroutine.
func (f *FileBackend) Watch(ctx context.Context, logger *slog.Logger, fn func(Change)) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tokenstore: watch: %w", err)
	}
	if err := watcher.Add(f.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("tokenstore: watch %s: %w", f.dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				key := filepath.Base(event.Name)
				if strings.HasSuffix(key, tmpSuffix) || strings.HasPrefix(key, ".") {
					continue
				}
				switch {
				case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
					// A rename away from the key path is a removal; our own
					// writes rename onto the path and show up as Create.
					if _, err := os.Stat(event.Name); errors.Is(err, os.ErrNotExist) {
						fn(Change{Key: key, Removed: true})
					}
				case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
					fn(Change{Key: key})
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("token store watch error", "error", err)
			}
		}
	}()
	return nil
}

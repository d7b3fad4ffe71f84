// Package tokenstore persists client-side session state as independent
// string values keyed by name.
package tokenstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by backends for keys that were never set.
	ErrNotFound = errors.New("tokenstore: key not found")

	// ErrInvalidData marks a stored value that could not be decoded. The
	// value is cleared and callers treat it as absent.
	ErrInvalidData = errors.New("tokenstore: invalid stored data")
)

// Backend is a flat key/value store. Implementations must be safe for
// concurrent use.
type Backend interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
	Keys() ([]string, error)
}

// OpenBackend builds the backend named by kind: "file", "keyring" or "memory".
func OpenBackend(kind, dir, serviceName string) (Backend, error) {
	switch kind {
	case "", "file":
		return NewFileBackend(dir)
	case "keyring":
		return OpenKeyring(KeyringConfig{ServiceName: serviceName, FileDir: dir})
	case "memory":
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("tokenstore: unknown backend %q", kind)
	}
}

package tokenstore

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

// KeyringBackend stores values in the operating system keyring.
type KeyringBackend struct {
	ring keyring.Keyring
}

// KeyringConfig selects the keyring service and file fallback location.
type KeyringConfig struct {
	ServiceName string
	// FileDir is used by the encrypted-file fallback backend.
	FileDir string
	// FilePassword unlocks the file fallback.
	FilePassword string
}

// OpenKeyring opens the system keyring with an encrypted-file fallback.
func OpenKeyring(cfg KeyringConfig) (*KeyringBackend, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "wardlink"
	}
	if cfg.FilePassword == "" {
		cfg.FilePassword = cfg.ServiceName + "-file-key"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: cfg.ServiceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  cfg.FileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(cfg.FilePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("tokenstore: opening keyring: %w", err)
	}
	return &KeyringBackend{ring: ring}, nil
}

// NewKeyringBackend wraps an already opened keyring.
func NewKeyringBackend(ring keyring.Keyring) *KeyringBackend {
	return &KeyringBackend{ring: ring}
}

func (k *KeyringBackend) Get(key string) (string, error) {
	item, err := k.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("tokenstore: getting %q: %w", key, err)
	}
	return string(item.Data), nil
}

func (k *KeyringBackend) Set(key, value string) error {
	err := k.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: "wardlink " + key,
	})
	if err != nil {
		return fmt.Errorf("tokenstore: setting %q: %w", key, err)
	}
	return nil
}

func (k *KeyringBackend) Delete(key string) error {
	err := k.ring.Remove(key)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("tokenstore: deleting %q: %w", key, err)
	}
	return nil
}

func (k *KeyringBackend) Keys() ([]string, error) {
	keys, err := k.ring.Keys()
	if err != nil {
		return nil, fmt.Errorf("tokenstore: listing keys: %w", err)
	}
	return keys, nil
}

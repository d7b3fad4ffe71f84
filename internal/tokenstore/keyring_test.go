package tokenstore

import (
	"errors"
	"testing"

	"github.com/99designs/keyring"

	"github.com/haasonsaas/wardlink/pkg/models"
)

func TestKeyringBackend(t *testing.T) {
	b := NewKeyringBackend(keyring.NewArrayKeyring(nil))

	if _, err := b.Get(KeyAuthToken); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}

	store := New(b, nil)
	if err := store.SetToken("tok"); err != nil {
		t.Fatalf("SetToken() error = %v", err)
	}
	if err := store.SetUser(&models.User{ID: "u1", Role: models.RoleAdmin}); err != nil {
		t.Fatalf("SetUser() error = %v", err)
	}
	if tok, ok := store.Token(); !ok || tok != "tok" {
		t.Errorf("Token() = (%q, %v)", tok, ok)
	}

	keys, err := b.Keys()
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Keys() = %v, want 2 entries", keys)
	}

	if err := store.ClearAll(); err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}
	if _, ok := store.Token(); ok {
		t.Error("token should be gone after ClearAll()")
	}
}

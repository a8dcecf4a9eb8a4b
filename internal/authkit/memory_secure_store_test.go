package authkit

import (
	"context"
	"errors"
	"testing"
)

func TestMemorySecureStoreLifecycle(t *testing.T) {
	t.Parallel()
	store := NewMemorySecureStore()

	if _, err := store.Get(context.Background(), "session"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	value := []byte("payload")
	if err := store.Set(context.Background(), "session", value); err != nil {
		t.Fatalf("set: %v", err)
	}
	value[0] = 'X'

	stored, err := store.Get(context.Background(), "session")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(stored) != "payload" {
		t.Fatalf("expected stored copy to be isolated, got %q", stored)
	}

	if err := store.Delete(context.Background(), "session"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(context.Background(), "session"); err != nil {
		t.Fatalf("second delete should be a no-op, got %v", err)
	}
	if store.Writes() != 2 {
		t.Fatalf("expected 2 writes, got %d", store.Writes())
	}
}

package scrapbookd

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTokenStore_AcquireValidateConsume(t *testing.T) {
	t.Parallel()

	store := NewTokenStore(filepath.Join(t.TempDir(), "tokens"), 30*time.Minute, time.Hour, nil)

	token, err := store.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !store.Validate(token) {
		t.Fatalf("Validate() = false, want true for a freshly issued token")
	}

	store.Consume(token)
	if store.Validate(token) {
		t.Fatalf("Validate() = true after Consume, want false")
	}
}

func TestTokenStore_ExpiredTokenFailsValidation(t *testing.T) {
	t.Parallel()

	store := NewTokenStore(filepath.Join(t.TempDir(), "tokens"), time.Second, time.Hour, nil)
	now := time.Now()
	store.now = func() time.Time { return now }

	token, err := store.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	now = now.Add(2 * time.Second)
	if store.Validate(token) {
		t.Fatalf("Validate() = true for an expired token, want false")
	}
}

func TestTokenStore_UnknownTokenIsInvalid(t *testing.T) {
	t.Parallel()

	store := NewTokenStore(filepath.Join(t.TempDir(), "tokens"), 30*time.Minute, time.Hour, nil)
	if store.Validate("does-not-exist") {
		t.Fatalf("Validate() = true for an unknown token, want false")
	}
}

func TestTokenStore_SweepRemovesExpired(t *testing.T) {
	t.Parallel()

	store := NewTokenStore(filepath.Join(t.TempDir(), "tokens"), time.Second, time.Nanosecond, nil)
	now := time.Now()
	store.now = func() time.Time { return now }

	token, err := store.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	now = now.Add(2 * time.Second)
	// A second Acquire call is due to sweep (PurgeInterval has elapsed).
	if _, err := store.Acquire(); err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(store.Root, token)); !os.IsNotExist(err) {
		t.Fatalf("token file still present after sweep (Stat error = %v)", err)
	}

	if store.Validate(token) {
		t.Fatalf("Validate() = true for a token that should have been swept")
	}
}

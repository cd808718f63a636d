package httpapi

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestSessionCreateGetDelete(t *testing.T) {
	store := newSessionStore(time.Hour, "")
	token, entry := store.create("alice")
	if token == "" {
		t.Fatal("empty session token")
	}
	if entry.userID != "alice" {
		t.Fatalf("unexpected user %q", entry.userID)
	}
	got, ok := store.get(token)
	if !ok || got.userID != "alice" {
		t.Fatalf("get = %+v, %v", got, ok)
	}
	store.delete(token)
	if _, ok := store.get(token); ok {
		t.Fatal("deleted session still resolves")
	}
}

func TestSessionExpiry(t *testing.T) {
	store := newSessionStore(-time.Minute, "")
	token, _ := store.create("alice")
	if _, ok := store.get(token); ok {
		t.Fatal("expired session resolved")
	}
	// A second lookup after the expiry purge must also miss.
	if _, ok := store.get(token); ok {
		t.Fatal("expired session resolved after purge")
	}
}

func TestSessionPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	store := newSessionStore(time.Hour, path)
	token, entry := store.create("alice")

	reloaded := newSessionStore(time.Hour, path)
	got, ok := reloaded.get(token)
	if !ok {
		t.Fatal("session not restored from disk")
	}
	if got.userID != "alice" || got.id != entry.id {
		t.Fatalf("restored session = %+v, want user alice id %q", got, entry.id)
	}
	if got.ctx == nil || got.prefs == nil {
		t.Fatal("restored session missing context or prefs")
	}
}

func TestSessionPersistenceDropsExpired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	store := newSessionStore(-time.Minute, path)
	token, _ := store.create("alice")

	reloaded := newSessionStore(time.Hour, path)
	if _, ok := reloaded.get(token); ok {
		t.Fatal("expired session restored from disk")
	}
}

func TestSessionPrefsSurviveBaseContextSwap(t *testing.T) {
	store := newSessionStore(time.Hour, "")
	token, entry := store.create("alice")
	entry.prefs.DeviceType = "mobile"

	store.setBaseContext(context.Background())
	got, ok := store.get(token)
	if !ok {
		t.Fatal("session lost on base context swap")
	}
	if got.prefs.DeviceType != "mobile" {
		t.Fatalf("prefs reset on base context swap: %q", got.prefs.DeviceType)
	}
	if got.ctx.Err() != nil {
		t.Fatal("rebuilt session context already cancelled")
	}
}

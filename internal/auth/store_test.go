package auth

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"pkt.systems/paneld/internal/appconfig"
)

func newTestStore(t *testing.T, seeds []appconfig.SeedUser) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.json")
	store, err := NewStore(path, seeds)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func seedUser(t *testing.T, username, password string) appconfig.SeedUser {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "paneld-test", AccountName: username})
	if err != nil {
		t.Fatalf("totp generate: %v", err)
	}
	return appconfig.SeedUser{
		Username:     username,
		PasswordHash: string(hash),
		TOTPSecret:   key.Secret(),
	}
}

func TestAuthenticate(t *testing.T) {
	seed := seedUser(t, "alice", "secret")
	store := newTestStore(t, []appconfig.SeedUser{seed})

	code, err := totp.GenerateCode(seed.TOTPSecret, time.Now())
	if err != nil {
		t.Fatalf("totp code: %v", err)
	}
	if err := store.Authenticate("alice", "secret", code); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := store.Authenticate("alice", "wrong", code); err == nil {
		t.Fatalf("expected bad password rejection")
	}
	if err := store.Authenticate("alice", "secret", "000000"); err == nil {
		t.Fatalf("expected bad totp rejection")
	}
	if err := store.Authenticate("mallory", "secret", code); err == nil {
		t.Fatalf("expected unknown user rejection")
	}
}

func TestChangePassword(t *testing.T) {
	seed := seedUser(t, "alice", "secret")
	store := newTestStore(t, []appconfig.SeedUser{seed})

	code, err := totp.GenerateCode(seed.TOTPSecret, time.Now())
	if err != nil {
		t.Fatalf("totp code: %v", err)
	}
	if err := store.ChangePassword("alice", "secret", code, "newsecret"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	code, err = totp.GenerateCode(seed.TOTPSecret, time.Now())
	if err != nil {
		t.Fatalf("totp code: %v", err)
	}
	if err := store.Authenticate("alice", "newsecret", code); err != nil {
		t.Fatalf("Authenticate after change: %v", err)
	}
	if err := store.ChangePassword("alice", "secret", code, "again"); err == nil {
		t.Fatalf("expected old password rejection")
	}
}

func TestAddDeleteUser(t *testing.T) {
	store := newTestStore(t, nil)
	if err := store.AddUser(User{Username: "bob", PasswordHash: "x", TOTPSecret: "y"}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if err := store.AddUser(User{Username: "bob", PasswordHash: "x", TOTPSecret: "y"}); err == nil {
		t.Fatalf("expected duplicate rejection")
	}
	if err := store.AddUser(User{Username: "Bad Name!"}); err == nil {
		t.Fatalf("expected invalid username rejection")
	}
	if len(store.LoadUsers()) != 1 {
		t.Fatalf("expected one user")
	}
	if err := store.DeleteUser("bob"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if err := store.DeleteUser("bob"); err == nil {
		t.Fatalf("expected missing user rejection")
	}
}

func TestReloadAfterExternalReplace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	first, err := NewStore(path, []appconfig.SeedUser{{Username: "alice", PasswordHash: "h", TOTPSecret: "s"}})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	second, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("NewStore second: %v", err)
	}
	if err := second.AddUser(User{Username: "bob", PasswordHash: "h", TOTPSecret: "s"}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if got := len(first.LoadUsers()); got != 2 {
		t.Fatalf("expected first handle to pick up external write, got %d users", got)
	}
}

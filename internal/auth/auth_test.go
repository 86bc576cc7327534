package auth

import (
	"database/sql"
	"errors"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := New(db)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return s
}

func TestPairAndVerify(t *testing.T) {
	s := newTestStore(t)

	token, dev, err := s.Pair("dan-phone")
	if err != nil {
		t.Fatalf("Pair() error: %v", err)
	}
	if !strings.Contains(token, ".") {
		t.Fatalf("token %q missing id.secret separator", token)
	}
	if dev.Name != "dan-phone" {
		t.Errorf("Name = %q", dev.Name)
	}

	id, err := s.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if id != dev.ID {
		t.Errorf("Verify() device = %q, want %q", id, dev.ID)
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	s := newTestStore(t)
	token, dev, _ := s.Pair("laptop")

	bad := []string{
		"",
		"garbage",
		dev.ID + ".",
		dev.ID + ".wrong-secret",
		"0000.wrong",
		token + "x",
	}
	for _, tok := range bad {
		if _, err := s.Verify(tok); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Verify(%q) = %v, want ErrInvalidToken", tok, err)
		}
	}
}

func TestRevoke(t *testing.T) {
	s := newTestStore(t)
	token, dev, _ := s.Pair("old-tablet")

	if err := s.Revoke(dev.ID); err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}
	if _, err := s.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() after revoke = %v, want ErrInvalidToken", err)
	}
	if err := s.Revoke(dev.ID); err == nil {
		t.Error("second Revoke() should error")
	}
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	s.Pair("one")
	s.Pair("two")

	devices, err := s.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("List() = %d devices, want 2", len(devices))
	}
}

func TestVerifyUpdatesLastSeen(t *testing.T) {
	s := newTestStore(t)
	token, dev, _ := s.Pair("watch")

	if _, err := s.Verify(token); err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	devices, _ := s.List()
	for _, d := range devices {
		if d.ID == dev.ID && d.LastSeen.IsZero() {
			t.Error("LastSeen not updated after Verify()")
		}
	}
}

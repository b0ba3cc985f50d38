package property

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "props.db"))
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissingKey(t *testing.T) {
	s := newTestStore(t)
	v, err := s.Get("state", "nope")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if v != "" {
		t.Errorf("Get() missing key = %q, want empty", v)
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if err := s.Set("account", KeyMasterID, "master-42"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	v, err := s.Get("account", KeyMasterID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if v != "master-42" {
		t.Errorf("Get() = %q, want %q", v, "master-42")
	}
}

func TestSetOverwrites(t *testing.T) {
	s := newTestStore(t)
	if err := s.Set("state", KeyNetworkConnected, "false"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("state", KeyNetworkConnected, "true"); err != nil {
		t.Fatal(err)
	}
	if !s.GetBool("state", KeyNetworkConnected) {
		t.Error("GetBool() = false, want true after overwrite")
	}
}

func TestBoolHelpers(t *testing.T) {
	s := newTestStore(t)
	if s.GetBool("state", KeyLoggedIn) {
		t.Error("GetBool() on missing key should be false")
	}
	if err := s.SetBool("state", KeyLoggedIn, true); err != nil {
		t.Fatal(err)
	}
	if !s.GetBool("state", KeyLoggedIn) {
		t.Error("GetBool() = false, want true")
	}
	if err := s.SetBool("state", KeyLoggedIn, false); err != nil {
		t.Fatal(err)
	}
	if s.GetBool("state", KeyLoggedIn) {
		t.Error("GetBool() = true, want false")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Set("sys", KeyFirstBootInit, "1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("sys", KeyFirstBootInit); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if err := s.Delete("sys", KeyFirstBootInit); err != nil {
		t.Fatalf("Delete() second call error: %v", err)
	}
}

func TestListNamespaceIsolation(t *testing.T) {
	s := newTestStore(t)
	if err := s.Set("state", "a", "1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("account", "b", "2"); err != nil {
		t.Fatal(err)
	}

	got, err := s.List("state")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 1 || got["a"] != "1" {
		t.Errorf("List(state) = %v, want only a=1", got)
	}
}

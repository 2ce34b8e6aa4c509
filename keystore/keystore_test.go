package keystore

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// clock is a settable time source.
type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func openStores(t *testing.T, clk *clock) map[string]Store {
	t.Helper()
	mem := NewMemory()
	mem.now = clk.now

	file, err := OpenSQLite(filepath.Join(t.TempDir(), "keys.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { file.Close() })
	file.now = clk.now

	inmem, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite(:memory:): %v", err)
	}
	t.Cleanup(func() { inmem.Close() })
	inmem.now = clk.now

	return map[string]Store{
		"memory":        mem,
		"sqlite":        file,
		"sqlite_memory": inmem,
	}
}

func TestStore(t *testing.T) {
	clk := &clock{time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	for name, s := range openStores(t, clk) {
		t.Run(name, func(t *testing.T) {
			mustLoad := func(guid string, want []byte) {
				t.Helper()
				got, ok, err := s.Load(guid)
				if err != nil {
					t.Fatalf("Load(%s): %v", guid, err)
				}
				if want == nil {
					if ok {
						t.Errorf("Load(%s) = %x, want no key", guid, got)
					}
					return
				}
				if !ok || !bytes.Equal(got, want) {
					t.Errorf("Load(%s) = %x, %v, want %x", guid, got, ok, want)
				}
			}

			mustLoad("a", nil)
			if err := s.Store("a", []byte("secret-a"), time.Time{}); err != nil {
				t.Fatalf("Store: %v", err)
			}
			if err := s.Store("b", []byte("secret-b"), clk.t.Add(time.Hour)); err != nil {
				t.Fatalf("Store: %v", err)
			}
			mustLoad("a", []byte("secret-a"))
			mustLoad("b", []byte("secret-b"))

			// Storing again replaces.
			if err := s.Store("a", []byte("secret-a2"), time.Time{}); err != nil {
				t.Fatalf("Store: %v", err)
			}
			mustLoad("a", []byte("secret-a2"))

			// Expired keys are gone, keys without expiry stay.
			clk.t = clk.t.Add(2 * time.Hour)
			mustLoad("b", nil)
			mustLoad("a", []byte("secret-a2"))

			if err := s.Delete("a"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			mustLoad("a", nil)
			if err := s.Delete("a"); err != nil {
				t.Errorf("Delete of absent key: %v", err)
			}

			s.Store("c", []byte("c"), time.Time{})
			s.Store("d", []byte("d"), time.Time{})
			if err := s.Clear(); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			mustLoad("c", nil)
			mustLoad("d", nil)

			for _, bad := range []struct {
				guid string
				key  []byte
			}{{"", []byte("k")}, {"g", nil}} {
				if err := s.Store(bad.guid, bad.key, time.Time{}); !errors.Is(err, ErrInvalidKey) {
					t.Errorf("Store(%q, %q) err = %v, want ErrInvalidKey", bad.guid, bad.key, err)
				}
			}
		})
	}
}

func TestMemoryCopies(t *testing.T) {
	m := NewMemory()
	key := []byte("secret")
	m.Store("g", key, time.Time{})
	key[0] = 'X'
	got, _, _ := m.Load("g")
	if string(got) != "secret" {
		t.Errorf("stored key aliased the caller's slice: %q", got)
	}
	got[0] = 'Y'
	again, _, _ := m.Load("g")
	if string(again) != "secret" {
		t.Errorf("loaded key aliased the store: %q", again)
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
}

func TestSQLitePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Store("g", []byte("secret"), time.Time{}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, ok, err := s.Load("g")
	if err != nil || !ok || string(got) != "secret" {
		t.Errorf("Load after reopen = %q, %v, %v, want secret", got, ok, err)
	}
}

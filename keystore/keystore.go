// Package keystore stores the secrets that authenticated peers share,
// so that later sessions between the same peers skip the full
// authentication exchange.
package keystore

import (
	"errors"
	"slices"
	"sync"
	"time"
)

// ErrInvalidKey is returned when storing an empty key or a key under
// an empty GUID.
var ErrInvalidKey = errors.New("invalid key")

// Store is a table of secrets, keyed by the GUID of the peer the
// secret is shared with.
//
// Stores are safe for concurrent use.
type Store interface {
	// Load returns the secret shared with the peer guid. ok is false
	// if there is no secret, or it has expired.
	Load(guid string) (key []byte, ok bool, err error)
	// Store saves the secret shared with the peer guid. A zero
	// expires never expires.
	Store(guid string, key []byte, expires time.Time) error
	// Delete forgets the secret shared with guid, if any.
	Delete(guid string) error
	// Clear forgets all secrets.
	Clear() error
}

func validate(guid string, key []byte) error {
	if guid == "" || len(key) == 0 {
		return ErrInvalidKey
	}
	return nil
}

func expired(expires, now time.Time) bool {
	return !expires.IsZero() && !now.Before(expires)
}

type entry struct {
	key     []byte
	expires time.Time
}

// Memory is a Store that keeps secrets in memory.
type Memory struct {
	now func() time.Time

	mu   sync.Mutex
	keys map[string]entry
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		now:  time.Now,
		keys: map[string]entry{},
	}
}

func (m *Memory) Load(guid string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.keys[guid]
	if !ok {
		return nil, false, nil
	}
	if expired(e.expires, m.now()) {
		delete(m.keys, guid)
		return nil, false, nil
	}
	return slices.Clone(e.key), true, nil
}

func (m *Memory) Store(guid string, key []byte, expires time.Time) error {
	if err := validate(guid, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[guid] = entry{slices.Clone(key), expires}
	return nil
}

func (m *Memory) Delete(guid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, guid)
	return nil
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.keys)
	return nil
}

// Len returns the number of secrets in the store, including expired
// ones not yet evicted.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

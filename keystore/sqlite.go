package keystore

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is a Store persisted in an SQLite database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

const createPeerKeys = `CREATE TABLE IF NOT EXISTS peer_keys (
	guid text primary key,
	key blob not null,
	expires integer not null
)`

// OpenSQLite opens or creates the SQLite key store in filename. Use
// ":memory:" for a private in-memory database.
func OpenSQLite(filename string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return nil, fmt.Errorf("cannot open sqlite key store %q: %w", filename, err)
	}
	// A :memory: database exists per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createPeerKeys); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot (re)create sqlite key store table: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Load(guid string) ([]byte, bool, error) {
	var (
		key     []byte
		expires int64
	)
	err := s.db.QueryRow("SELECT key, expires FROM peer_keys WHERE guid = ?", guid).Scan(&key, &expires)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cannot load key for %s: %w", guid, err)
	}
	if expires != 0 && expired(time.UnixMilli(expires), s.now()) {
		if err := s.Delete(guid); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	return key, true, nil
}

func (s *SQLite) Store(guid string, key []byte, expires time.Time) error {
	if err := validate(guid, key); err != nil {
		return err
	}
	var exp int64
	if !expires.IsZero() {
		exp = expires.UnixMilli()
	}
	if _, err := s.db.Exec("REPLACE INTO peer_keys (guid, key, expires) VALUES (?, ?, ?)", guid, key, exp); err != nil {
		return fmt.Errorf("cannot store key for %s: %w", guid, err)
	}
	return nil
}

func (s *SQLite) Delete(guid string) error {
	if _, err := s.db.Exec("DELETE FROM peer_keys WHERE guid = ?", guid); err != nil {
		return fmt.Errorf("cannot delete key for %s: %w", guid, err)
	}
	return nil
}

func (s *SQLite) Clear() error {
	if _, err := s.db.Exec("DELETE FROM peer_keys"); err != nil {
		return fmt.Errorf("cannot clear key store: %w", err)
	}
	return nil
}

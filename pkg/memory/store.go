// Package memory persists what the orchestrator learns about a repository:
// file knowledge, error→fix solutions, task run history, verification
// episodes, error→file relations, and procedural rules. One SQLite file
// per repo; writes are serialized through a single connection.
package memory

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrClosed is returned by every operation after Close. Callers treat it
// like any other memory error: log and move on.
var ErrClosed = errors.New("memory store is closed")

// Store owns the per-repo SQLite database.
type Store struct {
	db *sql.DB

	mu           sync.RWMutex
	closed       bool
	lastInjected []int64
}

// Open opens (creating if needed) the memory database at path and ensures
// the schema. WAL journaling and foreign keys are enabled; writers wait up
// to 10 s on a locked database instead of failing.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=10000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory db: %w", err)
	}

	// Single connection: the store is single-writer by design, and one
	// conn keeps transactions from contending with their own pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize memory schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close flushes and closes the database. Subsequent calls on the store
// return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.db.Close()
}

// guard returns ErrClosed once the store is closed.
func (s *Store) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// LastInjectedRuleIDs returns the ids of the rules surfaced by the most
// recent BuildTaskMemory call. Stable between builds: calling it twice
// without an intervening build returns the same set.
func (s *Store) LastInjectedRuleIDs() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, len(s.lastInjected))
	copy(out, s.lastInjected)
	return out
}

func (s *Store) setLastInjected(ids []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastInjected = ids
}

// begin starts a write transaction after the closed check.
func (s *Store) begin() (*sql.Tx, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// marshalStrings encodes a string slice as its JSON column form.
func marshalStrings(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// unmarshalStrings tolerates empty and malformed columns.
func unmarshalStrings(col string) []string {
	if col == "" {
		return nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(col), &ss); err != nil {
		return nil
	}
	return ss
}

// truncate caps s at n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func now() time.Time { return time.Now().UTC() }

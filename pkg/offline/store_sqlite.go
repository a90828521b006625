package offline

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/menta2k/field-capture/internal/utils"
	"github.com/menta2k/field-capture/pkg/types"
)

// SQLiteStore keeps the queue as one row of a key/value slot table
type SQLiteStore struct {
	conn *sql.DB
	key  string
	mu   sync.RWMutex
}

// NewSQLiteStore opens (or creates) the database at dbPath and stores the
// queue under key.
func NewSQLiteStore(dbPath, key string) (*SQLiteStore, error) {
	if key == "" {
		key = DefaultStorageKey
	}
	if err := utils.EnsureDir(filepath.Dir(dbPath)); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	s := &SQLiteStore{conn: conn, key: key}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS slots (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// Load reads the slot; a missing row is an empty queue
func (s *SQLiteStore) Load() ([]types.OfflineCaptureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.conn.QueryRow(`SELECT value FROM slots WHERE key = ?`, s.key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	return decodeRecords([]byte(value))
}

// Save replaces the slot in a single statement
func (s *SQLiteStore) Save(records []types.OfflineCaptureRecord) error {
	data, err := encodeRecords(records)
	if err != nil {
		return fmt.Errorf("failed to encode queue: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.conn.Exec(`
		INSERT INTO slots (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, s.key, string(data))
	if err != nil {
		return fmt.Errorf("failed to save queue: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

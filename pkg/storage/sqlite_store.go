package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// SQLiteStore wraps a SQLite database holding the event journal
type SQLiteStore struct {
	db      *sql.DB
	dbPath  string
	metrics *StorageMetrics
	mu      sync.RWMutex
	closed  bool
}

// StorageMetrics tracks storage usage
type StorageMetrics struct {
	QueryCount   int64
	ErrorCount   int64
	DatabaseSize int64
	mu           sync.RWMutex
}

// Config holds SQLiteStore configuration
type Config struct {
	DatabasePath    string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

const integrityCheckTimeout = 30 * time.Second

// DefaultConfig returns default SQLite configuration
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "resource_slot.db",
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	}
}

// NewSQLiteStore opens the database and applies the schema
func NewSQLiteStore(config *Config) (*SQLiteStore, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := os.MkdirAll(filepath.Dir(config.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", config.DatabasePath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	store := &SQLiteStore{
		db:      db,
		dbPath:  config.DatabasePath,
		metrics: &StorageMetrics{},
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := store.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), integrityCheckTimeout)
	defer cancel()
	if err := store.CheckIntegrity(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().
		Str("database_path", config.DatabasePath).
		Int("max_open_conns", config.MaxOpenConns).
		Msg("SQLite store initialized successfully")

	return store, nil
}

func (s *SQLiteStore) initializeSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS migrations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		version INTEGER UNIQUE NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		description TEXT
	);

	CREATE TABLE IF NOT EXISTS lifecycle_events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		source TEXT,
		sandbox_id TEXT NOT NULL,
		container_id TEXT,
		message TEXT,
		timestamp INTEGER NOT NULL,
		metadata TEXT -- JSON
	);

	CREATE INDEX IF NOT EXISTS idx_lifecycle_events_timestamp ON lifecycle_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_lifecycle_events_sandbox ON lifecycle_events(sandbox_id, timestamp);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if _, err := s.db.Exec("INSERT OR IGNORE INTO migrations (version, description) VALUES (?, ?)",
		1, "Lifecycle event journal"); err != nil {
		log.Warn().Err(err).Msg("Failed to record initial migration")
	}

	return nil
}

func (s *SQLiteStore) countQuery(err error) {
	s.metrics.mu.Lock()
	s.metrics.QueryCount++
	if err != nil {
		s.metrics.ErrorCount++
	}
	s.metrics.mu.Unlock()
}

// Exec executes a statement
func (s *SQLiteStore) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	s.countQuery(err)
	return result, err
}

// Query executes a query returning rows
func (s *SQLiteStore) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	s.countQuery(err)
	return rows, err
}

// QueryRow executes a single-row query
func (s *SQLiteStore) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.countQuery(nil)
	return s.db.QueryRowContext(ctx, query, args...)
}

// GetMetrics returns current storage metrics
func (s *SQLiteStore) GetMetrics() StorageMetrics {
	s.metrics.mu.Lock()
	defer s.metrics.mu.Unlock()

	if stat, err := os.Stat(s.dbPath); err == nil {
		s.metrics.DatabaseSize = stat.Size()
	}

	return StorageMetrics{
		QueryCount:   s.metrics.QueryCount,
		ErrorCount:   s.metrics.ErrorCount,
		DatabaseSize: s.metrics.DatabaseSize,
	}
}

// Vacuum reclaims space left by deleted events
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	_, err := s.db.ExecContext(ctx, "VACUUM")
	s.countQuery(err)
	if err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}

	log.Debug().Msg("Database vacuum completed")
	return nil
}

// CheckIntegrity performs database integrity check
func (s *SQLiteStore) CheckIntegrity(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("failed to check integrity: %w", err)
	}

	if result != "ok" {
		return fmt.Errorf("database integrity check failed: %s", result)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	log.Info().Str("database_path", s.dbPath).Msg("SQLite store closed")
	return nil
}

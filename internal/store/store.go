package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on runs(status, seq) for bulk replay scans
const currentSchemaVersion = 1

// DefaultCacheSize is the number of terminal runs kept in memory.
const DefaultCacheSize = 1024

var (
	// ErrNotFound is returned when a run_id has no ledger entry.
	ErrNotFound = errors.New("run not found")

	// ErrRunExists is returned when a run_id is already recorded.
	ErrRunExists = errors.New("run already recorded")

	// ErrStaleState is returned when a partition changed between read and commit.
	ErrStaleState = errors.New("partition version changed since read")
)

// Store provides durable storage for partition state and the run ledger.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db    *sql.DB
	cache *lru.ARCCache
}

// Option configures a Store.
type Option func(*options)

type options struct {
	cacheSize int
}

// WithCacheSize sets how many terminal runs GetRun keeps in memory.
func WithCacheSize(n int) Option {
	return func(o *options) {
		o.cacheSize = n
	}
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(&o)
	}

	cache, err := lru.NewARC(o.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create run cache: %w", err)
	}

	// Write transactions take the database lock at BEGIN, so a commit's
	// reads of the ledger (its seq) are never stale across processes.
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to connect to database: %w", err), db.Close())
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to apply pragmas: %w", err), db.Close())
	}

	if err := applySchema(db); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to apply schema: %w", err), db.Close())
	}

	return &Store{db: db, cache: cache}, nil
}

// Close checkpoints the WAL and closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if s.cache != nil {
		s.cache.Purge()
	}
	_, ckErr := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	if ckErr != nil {
		ckErr = fmt.Errorf("checkpoint: %w", ckErr)
	}
	return multierr.Combine(ckErr, s.db.Close())
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_txlock=immediate"
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the (status, seq) index used by ListRunIDs.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_runs_status_seq
		ON runs(status, seq)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

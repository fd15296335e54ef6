// Package database opens vigil's SQLite stores. The daemon runs two: the
// chain archive (append-only audit mirror, ledger profile) and the client
// data store (rebuildable snapshots, cache profile). Profiles pick the
// PRAGMA set and pool sizing for each role.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Profile selects durability and speed trade-offs for a database.
type Profile string

const (
	// ProfileLedger favors durability. The audit archive must survive a
	// crash mid-append, so every write is fsynced and pages are never
	// reclaimed.
	ProfileLedger Profile = "ledger"
	// ProfileCache favors speed. Client snapshots can be re-saved by the
	// owner of the data, so fsync is off and space is reclaimed eagerly.
	ProfileCache Profile = "cache"
	// ProfileStandard is the balanced default.
	ProfileStandard Profile = "standard"
)

// Config describes one database to open.
type Config struct {
	Path    string
	Profile Profile
	Name    string // short name used in log and error messages
}

// DB wraps a SQLite connection tuned by profile.
type DB struct {
	conn    *sql.DB
	path    string
	profile Profile
	name    string
}

// New opens the database, creating its directory if needed, and verifies
// the connection with a short ping.
func New(cfg Config) (*DB, error) {
	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	if cfg.Profile == "" {
		cfg.Profile = ProfileStandard
	}

	conn, err := sql.Open("sqlite", dsn(absPath, cfg.Profile))
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Name, err)
	}
	tunePool(conn, cfg.Profile)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database %s: %w", cfg.Name, err)
	}

	return &DB{
		conn:    conn,
		path:    absPath,
		profile: cfg.Profile,
		name:    cfg.Name,
	}, nil
}

// dsn builds the connection string. All databases run WAL; the rest of the
// PRAGMA set follows the profile.
func dsn(path string, profile Profile) string {
	s := path + "?_pragma=journal_mode(WAL)"

	switch profile {
	case ProfileLedger:
		s += "&_pragma=synchronous(FULL)" // fsync per write
		s += "&_pragma=auto_vacuum(NONE)" // append-only, never shrink
	case ProfileCache:
		s += "&_pragma=synchronous(OFF)"
		s += "&_pragma=auto_vacuum(FULL)"
		s += "&_pragma=temp_store(MEMORY)"
	case ProfileStandard:
		s += "&_pragma=synchronous(NORMAL)"
		s += "&_pragma=auto_vacuum(INCREMENTAL)"
		s += "&_pragma=temp_store(MEMORY)"
	}

	s += "&_pragma=foreign_keys(1)"
	s += "&_pragma=wal_autocheckpoint(1000)"
	s += "&_pragma=cache_size(-64000)" // 64MB
	return s
}

// tunePool sizes the connection pool. The ledger archive has one writer and
// the occasional integrity scan; the cache store serves routing reads.
func tunePool(conn *sql.DB, profile Profile) {
	switch profile {
	case ProfileLedger:
		conn.SetMaxOpenConns(4)
		conn.SetMaxIdleConns(1)
	case ProfileCache:
		conn.SetMaxOpenConns(16)
		conn.SetMaxIdleConns(4)
	default:
		conn.SetMaxOpenConns(8)
		conn.SetMaxIdleConns(2)
	}
	conn.SetConnMaxLifetime(24 * time.Hour)
	conn.SetConnMaxIdleTime(30 * time.Minute)
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn exposes the raw *sql.DB for transaction helpers.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Name returns the configured short name.
func (db *DB) Name() string {
	return db.name
}

// Profile returns the profile the database was opened with.
func (db *DB) Profile() Profile {
	return db.profile
}

// Exec executes a statement without returning rows.
func (db *DB) Exec(query string, args ...any) (sql.Result, error) {
	return db.conn.Exec(query, args...)
}

// ExecContext executes a statement with a context.
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.conn.ExecContext(ctx, query, args...)
}

// Query executes a query that returns rows.
func (db *DB) Query(query string, args ...any) (*sql.Rows, error) {
	return db.conn.Query(query, args...)
}

// QueryContext executes a query with a context.
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, query, args...)
}

// QueryRow executes a query that returns at most one row.
func (db *DB) QueryRow(query string, args ...any) *sql.Row {
	return db.conn.QueryRow(query, args...)
}

// QueryRowContext executes a single-row query with a context.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.conn.QueryRowContext(ctx, query, args...)
}

// WithTransaction runs fn inside a transaction. The transaction commits when
// fn returns nil and rolls back when fn errors or panics; a panic is
// converted into the returned error.
func WithTransaction(db *sql.DB, fn func(*sql.Tx) error) (err error) {
	if db == nil {
		return fmt.Errorf("database connection is nil")
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
		} else if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("transaction failed: %w (rollback also failed: %v)", err, rbErr)
			} else {
				err = fmt.Errorf("transaction failed: %w", err)
			}
		} else if commitErr := tx.Commit(); commitErr != nil {
			err = fmt.Errorf("failed to commit transaction: %w", commitErr)
		}
	}()

	err = fn(tx)
	return err
}

// HealthCheck pings the database and runs a full PRAGMA integrity_check.
// The integrity scan is expensive; the maintenance job runs it daily.
func (db *DB) HealthCheck(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed for %s: %w", db.name, err)
	}

	var result string
	if err := db.conn.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed for %s: %w", db.name, err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed for %s: %s", db.name, result)
	}
	return nil
}

// QuickCheck pings without the integrity scan.
func (db *DB) QuickCheck(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// WALCheckpoint forces a WAL checkpoint. Mode defaults to TRUNCATE, which
// also resets the WAL file to minimal size.
func (db *DB) WALCheckpoint(mode string) error {
	if mode == "" {
		mode = "TRUNCATE"
	}
	if _, err := db.conn.Exec(fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode)); err != nil {
		return fmt.Errorf("WAL checkpoint failed for %s: %w", db.name, err)
	}
	return nil
}

// Stats reports file and page figures for growth tracking.
type Stats struct {
	SizeBytes    int64
	WALSizeBytes int64
	PageCount    int64
	PageSize     int64
}

// GetStats reads current database statistics.
func (db *DB) GetStats() (*Stats, error) {
	stats := &Stats{}

	if fi, err := os.Stat(db.path); err == nil {
		stats.SizeBytes = fi.Size()
	}
	if fi, err := os.Stat(db.path + "-wal"); err == nil {
		stats.WALSizeBytes = fi.Size()
	}

	if err := db.conn.QueryRow("PRAGMA page_count").Scan(&stats.PageCount); err != nil {
		return nil, fmt.Errorf("failed to get page count: %w", err)
	}
	if err := db.conn.QueryRow("PRAGMA page_size").Scan(&stats.PageSize); err != nil {
		return nil, fmt.Errorf("failed to get page size: %w", err)
	}
	return stats, nil
}

// Package store is holonet's persistence layer: one SQLite database per
// (kind, identifier), transactional op lifecycle updates, chain queries and
// the per-space region summaries gossip reconciles against.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Kind names a database role.
type Kind string

const (
	KindAuthored      Kind = "authored"
	KindDht           Kind = "dht"
	KindCache         Kind = "cache"
	KindConductor     Kind = "conductor"
	KindWasm          Kind = "wasm"
	KindPeerMetaStore Kind = "peer_meta_store"
)

// Wipeable reports whether a corrupt database of this kind may be deleted
// and rebuilt from the network.
func (k Kind) Wipeable() bool {
	return k == KindDht || k == KindCache
}

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// CorruptError reports a database that failed its integrity check and may
// not be wiped.
type CorruptError struct {
	Kind Kind
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("%s database %s is corrupt: %v", e.Kind, e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// Path returns <root>/<kind>/<id>.sqlite3.
func Path(root string, kind Kind, id string) string {
	return filepath.Join(root, string(kind), id+".sqlite3")
}

// DB is one SQLite database. Reads run concurrently; writes are serialised
// by a writer mutex so each write transaction sees the previous one's commit.
type DB struct {
	db     *sql.DB
	kind   Kind
	path   string
	wmu    sync.Mutex
	logger *slog.Logger
}

// Open opens (or creates) the database at path, checks its integrity and
// applies the schema for kind. A corrupt Dht or Cache database is removed
// and recreated; other kinds fail with *CorruptError.
func Open(ctx context.Context, path string, kind Kind, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	d, err := openChecked(ctx, path, kind, logger)
	if err == nil {
		return d, nil
	}
	var corrupt *CorruptError
	if !errors.As(err, &corrupt) || !kind.Wipeable() {
		return nil, err
	}

	logger.Warn("wiping corrupt database", "kind", kind, "path", path, "err", corrupt.Err)
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if rmErr := os.Remove(path + suffix); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return nil, fmt.Errorf("wipe %s: %w", path+suffix, rmErr)
		}
	}
	return openChecked(ctx, path, kind, logger)
}

func openChecked(ctx context.Context, path string, kind Kind, logger *slog.Logger) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	var result string
	if err := sqlDB.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		sqlDB.Close()
		return nil, &CorruptError{Kind: kind, Path: path, Err: err}
	}
	if result != "ok" {
		sqlDB.Close()
		return nil, &CorruptError{Kind: kind, Path: path, Err: errors.New(result)}
	}

	d := &DB{db: sqlDB, kind: kind, path: path, logger: logger}
	if err := d.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate %s: %w", kind, err)
	}
	return d, nil
}

// Kind returns the database role.
func (d *DB) Kind() Kind { return d.kind }

// Path returns the file path.
func (d *DB) Path() string { return d.path }

// Close closes the underlying connection pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// Txn is a transaction with the query helpers of this package.
type Txn struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *Txn) exec(query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(t.ctx, query, args...)
}

func (t *Txn) query(query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(t.ctx, query, args...)
}

func (t *Txn) queryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, query, args...)
}

// Write runs fn in a write transaction. The transaction commits if fn
// returns nil and rolls back otherwise.
func (d *DB) Write(ctx context.Context, fn func(tx *Txn) error) error {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	return d.run(ctx, fn)
}

// Read runs fn in a transaction that is always rolled back.
func (d *DB) Read(ctx context.Context, fn func(tx *Txn) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin read: %w", err)
	}
	defer tx.Rollback()
	return fn(&Txn{ctx: ctx, tx: tx})
}

func (d *DB) run(ctx context.Context, fn func(tx *Txn) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write: %w", err)
	}
	if err := fn(&Txn{ctx: ctx, tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

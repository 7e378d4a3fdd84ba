// Package postgres is the PostgreSQL backend for multi-writer deployments.
// It implements sentio.Backend with the same semantics as the SQLite store:
// one-way validation, an append-only feedback log with a per-modality
// window pointer, and versioned threshold configs.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"

	"github.com/hyperengineering/sentio"
	"github.com/hyperengineering/sentio/internal/postgres/migrations"
)

// DB is a sentio.Backend over PostgreSQL.
type DB struct {
	*queries

	db     *sqlx.DB
	log    *zap.Logger
	mu     sync.RWMutex
	closed bool
}

var _ sentio.Backend = (*DB)(nil)

// Open connects to dsn, runs the embedded migrations and returns the backend.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	version, err := Migrate(db, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	d := &DB{db: db, log: log}
	d.queries = &queries{q: db, ready: d.checkOpen}
	if err := d.SetMetadata(ctx, sentio.MetadataSchemaVersion, strconv.FormatUint(uint64(version), 10)); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("connected to postgres", zap.Uint("schema_version", version))
	return d, nil
}

// Migrate applies the embedded migrations and returns the schema version.
func Migrate(db *sqlx.DB, log *zap.Logger) (uint, error) {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return 0, fmt.Errorf("postgres: load migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(db.DB, &migratepg.Config{})
	if err != nil {
		return 0, fmt.Errorf("postgres: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sentio", driver)
	if err != nil {
		return 0, fmt.Errorf("postgres: create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("postgres: run migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("postgres: read schema version: %w", err)
	}
	if dirty {
		return 0, fmt.Errorf("postgres: schema version %d is dirty", version)
	}
	log.Debug("postgres migrations applied", zap.Uint("version", version))
	return version, nil
}

func (d *DB) checkOpen() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return sentio.ErrStoreClosed
	}
	return nil
}

// Atomic runs fn inside one PostgreSQL transaction.
func (d *DB) Atomic(ctx context.Context, fn func(tx sentio.Backend) error) error {
	if err := d.checkOpen(); err != nil {
		return err
	}

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback() // no-op if committed

	if err := fn(&txBackend{queries: &queries{q: tx}}); err != nil {
		return err
	}
	return storageErr("commit transaction", tx.Commit())
}

// Close closes the connection pool. Further calls return ErrStoreClosed.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.db.Close()
}

// txBackend is the Backend view of an open transaction.
type txBackend struct {
	*queries
}

func (t *txBackend) Atomic(ctx context.Context, fn func(tx sentio.Backend) error) error {
	return fn(t)
}

func (t *txBackend) Close() error { return nil }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *sentio.StorageError
	if errors.As(err, &se) {
		return err
	}
	return &sentio.StorageError{Op: op, Err: err}
}

// Package store is the relational backing for synchronization: it opens the
// tracked database, materializes the internal tables, and exposes a
// transaction type whose DML adapter journals every mutation of a tracked
// table in the same transaction.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Drivers for the two supported backends. The pgx stdlib adapter
	// registers as "pgx"; go-sqlite3 registers as "sqlite3".
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/rs/zerolog/log"

	"github.com/centradb/dbsync/internal/dbsync/registry"
	"github.com/centradb/dbsync/internal/dbsync/syncerr"
)

// Role distinguishes the two ends of the synchronization protocol. On the
// server every journal entry is versioned as it is written; on the client
// entries stay unversioned until a push is accepted.
type Role int

const (
	Client Role = iota
	Server
)

// Store wraps the tracked database together with the schema registry.
type Store struct {
	db      *sql.DB
	dialect Dialect
	reg     *registry.Registry
	role    Role
}

// Open connects to the tracked database. driver is "sqlite3" or "pgx".
func Open(ctx context.Context, driver, dsn string, reg *registry.Registry, role Role) (*Store, error) {
	if reg == nil {
		return nil, syncerr.ErrNotConfigured
	}
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}

	if driver == "sqlite3" {
		// A second connection to an in-memory database would see a
		// different database, and the protocol serializes writers anyway.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(time.Hour)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s store: %w", driver, err)
	}

	log.Info().Str("driver", driver).Msg("tracked store opened")
	return &Store{db: db, dialect: d, reg: reg, role: role}, nil
}

func (s *Store) Close() error                 { return s.db.Close() }
func (s *Store) Registry() *registry.Registry { return s.reg }
func (s *Store) Role() Role                   { return s.role }
func (s *Store) Dialect() Dialect             { return s.dialect }

// Rebind rewrites ?-placeholders for the underlying dialect.
func (s *Store) Rebind(q string) string { return s.dialect.Rebind(q) }

// DB exposes the raw handle for read-only queries outside a transaction.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *Store) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *Store) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// Tx is one store transaction. Tracked DML issued through it is journaled
// unless recording is suppressed (merge and repair run suppressed).
type Tx struct {
	tx        *sql.Tx
	s         *Store
	recording bool
}

// WithTx runs fn in a transaction, committing on nil error and rolling back
// otherwise. The journal rolls back with the mutations it records.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	t := &Tx{tx: tx, s: s, recording: true}
	if err := fn(t); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	return tx.Commit()
}

// Suppressed runs fn with journaling disabled, restoring the previous state
// afterwards. The scope is this transaction only.
func (t *Tx) Suppressed(fn func() error) error {
	prev := t.recording
	t.recording = false
	defer func() { t.recording = prev }()
	return fn()
}

func (t *Tx) Store() *Store          { return t.s }
func (t *Tx) Rebind(q string) string { return t.s.dialect.Rebind(q) }

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// DisableFKs suspends foreign key enforcement for the rest of the transaction.
func (t *Tx) DisableFKs(ctx context.Context) error {
	return t.s.dialect.DisableFKs(ctx, t.tx)
}

// EnableFKs restores foreign key enforcement.
func (t *Tx) EnableFKs(ctx context.Context) error {
	return t.s.dialect.EnableFKs(ctx, t.tx)
}

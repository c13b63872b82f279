package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/centradb/dbsync/internal/dbsync/registry"
)

// Dialect isolates the DBMS-dependent statements: placeholder style, DDL type
// spellings and foreign-key enforcement toggling for swap resolution.
type Dialect interface {
	Name() string
	Rebind(query string) string
	AutoPK() string
	PKType() string
	ColumnType(k registry.Kind) string
	// DisableFKs suspends foreign key enforcement for the remainder of the
	// transaction; EnableFKs restores it. Both run inside the transaction.
	DisableFKs(ctx context.Context, q execer) error
	EnableFKs(ctx context.Context, q execer) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string           { return "sqlite3" }
func (sqliteDialect) Rebind(q string) string { return q }
func (sqliteDialect) AutoPK() string         { return "INTEGER PRIMARY KEY AUTOINCREMENT" }
func (sqliteDialect) PKType() string         { return "INTEGER PRIMARY KEY" }

func (sqliteDialect) ColumnType(k registry.Kind) string {
	switch k {
	case registry.Int, registry.Bool, registry.Time:
		return "INTEGER"
	case registry.Float:
		return "REAL"
	case registry.Bytes:
		return "BLOB"
	default:
		return "TEXT"
	}
}

// PRAGMA foreign_keys is a no-op inside a transaction, so enforcement is
// deferred to commit time instead. Swap resolution deletes and reinserts the
// involved rows within one transaction, which satisfies deferred checks.
func (sqliteDialect) DisableFKs(ctx context.Context, q execer) error {
	_, err := q.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON")
	return err
}

func (sqliteDialect) EnableFKs(ctx context.Context, q execer) error {
	_, err := q.ExecContext(ctx, "PRAGMA defer_foreign_keys = OFF")
	return err
}

type postgresDialect struct{}

func (postgresDialect) Name() string   { return "pgx" }
func (postgresDialect) AutoPK() string { return "BIGSERIAL PRIMARY KEY" }
func (postgresDialect) PKType() string { return "BIGINT PRIMARY KEY" }

func (postgresDialect) Rebind(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (postgresDialect) ColumnType(k registry.Kind) string {
	switch k {
	case registry.Int, registry.Time:
		return "BIGINT"
	case registry.Bool:
		return "SMALLINT"
	case registry.Float:
		return "DOUBLE PRECISION"
	case registry.Bytes:
		return "BYTEA"
	default:
		return "TEXT"
	}
}

func (postgresDialect) DisableFKs(ctx context.Context, q execer) error {
	_, err := q.ExecContext(ctx, "SET LOCAL session_replication_role = replica")
	return err
}

func (postgresDialect) EnableFKs(ctx context.Context, q execer) error {
	_, err := q.ExecContext(ctx, "SET LOCAL session_replication_role = DEFAULT")
	return err
}

func dialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite3":
		return sqliteDialect{}, nil
	case "pgx", "postgres":
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported driver %q (want sqlite3 or pgx)", driver)
	}
}

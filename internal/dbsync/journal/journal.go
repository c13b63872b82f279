// Package journal models the append-only operations log. The journal is the
// sole truth of what changed; it never stores column values. Entries are
// written in the same store transaction as the mutation they record.
package journal

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/centradb/dbsync/internal/dbsync/registry"
)

// Kind is the operation kind as carried on the wire.
type Kind string

const (
	Insert Kind = "i"
	Update Kind = "u"
	Delete Kind = "d"
)

// Valid reports whether k is one of i, u, d.
func (k Kind) Valid() bool {
	return k == Insert || k == Update || k == Delete
}

// Operation is one journal entry. Version is zero for unversioned (local,
// not yet pushed) entries; server-assigned versions start at 1.
type Operation struct {
	Order   int64
	Kind    Kind
	Ref     registry.Ref
	Version int64
}

// Versioned reports whether the operation carries a server-assigned version.
func (o Operation) Versioned() bool { return o.Version > 0 }

func (o Operation) String() string {
	return fmt.Sprintf("[%s %s @%d v%d]", o.Kind, o.Ref, o.Order, o.Version)
}

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB combines query execution with dialect-aware placeholder rebinding. It
// is satisfied by store.Tx and by the store itself.
type DB interface {
	Querier
	Rebind(query string) string
}

// Append records one operation. A zero version stores SQL NULL.
func Append(ctx context.Context, db DB, kind Kind, ref registry.Ref, version int64) error {
	var v any
	if version > 0 {
		v = version
	}
	_, err := db.ExecContext(ctx, db.Rebind(
		`INSERT INTO sync_operations (kind, content_type, row_pk, version_id) VALUES (?, ?, ?, ?)`),
		string(kind), ref.Type, ref.PK, v)
	if err != nil {
		return fmt.Errorf("journal append %s %s: %w", kind, ref, err)
	}
	return nil
}

// Unversioned returns the local, not-yet-pushed partition ordered by append
// order.
func Unversioned(ctx context.Context, db DB) ([]Operation, error) {
	return scan(ctx, db, db.Rebind(
		`SELECT op_order, kind, content_type, row_pk, version_id
		 FROM sync_operations WHERE version_id IS NULL ORDER BY op_order`))
}

// Since returns all versioned operations with version greater than the given
// one, ordered by append order.
func Since(ctx context.Context, db DB, version int64) ([]Operation, error) {
	return scan(ctx, db, db.Rebind(
		`SELECT op_order, kind, content_type, row_pk, version_id
		 FROM sync_operations WHERE version_id > ? ORDER BY op_order`), version)
}

// DeleteOrders removes the entries with the given append orders.
func DeleteOrders(ctx context.Context, db DB, orders []int64) error {
	for _, o := range orders {
		if _, err := db.ExecContext(ctx, db.Rebind(
			`DELETE FROM sync_operations WHERE op_order = ?`), o); err != nil {
			return fmt.Errorf("journal delete order %d: %w", o, err)
		}
	}
	return nil
}

// DeleteUnversioned clears the local partition, used after a successful push.
func DeleteUnversioned(ctx context.Context, db DB) error {
	_, err := db.ExecContext(ctx, db.Rebind(
		`DELETE FROM sync_operations WHERE version_id IS NULL`))
	return err
}

// DeleteRef removes the unversioned entries for one ref, used when a local
// delete is neutralized during conflict resolution.
func DeleteRef(ctx context.Context, db DB, ref registry.Ref) error {
	_, err := db.ExecContext(ctx, db.Rebind(
		`DELETE FROM sync_operations WHERE version_id IS NULL AND content_type = ? AND row_pk = ?`),
		ref.Type, ref.PK)
	return err
}

// LastFor returns the newest entry for a ref, or false if none exists.
func LastFor(ctx context.Context, db DB, ref registry.Ref) (Operation, bool, error) {
	ops, err := scan(ctx, db, db.Rebind(
		`SELECT op_order, kind, content_type, row_pk, version_id
		 FROM sync_operations WHERE content_type = ? AND row_pk = ?
		 ORDER BY op_order DESC LIMIT 1`), ref.Type, ref.PK)
	if err != nil || len(ops) == 0 {
		return Operation{}, false, err
	}
	return ops[0], true, nil
}

// Trim deletes versioned operations with version at or below the given one.
// Freed space is the only effect; pulls from nodes older than the horizon
// will need a repair afterwards.
func Trim(ctx context.Context, db DB, version int64) error {
	_, err := db.ExecContext(ctx, db.Rebind(
		`DELETE FROM sync_operations WHERE version_id IS NOT NULL AND version_id <= ?`), version)
	return err
}

// Clear removes every journal entry. Used by repair.
func Clear(ctx context.Context, db DB) error {
	_, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM sync_operations`))
	return err
}

func scan(ctx context.Context, q Querier, query string, args ...any) ([]Operation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	defer rows.Close()
	var ops []Operation
	for rows.Next() {
		var (
			op      Operation
			kind    string
			version sql.NullInt64
		)
		if err := rows.Scan(&op.Order, &kind, &op.Ref.Type, &op.Ref.PK, &version); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		op.Kind = Kind(kind)
		if version.Valid {
			op.Version = version.Int64
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

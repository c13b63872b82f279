package store

import (
	"context"
	"fmt"

	"github.com/centradb/dbsync/internal/dbsync/journal"
	"github.com/centradb/dbsync/internal/dbsync/registry"
)

// The tracked DML adapter. Applications mutate tracked tables through these
// three calls; each one appends the matching journal entry inside the same
// transaction. On the server role every entry is versioned immediately, so
// direct server-side writes stay pullable by nodes.

func (t *Tx) record(ctx context.Context, kind journal.Kind, ref registry.Ref) error {
	if !t.recording {
		return nil
	}
	version := int64(0)
	if t.s.role == Server {
		v, err := t.CreateVersion(ctx, 0)
		if err != nil {
			return err
		}
		version = v
	}
	return journal.Append(ctx, t, kind, ref, version)
}

// Insert writes a new tracked row and journals it.
func (t *Tx) Insert(ctx context.Context, typeID string, row registry.Row) error {
	ct, err := t.contentType(typeID)
	if err != nil {
		return err
	}
	pk, err := ct.PK(row)
	if err != nil {
		return err
	}
	if err := t.writeRow(ctx, ct, row); err != nil {
		return fmt.Errorf("insert %s/%d: %w", typeID, pk, err)
	}
	return t.record(ctx, journal.Insert, registry.Ref{Type: typeID, PK: pk})
}

// Update rewrites a tracked row and journals it.
func (t *Tx) Update(ctx context.Context, typeID string, row registry.Row) error {
	ct, err := t.contentType(typeID)
	if err != nil {
		return err
	}
	pk, err := ct.PK(row)
	if err != nil {
		return err
	}
	if err := t.writeRow(ctx, ct, row); err != nil {
		return fmt.Errorf("update %s/%d: %w", typeID, pk, err)
	}
	return t.record(ctx, journal.Update, registry.Ref{Type: typeID, PK: pk})
}

// Delete removes a tracked row and journals it.
func (t *Tx) Delete(ctx context.Context, typeID string, pk int64) error {
	ct, err := t.contentType(typeID)
	if err != nil {
		return err
	}
	q := t.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, ct.ID, ct.PKColumn))
	if _, err := t.tx.ExecContext(ctx, q, pk); err != nil {
		return fmt.Errorf("delete %s/%d: %w", typeID, pk, err)
	}
	return t.record(ctx, journal.Delete, registry.Ref{Type: typeID, PK: pk})
}

// Upsert writes a row without journaling. The merge and the push handler use
// it to replay remote operations.
func (t *Tx) Upsert(ctx context.Context, typeID string, row registry.Row) error {
	ct, err := t.contentType(typeID)
	if err != nil {
		return err
	}
	if err := t.writeRow(ctx, ct, row); err != nil {
		pk, _ := ct.PK(row)
		return fmt.Errorf("upsert %s/%d: %w", typeID, pk, err)
	}
	return nil
}

// RemoveRow deletes a row without journaling. Deleting a missing row is not
// an error: deletes are idempotent across nodes.
func (t *Tx) RemoveRow(ctx context.Context, typeID string, pk int64) error {
	ct, err := t.contentType(typeID)
	if err != nil {
		return err
	}
	q := t.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, ct.ID, ct.PKColumn))
	_, err = t.tx.ExecContext(ctx, q, pk)
	return err
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/centradb/dbsync/internal/dbsync/registry"
)

// argFor converts an in-memory row value into a driver argument. Times are
// stored as unix milliseconds and booleans as 0/1 so both dialects scan the
// same shapes back.
func argFor(col registry.Column, v any) any {
	if v == nil {
		return nil
	}
	switch col.Kind {
	case registry.Time:
		if t, ok := v.(time.Time); ok {
			return t.UnixMilli()
		}
	case registry.Bool:
		if b, ok := v.(bool); ok {
			if b {
				return int64(1)
			}
			return int64(0)
		}
	}
	return v
}

func scanRow(ct *registry.ContentType, rows *sql.Rows) (registry.Row, error) {
	holders := make([]any, len(ct.Columns))
	for i, col := range ct.Columns {
		switch col.Kind {
		case registry.Float:
			holders[i] = new(sql.NullFloat64)
		case registry.Text:
			holders[i] = new(sql.NullString)
		case registry.Bytes:
			holders[i] = new([]byte)
		default: // Int, Bool, Time
			holders[i] = new(sql.NullInt64)
		}
	}
	if err := rows.Scan(holders...); err != nil {
		return nil, err
	}
	row := make(registry.Row, len(ct.Columns))
	for i, col := range ct.Columns {
		switch h := holders[i].(type) {
		case *sql.NullFloat64:
			if h.Valid {
				row[col.Name] = h.Float64
			} else {
				row[col.Name] = nil
			}
		case *sql.NullString:
			if h.Valid {
				row[col.Name] = h.String
			} else {
				row[col.Name] = nil
			}
		case *[]byte:
			if *h != nil {
				row[col.Name] = *h
			} else {
				row[col.Name] = nil
			}
		case *sql.NullInt64:
			if !h.Valid {
				row[col.Name] = nil
				break
			}
			switch col.Kind {
			case registry.Bool:
				row[col.Name] = h.Int64 != 0
			case registry.Time:
				row[col.Name] = time.UnixMilli(h.Int64).UTC()
			default:
				row[col.Name] = h.Int64
			}
		}
	}
	return row, nil
}

func colNames(ct *registry.ContentType) string {
	names := make([]string, len(ct.Columns))
	for i, c := range ct.Columns {
		names[i] = c.Name
	}
	return strings.Join(names, ", ")
}

func (t *Tx) contentType(typeID string) (*registry.ContentType, error) {
	ct, ok := t.s.reg.Lookup(typeID)
	if !ok {
		return nil, fmt.Errorf("content type %s is not tracked", typeID)
	}
	return ct, nil
}

// Fetch reads the full snapshot of one tracked row.
func (t *Tx) Fetch(ctx context.Context, typeID string, pk int64) (registry.Row, bool, error) {
	ct, err := t.contentType(typeID)
	if err != nil {
		return nil, false, err
	}
	q := t.Rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ?`, colNames(ct), ct.ID, ct.PKColumn))
	rows, err := t.tx.QueryContext(ctx, q, pk)
	if err != nil {
		return nil, false, fmt.Errorf("fetch %s/%d: %w", typeID, pk, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	row, err := scanRow(ct, rows)
	if err != nil {
		return nil, false, fmt.Errorf("fetch %s/%d: %w", typeID, pk, err)
	}
	return row, true, nil
}

// FindBy returns the first row matching all the given column equalities.
func (t *Tx) FindBy(ctx context.Context, typeID string, match map[string]any) (registry.Row, bool, error) {
	ct, err := t.contentType(typeID)
	if err != nil {
		return nil, false, err
	}
	cols := make([]string, 0, len(match))
	for c := range match {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	var (
		conds []string
		args  []any
	)
	for _, c := range cols {
		col, ok := ct.Column(c)
		if !ok {
			return nil, false, fmt.Errorf("content type %s has no column %s", typeID, c)
		}
		v := match[c]
		if v == nil {
			conds = append(conds, fmt.Sprintf("%s IS NULL", c))
			continue
		}
		conds = append(conds, fmt.Sprintf("%s = ?", c))
		args = append(args, argFor(col, v))
	}
	q := t.Rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE %s`,
		colNames(ct), ct.ID, strings.Join(conds, " AND ")))
	rows, err := t.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, false, fmt.Errorf("find %s: %w", typeID, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	row, err := scanRow(ct, rows)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

// AllRows returns every row of a tracked table ordered by primary key.
func (t *Tx) AllRows(ctx context.Context, typeID string) ([]registry.Row, error) {
	ct, err := t.contentType(typeID)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s ORDER BY %s`, colNames(ct), ct.ID, ct.PKColumn)
	rows, err := t.tx.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("all rows of %s: %w", typeID, err)
	}
	defer rows.Close()
	var out []registry.Row
	for rows.Next() {
		row, err := scanRow(ct, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// MaxPK returns the current maximum primary key of a tracked table, zero when
// the table is empty. Used to reallocate colliding inserts.
func (t *Tx) MaxPK(ctx context.Context, typeID string) (int64, error) {
	ct, err := t.contentType(typeID)
	if err != nil {
		return 0, err
	}
	var max sql.NullInt64
	q := fmt.Sprintf(`SELECT MAX(%s) FROM %s`, ct.PKColumn, ct.ID)
	if err := t.tx.QueryRowContext(ctx, q).Scan(&max); err != nil {
		return 0, fmt.Errorf("max pk of %s: %w", typeID, err)
	}
	return max.Int64, nil
}

// ClearTable deletes every row of a tracked table without journaling. Used by
// repair.
func (t *Tx) ClearTable(ctx context.Context, typeID string) error {
	ct, err := t.contentType(typeID)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, ct.ID))
	return err
}

func (t *Tx) upsertSQL(ct *registry.ContentType) (string, []registry.Column) {
	var (
		names        []string
		placeholders []string
		updates      []string
		cols         []registry.Column
	)
	for _, c := range ct.Columns {
		names = append(names, c.Name)
		placeholders = append(placeholders, "?")
		cols = append(cols, c)
		if c.Name != ct.PKColumn {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", c.Name, c.Name))
		}
	}
	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s`,
		ct.ID, strings.Join(names, ", "), strings.Join(placeholders, ", "),
		ct.PKColumn, strings.Join(updates, ", "))
	return t.Rebind(q), cols
}

func (t *Tx) writeRow(ctx context.Context, ct *registry.ContentType, row registry.Row) error {
	q, cols := t.upsertSQL(ct)
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = argFor(c, row[c.Name])
	}
	_, err := t.tx.ExecContext(ctx, q, args...)
	return err
}

package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// CreateAll materializes the synchronization tables and every tracked table
// described in the registry. It is idempotent; registration must be complete
// before the first call.
func (s *Store) CreateAll(ctx context.Context) error {
	d := s.dialect

	internal := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sync_operations (
			op_order %s,
			kind TEXT NOT NULL,
			content_type TEXT NOT NULL,
			row_pk BIGINT NOT NULL,
			version_id BIGINT
		)`, d.AutoPK()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sync_versions (
			version_id %s,
			created_ts BIGINT NOT NULL,
			node_id BIGINT
		)`, d.AutoPK()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sync_nodes (
			node_id %s,
			registered_ts BIGINT NOT NULL,
			secret TEXT NOT NULL
		)`, d.AutoPK()),
		`CREATE TABLE IF NOT EXISTS sync_node (
			id BIGINT PRIMARY KEY,
			node_id BIGINT NOT NULL,
			secret TEXT NOT NULL,
			last_known_version BIGINT NOT NULL
		)`,
	}
	for _, ddl := range internal {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create sync tables: %w", err)
		}
	}

	for _, ct := range s.reg.Types() {
		var cols []string
		for _, c := range ct.Columns {
			if c.Name == ct.PKColumn {
				cols = append(cols, fmt.Sprintf("%s %s", c.Name, d.PKType()))
				continue
			}
			cols = append(cols, fmt.Sprintf("%s %s", c.Name, d.ColumnType(c.Kind)))
		}
		for _, u := range ct.Uniques {
			cols = append(cols, fmt.Sprintf("UNIQUE (%s)", strings.Join(u.Columns, ", ")))
		}
		for _, fk := range ct.ForeignKeys {
			target, ok := s.reg.Lookup(fk.RefType)
			if !ok {
				return fmt.Errorf("content type %s references untracked type %s", ct.ID, fk.RefType)
			}
			cols = append(cols, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)",
				fk.Column, target.ID, target.PKColumn))
		}
		ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", ct.ID, strings.Join(cols, ",\n\t"))
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create tracked table %s: %w", ct.ID, err)
		}
	}

	log.Debug().Int("tracked_types", len(s.reg.Types())).Msg("schema materialized")
	return nil
}

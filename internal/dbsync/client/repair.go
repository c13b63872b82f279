package client

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/centradb/dbsync/internal/dbsync/journal"
	"github.com/centradb/dbsync/internal/dbsync/message"
	"github.com/centradb/dbsync/internal/dbsync/store"
)

// Repair replaces all tracked local data with a server snapshot, clears the
// journal, and fast-forwards the version ledger. Credentials survive; any
// unpushed local changes do not. Use it when a node has drifted past what
// the merge can reconcile.
func (c *Client) Repair(ctx context.Context) error {
	node, err := c.localNode(ctx)
	if err != nil {
		return err
	}

	var snap message.RepairMessage
	if err := c.getJSON(ctx, "/repair", &snap); err != nil {
		return err
	}

	reg := c.Store.Registry()
	err = c.Store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.Suppressed(func() error {
			if err := tx.DisableFKs(ctx); err != nil {
				return err
			}
			types := reg.Types()
			// Children first so the wipe never trips a cascade.
			for i := len(types) - 1; i >= 0; i-- {
				if err := tx.ClearTable(ctx, types[i].ID); err != nil {
					return err
				}
			}
			for _, ct := range types {
				rows, ok := snap.Tables[ct.ID]
				if !ok {
					continue
				}
				pks := make([]string, 0, len(rows))
				for pk := range rows {
					pks = append(pks, pk)
				}
				sort.Strings(pks)
				for _, pk := range pks {
					row, err := ct.DecodeRow(rows[pk])
					if err != nil {
						return fmt.Errorf("repair %s/%s: %w", ct.ID, pk, err)
					}
					if err := tx.Upsert(ctx, ct.ID, row); err != nil {
						return fmt.Errorf("repair %s/%s: %w", ct.ID, pk, err)
					}
				}
			}
			if err := tx.EnableFKs(ctx); err != nil {
				return err
			}
			if err := journal.Clear(ctx, tx); err != nil {
				return err
			}
			if err := tx.SetLatestVersion(ctx, snap.LatestVersion); err != nil {
				return err
			}
			node.LastKnownVersion = snap.LatestVersion
			return tx.SaveLocalNode(ctx, node)
		})
	})
	if err != nil {
		return err
	}
	log.Info().Int64("version", snap.LatestVersion).Msg("repaired from server snapshot")
	return nil
}

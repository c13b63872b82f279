// Package merge is the client-side consumption of a pull message: compress,
// detect identity conflicts, apply remote operations under the resolution
// policy, resolve unique-constraint swaps, and advance the local version.
// The caller wraps the whole run in one store transaction; any error rolls
// back every partial effect.
package merge

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/centradb/dbsync/internal/dbsync/compress"
	"github.com/centradb/dbsync/internal/dbsync/journal"
	"github.com/centradb/dbsync/internal/dbsync/message"
	"github.com/centradb/dbsync/internal/dbsync/registry"
	"github.com/centradb/dbsync/internal/dbsync/store"
	"github.com/centradb/dbsync/internal/dbsync/syncerr"
)

// Stats summarizes what a merge did.
type Stats struct {
	Applied   int
	Skipped   int
	Rewritten int
	Swapped   int
	Warnings  []syncerr.SequenceWarning
}

// Run merges a pull message into the local database. It must be called
// inside a store transaction on a client store; journaling of replayed
// remote operations is suppressed. A nil strategy uses the default policy.
func Run(ctx context.Context, tx *store.Tx, msg *message.PullMessage, strat Strategy) (Stats, error) {
	if strat == nil {
		strat = DefaultStrategy{}
	}
	var stats Stats

	local, warnings, err := compress.JournalInPlace(ctx, tx)
	if err != nil {
		return stats, err
	}
	stats.Warnings = warnings
	for _, w := range warnings {
		log.Warn().Msg(w.String())
	}

	remote, err := message.Ops(msg.Operations)
	if err != nil {
		return stats, err
	}
	// The server compresses before sending; compressing again costs little
	// and protects against hand-built messages.
	remote = compress.Remote(remote)

	confl, err := detect(ctx, tx, remote, local, msg)
	if err != nil {
		return stats, err
	}

	components, err := scanUnique(ctx, tx, remote, msg)
	if err != nil {
		return stats, err
	}

	err = tx.Suppressed(func() error {
		swapped, err := resolveSwaps(ctx, tx, msg, components)
		if err != nil {
			return err
		}
		stats.Swapped = len(swapped)

		for _, op := range remote {
			if err := applyOne(ctx, tx, msg, op, confl, swapped, strat, &stats); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	if err := tx.SetLastKnownVersion(ctx, msg.LatestVersion); err != nil {
		return stats, err
	}
	log.Info().Int64("version", msg.LatestVersion).
		Int("applied", stats.Applied).Int("skipped", stats.Skipped).
		Int("rewritten", stats.Rewritten).Int("swapped", stats.Swapped).
		Msg("merge complete")
	return stats, nil
}

func applyOne(ctx context.Context, tx *store.Tx, msg *message.PullMessage, op journal.Operation,
	confl *conflicts, swapped map[registry.Ref]bool, strat Strategy, stats *Stats) error {

	reg := tx.Store().Registry()

	switch op.Kind {
	case journal.Delete:
		if _, ok := confl.localDelete(op.Order); ok {
			// Both sides deleted: the row is already gone here and on the
			// server, so the local journal entry has nothing left to push.
			if err := journal.DeleteRef(ctx, tx, op.Ref); err != nil {
				return err
			}
			stats.Skipped++
			return nil
		}
		if _, ok := confl.localUpdate(op.Order); ok {
			// Local update vs remote delete: revert the delete. The local
			// row survives and the unversioned update will reinstate it on
			// the server at the next push.
			stats.Skipped++
			return nil
		}
		if deps := confl.dependency[op.Order]; len(deps) > 0 {
			// The delete would orphan local writes. Nullify it: keep the
			// row and journal an insert so the next push restores it on
			// the server.
			if _, exists, err := journal.LastFor(ctx, tx, op.Ref); err != nil {
				return err
			} else if !exists {
				if err := journal.Append(ctx, tx, journal.Insert, op.Ref, 0); err != nil {
					return err
				}
			}
			stats.Skipped++
			return nil
		}
		if err := tx.RemoveRow(ctx, op.Ref.Type, op.Ref.PK); err != nil {
			return fmt.Errorf("apply remote delete %s: %w", op.Ref, err)
		}
		stats.Applied++
		return nil

	case journal.Insert, journal.Update:
		if swapped[op.Ref] {
			// Final state already written during swap resolution.
			stats.Applied++
			return nil
		}

		if localIns, ok := confl.collision[op.Order]; ok && op.Kind == journal.Insert {
			return applyCollision(ctx, tx, msg, op, localIns, strat, stats)
		}

		// A remote write referencing rows we deleted locally: the deletes
		// are reverted from the message payloads before the write lands.
		for _, l := range confl.reversed[op.Order] {
			if err := revertLocalDelete(ctx, tx, msg, l.Ref); err != nil {
				return err
			}
		}

		if l, ok := confl.localUpdate(op.Order); ok {
			localRow, _, err := tx.Fetch(ctx, l.Ref.Type, l.Ref.PK)
			if err != nil {
				return err
			}
			remoteRow, found, err := msg.Payloads.Get(reg, op.Ref)
			if err != nil {
				return err
			}
			if !found {
				return &syncerr.MergeFetchError{Type: op.Ref.Type, PK: op.Ref.PK, From: "msg"}
			}
			if strat.ResolveUpdate(op.Ref, localRow, remoteRow) == KeepLocal {
				// The remote update is discarded; the server converges at
				// the next push.
				stats.Skipped++
				return nil
			}
			if err := tx.Upsert(ctx, op.Ref.Type, remoteRow); err != nil {
				return err
			}
			if err := journal.DeleteRef(ctx, tx, op.Ref); err != nil {
				return err
			}
			stats.Applied++
			return nil
		}

		if l, ok := confl.localDelete(op.Order); ok {
			// Remote write vs local delete of the same row: revert the
			// delete and let the write land.
			if err := revertLocalDelete(ctx, tx, msg, l.Ref); err != nil {
				return err
			}
		}

		row, found, err := msg.Payloads.Get(reg, op.Ref)
		if err != nil {
			return err
		}
		if !found {
			return &syncerr.MergeFetchError{Type: op.Ref.Type, PK: op.Ref.PK, From: "msg"}
		}
		if err := tx.Upsert(ctx, op.Ref.Type, row); err != nil {
			return fmt.Errorf("apply remote %s %s: %w", op.Kind, op.Ref, err)
		}
		stats.Applied++
		return nil
	}
	return fmt.Errorf("unknown operation kind %q", op.Kind)
}

// applyCollision resolves an insert-insert identity clash. The local row is
// untouched; the incoming row is rewritten to a fresh primary key, the
// successor of the table's maximum.
func applyCollision(ctx context.Context, tx *store.Tx, msg *message.PullMessage, op journal.Operation,
	local journal.Operation, strat Strategy, stats *Stats) error {

	reg := tx.Store().Registry()
	if strat.ResolveInsert(op.Ref) == DiscardRemote {
		stats.Skipped++
		return nil
	}
	ct, ok := reg.Lookup(op.Ref.Type)
	if !ok {
		return fmt.Errorf("collision on untracked type %s", op.Ref.Type)
	}
	row, found, err := msg.Payloads.Get(reg, op.Ref)
	if err != nil {
		return err
	}
	if !found {
		return &syncerr.MergeFetchError{Type: op.Ref.Type, PK: op.Ref.PK, From: "msg"}
	}
	maxPK, err := tx.MaxPK(ctx, op.Ref.Type)
	if err != nil {
		return err
	}
	newPK := maxPK + 1
	row[ct.PKColumn] = newPK
	if err := tx.Upsert(ctx, op.Ref.Type, row); err != nil {
		return fmt.Errorf("reallocated insert %s -> %d: %w", op.Ref, newPK, err)
	}
	log.Debug().Str("type", op.Ref.Type).Int64("old_pk", op.Ref.PK).Int64("new_pk", newPK).
		Msg("insert collision reallocated")
	stats.Rewritten++
	return nil
}

// revertLocalDelete reinserts a locally deleted row from the pull message
// and removes the local delete from the journal.
func revertLocalDelete(ctx context.Context, tx *store.Tx, msg *message.PullMessage, ref registry.Ref) error {
	reg := tx.Store().Registry()
	row, found, err := msg.Payloads.Get(reg, ref)
	if err != nil {
		return err
	}
	if !found {
		return &syncerr.MergeFetchError{Type: ref.Type, PK: ref.PK, From: "msg"}
	}
	if err := tx.Upsert(ctx, ref.Type, row); err != nil {
		return fmt.Errorf("revert delete of %s: %w", ref, err)
	}
	return journal.DeleteRef(ctx, tx, ref)
}

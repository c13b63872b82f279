package server

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/centradb/dbsync/internal/dbsync/compress"
	"github.com/centradb/dbsync/internal/dbsync/journal"
	"github.com/centradb/dbsync/internal/dbsync/message"
	"github.com/centradb/dbsync/internal/dbsync/store"
)

// buildPull assembles the pull message for a client at the given version:
// the compressed operation stream past it, row snapshots for every surviving
// insert/update, and the foreign-key parents of those rows so the client can
// resolve delete conflicts without another round trip.
func buildPull(ctx context.Context, tx *store.Tx, since int64) (*message.PullMessage, error) {
	reg := tx.Store().Registry()

	latest, err := store.LatestVersion(ctx, tx)
	if err != nil {
		return nil, err
	}
	ops, err := journal.Since(ctx, tx, since)
	if err != nil {
		return nil, err
	}
	ops = compress.Remote(ops)

	msg := &message.PullMessage{
		LatestVersion: latest,
		Payloads:      message.Payloads{},
	}
	for _, op := range ops {
		ct, ok := reg.Lookup(op.Ref.Type)
		if !ok {
			log.Error().Str("type", op.Ref.Type).Msg("journal references untracked type")
			continue
		}
		if op.Kind == journal.Delete {
			msg.Operations = append(msg.Operations, message.FromOp(op))
			continue
		}
		row, found, err := tx.Fetch(ctx, op.Ref.Type, op.Ref.PK)
		if err != nil {
			return nil, err
		}
		if !found {
			// The row vanished without a journal entry; ship nothing
			// rather than an operation the client can't replay.
			log.Warn().Str("type", op.Ref.Type).Int64("pk", op.Ref.PK).
				Msg("skipping operation without backing row")
			continue
		}
		msg.Operations = append(msg.Operations, message.FromOp(op))
		if err := msg.Payloads.Put(ct, row); err != nil {
			return nil, err
		}
		for _, parent := range ct.ParentRefs(row) {
			if msg.Payloads.Has(parent) {
				continue
			}
			pct, ok := reg.Lookup(parent.Type)
			if !ok {
				continue
			}
			prow, found, err := tx.Fetch(ctx, parent.Type, parent.PK)
			if err != nil {
				return nil, err
			}
			if !found {
				continue
			}
			if err := msg.Payloads.Put(pct, prow); err != nil {
				return nil, err
			}
			msg.IncludedParents = append(msg.IncludedParents,
				message.WireRef{Type: parent.Type, PK: parent.PK})
		}
	}
	return msg, nil
}

// TrimJournal frees space by dropping operations every registered node has
// already pulled. A node that has never pushed blocks the trim, since its
// horizon is unknown.
func TrimJournal(ctx context.Context, s *store.Store) (int64, error) {
	var horizon int64
	err := s.WithTx(ctx, func(tx *store.Tx) error {
		min, ok, err := store.MinLastKnownVersion(ctx, tx, tx.Rebind)
		if err != nil || !ok {
			return err
		}
		horizon = min
		return journal.Trim(ctx, tx, min)
	})
	return horizon, err
}

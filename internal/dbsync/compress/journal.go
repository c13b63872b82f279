package compress

import (
	"context"

	"github.com/centradb/dbsync/internal/dbsync/journal"
	"github.com/centradb/dbsync/internal/dbsync/syncerr"
)

// JournalInPlace compresses the unversioned partition of the journal itself,
// deleting the entries the local rules prune. It runs before building a push
// message and before a merge. The returned residue is ordered by append
// order.
func JournalInPlace(ctx context.Context, db journal.DB) ([]journal.Operation, []syncerr.SequenceWarning, error) {
	ops, err := journal.Unversioned(ctx, db)
	if err != nil {
		return nil, nil, err
	}
	residue, warnings := Local(ops)
	keep := make(map[int64]bool, len(residue))
	for _, op := range residue {
		keep[op.Order] = true
	}
	var prune []int64
	for _, op := range ops {
		if !keep[op.Order] {
			prune = append(prune, op.Order)
		}
	}
	if err := journal.DeleteOrders(ctx, db, prune); err != nil {
		return nil, nil, err
	}
	return residue, warnings, nil
}

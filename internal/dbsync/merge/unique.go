package merge

import (
	"context"
	"reflect"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/centradb/dbsync/internal/dbsync/journal"
	"github.com/centradb/dbsync/internal/dbsync/message"
	"github.com/centradb/dbsync/internal/dbsync/registry"
	"github.com/centradb/dbsync/internal/dbsync/store"
	"github.com/centradb/dbsync/internal/dbsync/syncerr"
)

// Because state transitions are not journaled, value swaps across rows
// sharing a unique constraint (x.col 1->2 and y.col 2->1) violate the
// constraint when replayed from compressed operations. The scan below finds
// swap steps; union-find stitches them into components that are resolved by
// deleting every involved row and reinserting final states, with foreign key
// enforcement suspended.

// unionFind over refs; components may span multi-step swap cycles.
type unionFind struct {
	parent map[registry.Ref]registry.Ref
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[registry.Ref]registry.Ref)}
}

func (u *unionFind) find(r registry.Ref) registry.Ref {
	p, ok := u.parent[r]
	if !ok {
		u.parent[r] = r
		return r
	}
	if p == r {
		return r
	}
	root := u.find(p)
	u.parent[r] = root
	return root
}

func (u *unionFind) union(a, b registry.Ref) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[ra] = rb
	}
}

func (u *unionFind) components() [][]registry.Ref {
	byRoot := make(map[registry.Ref][]registry.Ref)
	for r := range u.parent {
		root := u.find(r)
		byRoot[root] = append(byRoot[root], r)
	}
	out := make([][]registry.Ref, 0, len(byRoot))
	for _, refs := range byRoot {
		sort.Slice(refs, func(i, j int) bool {
			if refs[i].Type != refs[j].Type {
				return refs[i].Type < refs[j].Type
			}
			return refs[i].PK < refs[j].PK
		})
		out = append(out, refs)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i][0], out[j][0]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.PK < b.PK
	})
	return out
}

func constraintValues(row registry.Row, cols []string) []any {
	vals := make([]any, len(cols))
	for i, c := range cols {
		vals[i] = row[c]
	}
	return vals
}

func allNil(vals []any) bool {
	for _, v := range vals {
		if v != nil {
			return false
		}
	}
	return true
}

// scanUnique walks every remote insert/update against the local database.
// Constraints are checked in declared order; the merge fails fast on the
// first unsolvable batch. The returned components are the swap sets to
// resolve before applying operations.
func scanUnique(ctx context.Context, tx *store.Tx, remote []journal.Operation, msg *message.PullMessage) ([][]registry.Ref, error) {
	reg := tx.Store().Registry()
	uf := newUnionFind()
	var errs []syncerr.UniqueConflictEntry

	for _, r := range remote {
		if !isWrite(r.Kind) {
			continue
		}
		ct, ok := reg.Lookup(r.Ref.Type)
		if !ok {
			continue
		}
		remoteRow, found, err := msg.Payloads.Get(reg, r.Ref)
		if err != nil {
			return nil, err
		}
		if !found {
			continue // surfaces as MergeFetchError during application
		}
		for _, uc := range ct.Uniques {
			remoteVals := constraintValues(remoteRow, uc.Columns)
			if allNil(remoteVals) {
				continue
			}
			match := make(map[string]any, len(uc.Columns))
			for i, col := range uc.Columns {
				match[col] = remoteVals[i]
			}
			localRow, found, err := tx.FindBy(ctx, ct.ID, match)
			if err != nil {
				return nil, err
			}
			if !found {
				continue
			}
			localPK, err := ct.PK(localRow)
			if err != nil {
				return nil, err
			}
			if localPK == r.Ref.PK {
				continue
			}
			localRef := registry.Ref{Type: ct.ID, PK: localPK}
			counterpart, present, err := msg.Payloads.Get(reg, localRef)
			if err != nil {
				return nil, err
			}
			if !present {
				// The blocking row was not touched remotely: nothing in
				// this message can move it out of the way.
				errs = append(errs, syncerr.UniqueConflictEntry{
					Type: ct.ID, PK: localPK, Columns: uc.Columns,
				})
				continue
			}
			if reflect.DeepEqual(constraintValues(counterpart, uc.Columns),
				constraintValues(localRow, uc.Columns)) {
				// The counterpart keeps its value; the server would be
				// holding two identical unique values, which it can't.
				log.Warn().Str("type", ct.ID).Int64("pk", localPK).
					Msg("unique counterpart retains conflicting value")
				continue
			}
			uf.union(r.Ref, localRef)
		}
	}
	if len(errs) > 0 {
		return nil, &syncerr.UniqueConflictError{Entries: errs}
	}
	return uf.components(), nil
}

// resolveSwaps applies one swap component: foreign key enforcement is
// suspended, every involved row is deleted, then reinserted with its final
// state from the pull message.
func resolveSwaps(ctx context.Context, tx *store.Tx, msg *message.PullMessage, components [][]registry.Ref) (map[registry.Ref]bool, error) {
	reg := tx.Store().Registry()
	handled := make(map[registry.Ref]bool)
	for _, comp := range components {
		if err := tx.DisableFKs(ctx); err != nil {
			return nil, err
		}
		for _, ref := range comp {
			if err := tx.RemoveRow(ctx, ref.Type, ref.PK); err != nil {
				return nil, err
			}
		}
		for _, ref := range comp {
			row, found, err := msg.Payloads.Get(reg, ref)
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, &syncerr.MergeFetchError{Type: ref.Type, PK: ref.PK, From: "msg"}
			}
			if err := tx.Upsert(ctx, ref.Type, row); err != nil {
				return nil, err
			}
			handled[ref] = true
		}
		if err := tx.EnableFKs(ctx); err != nil {
			return nil, err
		}
		log.Debug().Int("rows", len(comp)).Msg("resolved unique constraint swap")
	}
	return handled, nil
}

package merge

import (
	"context"

	"github.com/centradb/dbsync/internal/dbsync/journal"
	"github.com/centradb/dbsync/internal/dbsync/message"
	"github.com/centradb/dbsync/internal/dbsync/registry"
	"github.com/centradb/dbsync/internal/dbsync/store"
	"github.com/centradb/dbsync/internal/dbsync/syncerr"
)

// conflicts is the result of identity conflict detection over compressed
// operation sets, indexed by the remote operation's journal order for the
// application phase.
type conflicts struct {
	direct     map[int64][]journal.Operation // remote u/d vs local u/d, same ref
	dependency map[int64][]journal.Operation // remote d vs local i/u of a row referencing it
	reversed   map[int64][]journal.Operation // remote i/u referencing a locally deleted row
	collision  map[int64]journal.Operation   // remote i vs local i, same pk
}

func isWrite(k journal.Kind) bool { return k == journal.Insert || k == journal.Update }

// detect computes the four conflict sets. Rows required by non-delete
// operations must be fetchable; a miss is journal/store drift and fatal.
func detect(ctx context.Context, tx *store.Tx, remote, local []journal.Operation, msg *message.PullMessage) (*conflicts, error) {
	reg := tx.Store().Registry()
	c := &conflicts{
		direct:     make(map[int64][]journal.Operation),
		dependency: make(map[int64][]journal.Operation),
		reversed:   make(map[int64][]journal.Operation),
		collision:  make(map[int64]journal.Operation),
	}

	localByRef := make(map[registry.Ref][]journal.Operation)
	for _, l := range local {
		localByRef[l.Ref] = append(localByRef[l.Ref], l)
	}

	for _, r := range remote {
		// direct: both sides touched the same surviving row
		if r.Kind == journal.Update || r.Kind == journal.Delete {
			for _, l := range localByRef[r.Ref] {
				if l.Kind == journal.Update || l.Kind == journal.Delete {
					c.direct[r.Order] = append(c.direct[r.Order], l)
				}
			}
		}

		// dependency: the remote delete would orphan local writes
		if r.Kind == journal.Delete {
			for _, l := range local {
				if !isWrite(l.Kind) {
					continue
				}
				ct, ok := reg.Lookup(l.Ref.Type)
				if !ok {
					continue
				}
				if !pointsAt(ct, r.Ref) {
					continue
				}
				row, found, err := tx.Fetch(ctx, l.Ref.Type, l.Ref.PK)
				if err != nil {
					return nil, err
				}
				if !found {
					return nil, &syncerr.MergeFetchError{Type: l.Ref.Type, PK: l.Ref.PK, From: "db"}
				}
				if ct.References(row, r.Ref) {
					c.dependency[r.Order] = append(c.dependency[r.Order], l)
				}
			}
		}

		// reversed dependency: the remote write references a locally
		// deleted row
		if isWrite(r.Kind) {
			ct, ok := reg.Lookup(r.Ref.Type)
			if !ok {
				continue
			}
			row, found, err := msg.Payloads.Get(reg, r.Ref)
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, &syncerr.MergeFetchError{Type: r.Ref.Type, PK: r.Ref.PK, From: "msg"}
			}
			for _, l := range local {
				if l.Kind != journal.Delete {
					continue
				}
				if ct.References(row, l.Ref) {
					c.reversed[r.Order] = append(c.reversed[r.Order], l)
				}
			}
		}

		// insert collision: the same primary key was minted on two nodes
		if r.Kind == journal.Insert {
			for _, l := range localByRef[r.Ref] {
				if l.Kind == journal.Insert {
					c.collision[r.Order] = l
				}
			}
		}
	}
	return c, nil
}

// pointsAt reports whether the content type declares any foreign key edge
// into target's type, a cheap pre-filter before fetching rows.
func pointsAt(ct *registry.ContentType, target registry.Ref) bool {
	for _, fk := range ct.ForeignKeys {
		if fk.RefType == target.Type {
			return true
		}
	}
	return false
}

// localDelete returns the local delete among the direct conflicts of a
// remote operation, if any.
func (c *conflicts) localDelete(order int64) (journal.Operation, bool) {
	for _, l := range c.direct[order] {
		if l.Kind == journal.Delete {
			return l, true
		}
	}
	return journal.Operation{}, false
}

// localUpdate returns the local update among the direct conflicts.
func (c *conflicts) localUpdate(order int64) (journal.Operation, bool) {
	for _, l := range c.direct[order] {
		if l.Kind == journal.Update {
			return l, true
		}
	}
	return journal.Operation{}, false
}

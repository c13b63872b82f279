// Package compress rewrites per-row operation sequences into a single net
// operation. Local rules serve the client's unversioned journal before a
// push; remote rules serve server-built pull streams, which may legitimately
// re-insert previously deleted rows after conflict resolution on other nodes.
package compress

import (
	"sort"

	"github.com/centradb/dbsync/internal/dbsync/journal"
	"github.com/centradb/dbsync/internal/dbsync/registry"
	"github.com/centradb/dbsync/internal/dbsync/syncerr"
)

// groupByRef splits operations into per-ref sequences sorted by journal
// order, and returns the refs in order of each sequence's first operation so
// output stays deterministic.
func groupByRef(ops []journal.Operation) (map[registry.Ref][]journal.Operation, []registry.Ref) {
	seqs := make(map[registry.Ref][]journal.Operation)
	var refs []registry.Ref
	sorted := make([]journal.Operation, len(ops))
	copy(sorted, ops)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	for _, op := range sorted {
		if _, ok := seqs[op.Ref]; !ok {
			refs = append(refs, op.Ref)
		}
		seqs[op.Ref] = append(seqs[op.Ref], op)
	}
	return seqs, refs
}

func kinds(seq []journal.Operation) []string {
	out := make([]string, len(seq))
	for i, op := range seq {
		out[i] = string(op.Kind)
	}
	return out
}

// validLocal reports whether a per-ref sequence is consistent with unique
// primary keys: inserts only at the start, deletes only at the end, updates
// in between.
func validLocal(seq []journal.Operation) bool {
	for i, op := range seq {
		switch op.Kind {
		case journal.Insert:
			if i != 0 {
				return false
			}
		case journal.Delete:
			if i != len(seq)-1 {
				return false
			}
		case journal.Update:
		default:
			return false
		}
	}
	return true
}

// Local applies the client-side rules:
//
//	i u*   => i        u u* => u
//	i u* d => (empty)  u* d => d
//
// Sequences that match no rule are suspected primary key reuse or external
// tampering; they are returned untouched together with an advisory warning.
// The residue keeps the original operations, so Local is idempotent.
func Local(ops []journal.Operation) ([]journal.Operation, []syncerr.SequenceWarning) {
	seqs, refs := groupByRef(ops)
	var (
		out      []journal.Operation
		warnings []syncerr.SequenceWarning
	)
	for _, ref := range refs {
		seq := seqs[ref]
		if !validLocal(seq) {
			warnings = append(warnings, syncerr.SequenceWarning{
				Type: ref.Type, PK: ref.PK, Kinds: kinds(seq),
			})
			out = append(out, seq...)
			continue
		}
		first, last := seq[0], seq[len(seq)-1]
		switch {
		case first.Kind == journal.Insert && last.Kind == journal.Delete:
			// the row never existed as far as the server is concerned
		case first.Kind == journal.Insert:
			out = append(out, first)
		case last.Kind == journal.Delete:
			out = append(out, last)
		default: // u+
			out = append(out, last)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, warnings
}

// Remote applies the server-side rules, which cover every sequence over
// {i, u, d}:
//
//	i .* d => (empty)   i .* ~d => i
//	u .* d => d         u .* ~d => u
//	d .* d => d         d .* ~d => u (re-insert after delete collapses to u)
//
// A re-insert after a delete means another node won a conflict; the net
// effect against a store that still holds the row is an update.
func Remote(ops []journal.Operation) []journal.Operation {
	seqs, refs := groupByRef(ops)
	var out []journal.Operation
	for _, ref := range refs {
		seq := seqs[ref]
		first, last := seq[0], seq[len(seq)-1]
		if len(seq) == 1 {
			out = append(out, first)
			continue
		}
		switch first.Kind {
		case journal.Insert:
			if last.Kind != journal.Delete {
				out = append(out, first)
			}
		case journal.Update:
			if last.Kind == journal.Delete {
				out = append(out, last)
			} else {
				out = append(out, first)
			}
		case journal.Delete:
			if last.Kind == journal.Delete {
				out = append(out, first)
			} else {
				op := last
				op.Kind = journal.Update
				out = append(out, op)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Partition splits compressed operations into insert, update and delete sets
// keyed by ref, the shape conflict detection works over.
func Partition(ops []journal.Operation) (inserts, updates, deletes map[registry.Ref]journal.Operation) {
	inserts = make(map[registry.Ref]journal.Operation)
	updates = make(map[registry.Ref]journal.Operation)
	deletes = make(map[registry.Ref]journal.Operation)
	for _, op := range ops {
		switch op.Kind {
		case journal.Insert:
			inserts[op.Ref] = op
		case journal.Update:
			updates[op.Ref] = op
		case journal.Delete:
			deletes[op.Ref] = op
		}
	}
	return inserts, updates, deletes
}

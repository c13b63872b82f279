// Package message defines the self-contained JSON envelopes exchanged by
// push, pull, register and repair, plus canonical serialization and HMAC
// signing of push envelopes.
package message

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/centradb/dbsync/internal/dbsync/journal"
	"github.com/centradb/dbsync/internal/dbsync/registry"
)

// WireOp is one operation on the wire. Field order is the sorted-key order
// required by canonical serialization.
type WireOp struct {
	Kind    string `json:"kind"`
	Order   int64  `json:"order"`
	PK      int64  `json:"pk"`
	Type    string `json:"type"`
	Version int64  `json:"version,omitempty"`
}

// WireRef names a row identity on the wire.
type WireRef struct {
	PK   int64  `json:"pk"`
	Type string `json:"type"`
}

// FromOp converts a journal operation for the wire.
func FromOp(op journal.Operation) WireOp {
	return WireOp{
		Kind:    string(op.Kind),
		Order:   op.Order,
		PK:      op.Ref.PK,
		Type:    op.Ref.Type,
		Version: op.Version,
	}
}

// FromOps converts a slice of journal operations.
func FromOps(ops []journal.Operation) []WireOp {
	out := make([]WireOp, len(ops))
	for i, op := range ops {
		out[i] = FromOp(op)
	}
	return out
}

// Op converts back to a journal operation, validating the kind tag.
func (w WireOp) Op() (journal.Operation, error) {
	k := journal.Kind(w.Kind)
	if !k.Valid() {
		return journal.Operation{}, fmt.Errorf("invalid operation kind %q", w.Kind)
	}
	return journal.Operation{
		Order:   w.Order,
		Kind:    k,
		Ref:     registry.Ref{Type: w.Type, PK: w.PK},
		Version: w.Version,
	}, nil
}

// Ops converts a wire operation list, failing on the first invalid entry.
func Ops(wire []WireOp) ([]journal.Operation, error) {
	out := make([]journal.Operation, len(wire))
	for i, w := range wire {
		op, err := w.Op()
		if err != nil {
			return nil, err
		}
		out[i] = op
	}
	return out, nil
}

// Payloads carries row snapshots keyed by content type and primary key. The
// shape is the wire shape directly: {type: {"pk": {col: value}}}. Values are
// the JSON-encoded forms; use Get to decode through the registry.
type Payloads map[string]map[string]map[string]any

// Put encodes and stores a row snapshot.
func (p Payloads) Put(ct *registry.ContentType, row registry.Row) error {
	pk, err := ct.PK(row)
	if err != nil {
		return err
	}
	byPK, ok := p[ct.ID]
	if !ok {
		byPK = make(map[string]map[string]any)
		p[ct.ID] = byPK
	}
	byPK[strconv.FormatInt(pk, 10)] = ct.EncodeRow(row)
	return nil
}

// Has reports whether a snapshot for ref is present.
func (p Payloads) Has(ref registry.Ref) bool {
	byPK, ok := p[ref.Type]
	if !ok {
		return false
	}
	_, ok = byPK[strconv.FormatInt(ref.PK, 10)]
	return ok
}

// Get decodes the snapshot for ref, if present.
func (p Payloads) Get(reg *registry.Registry, ref registry.Ref) (registry.Row, bool, error) {
	byPK, ok := p[ref.Type]
	if !ok {
		return nil, false, nil
	}
	raw, ok := byPK[strconv.FormatInt(ref.PK, 10)]
	if !ok {
		return nil, false, nil
	}
	ct, ok := reg.Lookup(ref.Type)
	if !ok {
		return nil, false, fmt.Errorf("payload for untracked type %s", ref.Type)
	}
	row, err := ct.DecodeRow(raw)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

// Refs lists every snapshot identity in deterministic order.
func (p Payloads) Refs() []registry.Ref {
	var refs []registry.Ref
	for typeID, byPK := range p {
		for pkStr := range byPK {
			pk, err := strconv.ParseInt(pkStr, 10, 64)
			if err != nil {
				continue
			}
			refs = append(refs, registry.Ref{Type: typeID, PK: pk})
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Type != refs[j].Type {
			return refs[i].Type < refs[j].Type
		}
		return refs[i].PK < refs[j].PK
	})
	return refs
}

// ErrorBody is the JSON error shape returned by the server on rejection.
type ErrorBody struct {
	Error []string `json:"error"`
}

// Package registry holds the process-wide description of the tracked schema:
// content types, their primary keys, foreign-key edges and unique constraints.
// It must be fully populated before store.CreateAll and is read-only afterwards.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Ref is the canonical identity of a tracked row: (content type id, primary key).
// Primary keys are integers, never reused, never semantic.
type Ref struct {
	Type string
	PK   int64
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%d", r.Type, r.PK)
}

// Kind tags the storage representation of a column.
type Kind int

const (
	Int Kind = iota
	Float
	Text
	Bool
	Time // stored as unix milliseconds
	Bytes
)

// Column describes a single column of a tracked table.
type Column struct {
	Name string
	Kind Kind
}

// ForeignKey is an outgoing edge: the value of Column refers to the primary
// key of a row of RefType.
type ForeignKey struct {
	Column  string
	RefType string
}

// Unique is a unique constraint over a nonempty set of columns.
type Unique struct {
	Columns []string
}

// ContentType describes one tracked table. ID doubles as the table name and
// as the stable identifier carried on the wire.
type ContentType struct {
	ID          string
	PKColumn    string
	Columns     []Column
	ForeignKeys []ForeignKey
	Uniques     []Unique
}

// Column returns the descriptor for the named column.
func (ct *ContentType) Column(name string) (Column, bool) {
	for _, c := range ct.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// PK reads the primary key value out of a row payload.
func (ct *ContentType) PK(row Row) (int64, error) {
	v, ok := row[ct.PKColumn]
	if !ok {
		return 0, fmt.Errorf("row of type %s has no %s column", ct.ID, ct.PKColumn)
	}
	pk, ok := AsInt64(v)
	if !ok {
		return 0, fmt.Errorf("primary key %s.%s is not an integer: %v", ct.ID, ct.PKColumn, v)
	}
	return pk, nil
}

// ParentRefs returns the refs a row points at through its foreign keys.
// Null foreign keys produce no edge.
func (ct *ContentType) ParentRefs(row Row) []Ref {
	var refs []Ref
	for _, fk := range ct.ForeignKeys {
		v, ok := row[fk.Column]
		if !ok || v == nil {
			continue
		}
		if pk, ok := AsInt64(v); ok {
			refs = append(refs, Ref{Type: fk.RefType, PK: pk})
		}
	}
	return refs
}

// References reports whether a row of this type points at target through any
// of its foreign keys.
func (ct *ContentType) References(row Row, target Ref) bool {
	for _, fk := range ct.ForeignKeys {
		if fk.RefType != target.Type {
			continue
		}
		v, ok := row[fk.Column]
		if !ok || v == nil {
			continue
		}
		if pk, ok := AsInt64(v); ok && pk == target.PK {
			return true
		}
	}
	return false
}

// Registry maps content type ids to their descriptions. Registration order is
// preserved; unique constraints are checked in declared order during merge.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*ContentType
	order []string
}

func New() *Registry {
	return &Registry{types: make(map[string]*ContentType)}
}

// Register adds a content type. Registering the same id twice is a no-op, per
// the idempotence requirement on startup wiring.
func (r *Registry) Register(ct *ContentType) error {
	if ct.ID == "" {
		return fmt.Errorf("content type id can't be empty")
	}
	if ct.PKColumn == "" {
		return fmt.Errorf("content type %s has no primary key column", ct.ID)
	}
	if _, ok := ct.Column(ct.PKColumn); !ok {
		return fmt.Errorf("content type %s: primary key column %s not declared", ct.ID, ct.PKColumn)
	}
	for _, fk := range ct.ForeignKeys {
		if _, ok := ct.Column(fk.Column); !ok {
			return fmt.Errorf("content type %s: foreign key column %s not declared", ct.ID, fk.Column)
		}
	}
	for _, u := range ct.Uniques {
		if len(u.Columns) == 0 {
			return fmt.Errorf("content type %s: empty unique constraint", ct.ID)
		}
		for _, c := range u.Columns {
			if _, ok := ct.Column(c); !ok {
				return fmt.Errorf("content type %s: unique constraint column %s not declared", ct.ID, c)
			}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[ct.ID]; exists {
		return nil
	}
	r.types[ct.ID] = ct
	r.order = append(r.order, ct.ID)
	return nil
}

// Lookup returns the content type for the given id.
func (r *Registry) Lookup(id string) (*ContentType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ct, ok := r.types[id]
	return ct, ok
}

// Types returns all content types in registration order.
func (r *Registry) Types() []*ContentType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ContentType, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.types[id])
	}
	return out
}

// Referencing returns the content types that carry a foreign key pointing at
// the given type, together with the referring columns, in registration order.
func (r *Registry) Referencing(id string) map[*ContentType][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[*ContentType][]string)
	for _, tid := range r.order {
		ct := r.types[tid]
		var cols []string
		for _, fk := range ct.ForeignKeys {
			if fk.RefType == id {
				cols = append(cols, fk.Column)
			}
		}
		if len(cols) > 0 {
			sort.Strings(cols)
			out[ct] = cols
		}
	}
	return out
}

package journal_test

import (
	"context"
	"testing"

	"github.com/centradb/dbsync/internal/dbsync/journal"
	"github.com/centradb/dbsync/internal/dbsync/registry"
	"github.com/centradb/dbsync/internal/dbsync/store"
)

func newJournalStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	reg := registry.New()
	err := reg.Register(&registry.ContentType{
		ID:       "note",
		PKColumn: "id",
		Columns:  []registry.Column{{Name: "id", Kind: registry.Int}},
	})
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.Open(ctx, "sqlite3", ":memory:", reg, store.Client)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.CreateAll(ctx); err != nil {
		t.Fatal(err)
	}
	return st
}

func ref(pk int64) registry.Ref { return registry.Ref{Type: "note", PK: pk} }

func TestAppendAndPartitions(t *testing.T) {
	st := newJournalStore(t)
	ctx := context.Background()

	if err := journal.Append(ctx, st, journal.Insert, ref(1), 0); err != nil {
		t.Fatal(err)
	}
	if err := journal.Append(ctx, st, journal.Update, ref(1), 3); err != nil {
		t.Fatal(err)
	}
	if err := journal.Append(ctx, st, journal.Delete, ref(2), 4); err != nil {
		t.Fatal(err)
	}

	unv, err := journal.Unversioned(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	if len(unv) != 1 || unv[0].Kind != journal.Insert || unv[0].Versioned() {
		t.Errorf("Unversioned() = %v, want one unversioned insert", unv)
	}

	since, err := journal.Since(ctx, st, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(since) != 1 || since[0].Version != 4 {
		t.Errorf("Since(3) = %v, want the version 4 delete only", since)
	}
}

func TestDeleteOrdersAndRef(t *testing.T) {
	st := newJournalStore(t)
	ctx := context.Background()

	for pk := int64(1); pk <= 3; pk++ {
		if err := journal.Append(ctx, st, journal.Update, ref(pk), 0); err != nil {
			t.Fatal(err)
		}
	}
	ops, err := journal.Unversioned(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	if err := journal.DeleteOrders(ctx, st, []int64{ops[0].Order}); err != nil {
		t.Fatal(err)
	}
	if err := journal.DeleteRef(ctx, st, ref(3)); err != nil {
		t.Fatal(err)
	}

	left, err := journal.Unversioned(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || left[0].Ref != ref(2) {
		t.Errorf("remaining = %v, want only note/2", left)
	}
}

func TestLastFor(t *testing.T) {
	st := newJournalStore(t)
	ctx := context.Background()

	if _, found, err := journal.LastFor(ctx, st, ref(1)); err != nil || found {
		t.Fatalf("LastFor(empty) = found %v, err %v", found, err)
	}
	if err := journal.Append(ctx, st, journal.Insert, ref(1), 0); err != nil {
		t.Fatal(err)
	}
	if err := journal.Append(ctx, st, journal.Update, ref(1), 0); err != nil {
		t.Fatal(err)
	}
	op, found, err := journal.LastFor(ctx, st, ref(1))
	if err != nil || !found {
		t.Fatalf("LastFor() = %v, %v", found, err)
	}
	if op.Kind != journal.Update {
		t.Errorf("LastFor().Kind = %s, want u", op.Kind)
	}
}

func TestTrim(t *testing.T) {
	st := newJournalStore(t)
	ctx := context.Background()

	if err := journal.Append(ctx, st, journal.Insert, ref(1), 1); err != nil {
		t.Fatal(err)
	}
	if err := journal.Append(ctx, st, journal.Update, ref(1), 2); err != nil {
		t.Fatal(err)
	}
	if err := journal.Append(ctx, st, journal.Update, ref(2), 0); err != nil {
		t.Fatal(err)
	}

	if err := journal.Trim(ctx, st, 1); err != nil {
		t.Fatal(err)
	}

	since, err := journal.Since(ctx, st, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(since) != 1 || since[0].Version != 2 {
		t.Errorf("after Trim(1) versioned = %v, want only version 2", since)
	}
	// The unversioned partition is untouched.
	unv, err := journal.Unversioned(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	if len(unv) != 1 {
		t.Errorf("after Trim unversioned = %v, want untouched", unv)
	}
}

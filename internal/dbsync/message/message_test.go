package message

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/centradb/dbsync/internal/dbsync/journal"
	"github.com/centradb/dbsync/internal/dbsync/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	author := &registry.ContentType{
		ID:       "author",
		PKColumn: "id",
		Columns: []registry.Column{
			{Name: "id", Kind: registry.Int},
			{Name: "name", Kind: registry.Text},
		},
	}
	book := &registry.ContentType{
		ID:       "book",
		PKColumn: "id",
		Columns: []registry.Column{
			{Name: "id", Kind: registry.Int},
			{Name: "title", Kind: registry.Text},
			{Name: "author_id", Kind: registry.Int},
		},
		ForeignKeys: []registry.ForeignKey{{Column: "author_id", RefType: "author"}},
	}
	for _, ct := range []*registry.ContentType{author, book} {
		if err := reg.Register(ct); err != nil {
			t.Fatal(err)
		}
	}
	return reg
}

func TestWireOpRoundTrip(t *testing.T) {
	in := journal.Operation{
		Order:   12,
		Kind:    journal.Update,
		Ref:     registry.Ref{Type: "book", PK: 4},
		Version: 7,
	}
	out, err := FromOp(in).Op()
	if err != nil {
		t.Fatalf("Op() = %v", err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestOpsRejectsInvalidKind(t *testing.T) {
	_, err := Ops([]WireOp{{Kind: "x", Order: 1, PK: 1, Type: "book"}})
	if err == nil {
		t.Errorf("Ops() = nil, want error on kind \"x\"")
	}
}

func TestPayloads(t *testing.T) {
	reg := testRegistry(t)
	book, _ := reg.Lookup("book")
	p := Payloads{}
	row := registry.Row{"id": int64(3), "title": "dune", "author_id": int64(1)}
	if err := p.Put(book, row); err != nil {
		t.Fatalf("Put() = %v", err)
	}

	ref := registry.Ref{Type: "book", PK: 3}
	if !p.Has(ref) {
		t.Fatalf("Has(%v) = false after Put", ref)
	}
	got, found, err := p.Get(reg, ref)
	if err != nil || !found {
		t.Fatalf("Get() = %v, %v, %v", got, found, err)
	}
	if got["title"] != "dune" {
		t.Errorf("Get() title = %v, want dune", got["title"])
	}
	if pk, _ := book.PK(got); pk != 3 {
		t.Errorf("Get() pk = %d, want 3", pk)
	}

	if _, found, _ := p.Get(reg, registry.Ref{Type: "book", PK: 9}); found {
		t.Errorf("Get(book/9) found = true, want false")
	}
}

func TestPayloadsSurviveJSON(t *testing.T) {
	reg := testRegistry(t)
	book, _ := reg.Lookup("book")
	p := Payloads{}
	if err := p.Put(book, registry.Row{"id": int64(3), "title": "dune", "author_id": int64(1)}); err != nil {
		t.Fatal(err)
	}

	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Payloads
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	row, found, err := decoded.Get(reg, registry.Ref{Type: "book", PK: 3})
	if err != nil || !found {
		t.Fatalf("Get after JSON = %v, %v, %v", row, found, err)
	}
	if id, ok := row["id"].(int64); !ok || id != 3 {
		t.Errorf("decoded id = %v (%T), want int64 3", row["id"], row["id"])
	}
}

func TestPayloadRefs(t *testing.T) {
	reg := testRegistry(t)
	book, _ := reg.Lookup("book")
	author, _ := reg.Lookup("author")
	p := Payloads{}
	p.Put(book, registry.Row{"id": int64(2), "title": "b", "author_id": nil})
	p.Put(book, registry.Row{"id": int64(1), "title": "a", "author_id": nil})
	p.Put(author, registry.Row{"id": int64(5), "name": "n"})

	want := []registry.Ref{
		{Type: "author", PK: 5},
		{Type: "book", PK: 1},
		{Type: "book", PK: 2},
	}
	got := p.Refs()
	if len(got) != len(want) {
		t.Fatalf("Refs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Refs()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestCanonicalBytesSortedKeys(t *testing.T) {
	m := &PushMessage{NodeID: 2, LastKnownVersion: 5}
	b, err := m.CanonicalBytes()
	if err != nil {
		t.Fatal(err)
	}
	s := string(b)
	// Keys must appear in sorted order regardless of struct contents.
	order := []string{"last_known_version", "node_id", "operations", "payloads"}
	last := -1
	for _, key := range order {
		idx := strings.Index(s, `"`+key+`"`)
		if idx < 0 {
			t.Fatalf("CanonicalBytes() missing key %q: %s", key, s)
		}
		if idx < last {
			t.Errorf("CanonicalBytes() key %q out of order: %s", key, s)
		}
		last = idx
	}
	// nil slices and maps normalize so signers and verifiers agree.
	if strings.Contains(s, "null") {
		t.Errorf("CanonicalBytes() contains null: %s", s)
	}
}

func TestSignVerify(t *testing.T) {
	reg := testRegistry(t)
	book, _ := reg.Lookup("book")
	m := &PushMessage{
		NodeID:           1,
		LastKnownVersion: 3,
		Operations: FromOps([]journal.Operation{{
			Order: 1, Kind: journal.Insert, Ref: registry.Ref{Type: "book", PK: 1},
		}}),
		Payloads: Payloads{},
	}
	m.Payloads.Put(book, registry.Row{"id": int64(1), "title": "t", "author_id": nil})

	if err := m.Sign("secret"); err != nil {
		t.Fatalf("Sign() = %v", err)
	}
	if !m.Verify("secret") {
		t.Errorf("Verify() with correct secret = false")
	}
	if m.Verify("wrong") {
		t.Errorf("Verify() with wrong secret = true")
	}

	// Tampering with the signed fields breaks the signature.
	m.LastKnownVersion = 99
	if m.Verify("secret") {
		t.Errorf("Verify() after tampering = true")
	}
	m.LastKnownVersion = 3

	// Surviving a decode round trip must not break it.
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	var decoded PushMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if !decoded.Verify("secret") {
		t.Errorf("Verify() after JSON round trip = false")
	}
}

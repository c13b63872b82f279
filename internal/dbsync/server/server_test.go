package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/centradb/dbsync/internal/dbsync/journal"
	"github.com/centradb/dbsync/internal/dbsync/message"
	"github.com/centradb/dbsync/internal/dbsync/registry"
	"github.com/centradb/dbsync/internal/dbsync/store"
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
		Uniques: []registry.Unique{{Columns: []string{"name"}}},
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

func newTestServer(t *testing.T, adminSecret string) (*Server, *httptest.Server) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, "sqlite3", ":memory:", testRegistry(t), store.Server)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.CreateAll(ctx); err != nil {
		t.Fatal(err)
	}
	srv := &Server{Store: st, AdminSecret: adminSecret}
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return srv, ts
}

func registerNode(t *testing.T, ts *httptest.Server) message.RegisterResponse {
	t.Helper()
	resp, err := http.Post(ts.URL+"/register", "application/json", bytes.NewReader([]byte("{}")))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("POST /register = %d", resp.StatusCode)
	}
	var out message.RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.NodeID == 0 || out.Secret == "" {
		t.Fatalf("register response = %+v", out)
	}
	return out
}

func postJSON(t *testing.T, url string, body any) (*http.Response, []byte) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

// signedPush assembles a one-insert push message.
func signedPush(t *testing.T, node message.RegisterResponse, lastKnown int64, reg *registry.Registry, name string, pk int64) *message.PushMessage {
	t.Helper()
	ct, _ := reg.Lookup("author")
	msg := &message.PushMessage{
		NodeID:           node.NodeID,
		LastKnownVersion: lastKnown,
		Operations: message.FromOps([]journal.Operation{{
			Order: 1, Kind: journal.Insert, Ref: registry.Ref{Type: "author", PK: pk},
		}}),
		Payloads: message.Payloads{},
	}
	if err := msg.Payloads.Put(ct, registry.Row{"id": pk, "name": name}); err != nil {
		t.Fatal(err)
	}
	if err := msg.Sign(node.Secret); err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestPushAccepted(t *testing.T) {
	srv, ts := newTestServer(t, "")
	node := registerNode(t, ts)

	msg := signedPush(t, node, 0, srv.Store.Registry(), "woolf", 1)
	resp, body := postJSON(t, ts.URL+"/push", msg)
	if resp.StatusCode != 200 {
		t.Fatalf("POST /push = %d: %s", resp.StatusCode, body)
	}
	var out message.PushResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.LatestVersion == 0 {
		t.Errorf("push response version = 0, want assigned")
	}

	// The row landed and the journal carries the versioned operation.
	ctx := context.Background()
	err := srv.Store.WithTx(ctx, func(tx *store.Tx) error {
		row, found, err := tx.Fetch(ctx, "author", 1)
		if err != nil {
			return err
		}
		if !found || row["name"] != "woolf" {
			t.Errorf("author/1 = %v, %v", row, found)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	ops, err := journal.Since(ctx, srv.Store, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 || ops[0].Version != out.LatestVersion {
		t.Errorf("journal = %v, want one op at version %d", ops, out.LatestVersion)
	}
}

func TestPushDivergenceGate(t *testing.T) {
	srv, ts := newTestServer(t, "")
	a := registerNode(t, ts)
	b := registerNode(t, ts)

	resp, body := postJSON(t, ts.URL+"/push", signedPush(t, a, 0, srv.Store.Registry(), "first", 1))
	if resp.StatusCode != 200 {
		t.Fatalf("first push = %d: %s", resp.StatusCode, body)
	}

	// The second node still claims version 0: the server has moved on.
	resp, body = postJSON(t, ts.URL+"/push", signedPush(t, b, 0, srv.Store.Registry(), "second", 2))
	if resp.StatusCode != 400 {
		t.Fatalf("stale push = %d, want 400", resp.StatusCode)
	}
	var errBody message.ErrorBody
	if err := json.Unmarshal(body, &errBody); err != nil {
		t.Fatal(err)
	}
	if len(errBody.Error) == 0 || errBody.Error[0] != "push_rejected" {
		t.Errorf("error body = %v, want push_rejected", errBody.Error)
	}

	// Nothing from the rejected batch was committed.
	ctx := context.Background()
	srv.Store.WithTx(ctx, func(tx *store.Tx) error {
		if _, found, _ := tx.Fetch(ctx, "author", 2); found {
			t.Errorf("author/2 committed despite rejection")
		}
		return nil
	})
}

func TestPushAuthFailures(t *testing.T) {
	srv, ts := newTestServer(t, "")
	node := registerNode(t, ts)

	// Tampered signature.
	msg := signedPush(t, node, 0, srv.Store.Registry(), "x", 1)
	msg.Signature = "deadbeef"
	resp, body := postJSON(t, ts.URL+"/push", msg)
	if resp.StatusCode != 401 {
		t.Errorf("tampered push = %d, want 401: %s", resp.StatusCode, body)
	}

	// Unknown node.
	msg = signedPush(t, node, 0, srv.Store.Registry(), "x", 1)
	msg.NodeID = 9999
	msg.Sign(node.Secret)
	resp, _ = postJSON(t, ts.URL+"/push", msg)
	if resp.StatusCode != 401 {
		t.Errorf("unknown node push = %d, want 401", resp.StatusCode)
	}
}

func TestPullStream(t *testing.T) {
	srv, ts := newTestServer(t, "")
	ctx := context.Background()

	// Server-side writes are versioned as they happen.
	err := srv.Store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.Insert(ctx, "author", registry.Row{"id": int64(1), "name": "a"}); err != nil {
			return err
		}
		if err := tx.Update(ctx, "author", registry.Row{"id": int64(1), "name": "a2"}); err != nil {
			return err
		}
		return tx.Insert(ctx, "book", registry.Row{"id": int64(1), "title": "t", "author_id": int64(1)})
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, body := postJSON(t, ts.URL+"/pull", message.PullRequest{NodeID: 1, LastKnownVersion: 0})
	if resp.StatusCode != 200 {
		t.Fatalf("POST /pull = %d: %s", resp.StatusCode, body)
	}
	var msg message.PullMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.LatestVersion == 0 {
		t.Errorf("latest version = 0")
	}
	// i then u on author/1 compress to a single insert.
	if len(msg.Operations) != 2 {
		t.Fatalf("operations = %v, want compressed to 2", msg.Operations)
	}
	for _, op := range msg.Operations {
		if op.Kind != "i" {
			t.Errorf("op kind = %s, want i after compression", op.Kind)
		}
	}
	if !msg.Payloads.Has(registry.Ref{Type: "author", PK: 1}) ||
		!msg.Payloads.Has(registry.Ref{Type: "book", PK: 1}) {
		t.Errorf("payloads missing rows: %v", msg.Payloads)
	}

	// Pulling from the latest version yields nothing.
	resp, body = postJSON(t, ts.URL+"/pull", message.PullRequest{NodeID: 1, LastKnownVersion: msg.LatestVersion})
	if resp.StatusCode != 200 {
		t.Fatal(resp.StatusCode)
	}
	var empty message.PullMessage
	if err := json.Unmarshal(body, &empty); err != nil {
		t.Fatal(err)
	}
	if len(empty.Operations) != 0 {
		t.Errorf("pull at head = %v, want empty", empty.Operations)
	}
}

func TestPullIncludesParents(t *testing.T) {
	srv, ts := newTestServer(t, "")
	ctx := context.Background()

	// The author predates the horizon; only the book changed since.
	err := srv.Store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.Insert(ctx, "author", registry.Row{"id": int64(1), "name": "a"})
	})
	if err != nil {
		t.Fatal(err)
	}
	horizon, err := store.LatestVersion(ctx, srv.Store)
	if err != nil {
		t.Fatal(err)
	}
	err = srv.Store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.Insert(ctx, "book", registry.Row{"id": int64(1), "title": "t", "author_id": int64(1)})
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, body := postJSON(t, ts.URL+"/pull", message.PullRequest{NodeID: 1, LastKnownVersion: horizon})
	if resp.StatusCode != 200 {
		t.Fatal(resp.StatusCode)
	}
	var msg message.PullMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		t.Fatal(err)
	}
	if len(msg.Operations) != 1 || msg.Operations[0].Type != "book" {
		t.Fatalf("operations = %v, want only the book insert", msg.Operations)
	}
	if !msg.Payloads.Has(registry.Ref{Type: "author", PK: 1}) {
		t.Errorf("parent author/1 not included")
	}
	if len(msg.IncludedParents) != 1 || msg.IncludedParents[0].Type != "author" {
		t.Errorf("included parents = %v, want [author/1]", msg.IncludedParents)
	}
}

func TestRepairSnapshot(t *testing.T) {
	srv, ts := newTestServer(t, "")
	ctx := context.Background()
	err := srv.Store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.Insert(ctx, "author", registry.Row{"id": int64(1), "name": "a"})
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.URL + "/repair")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("GET /repair = %d", resp.StatusCode)
	}
	var snap message.RepairMessage
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.LatestVersion == 0 {
		t.Errorf("snapshot version = 0")
	}
	if !snap.Tables.Has(registry.Ref{Type: "author", PK: 1}) {
		t.Errorf("snapshot missing author/1: %v", snap.Tables)
	}
}

func TestAdminGuard(t *testing.T) {
	_, ts := newTestServer(t, "admin-secret")

	resp, err := http.Get(ts.URL + "/repair")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 401 {
		t.Fatalf("GET /repair without token = %d, want 401", resp.StatusCode)
	}

	token, err := AdminToken("admin-secret")
	if err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/repair", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("GET /repair with token = %d, want 200", resp.StatusCode)
	}

	// A token minted with the wrong secret fails.
	bad, _ := AdminToken("other")
	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/repair", nil)
	req.Header.Set("Authorization", "Bearer "+bad)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 401 {
		t.Errorf("GET /repair with bad token = %d, want 401", resp.StatusCode)
	}
}

func TestQuery(t *testing.T) {
	srv, ts := newTestServer(t, "")
	ctx := context.Background()
	err := srv.Store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.Insert(ctx, "author", registry.Row{"id": int64(1), "name": "woolf"}); err != nil {
			return err
		}
		return tx.Insert(ctx, "author", registry.Row{"id": int64(2), "name": "joyce"})
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.URL + "/query?model=author&name=woolf")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("GET /query = %d", resp.StatusCode)
	}
	var out message.QueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if !out.Found.Has(registry.Ref{Type: "author", PK: 1}) {
		t.Errorf("query missed author/1: %v", out.Found)
	}
	if out.Found.Has(registry.Ref{Type: "author", PK: 2}) {
		t.Errorf("query matched author/2: %v", out.Found)
	}

	resp, err = http.Get(ts.URL + "/query?model=ghost")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Errorf("GET /query unknown model = %d, want 400", resp.StatusCode)
	}
}

func TestPing(t *testing.T) {
	_, ts := newTestServer(t, "")
	resp, err := http.Head(ts.URL + "/ping")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("HEAD /ping = %d", resp.StatusCode)
	}
}

func TestTrimJournal(t *testing.T) {
	srv, ts := newTestServer(t, "")
	ctx := context.Background()
	node := registerNode(t, ts)

	resp, body := postJSON(t, ts.URL+"/push", signedPush(t, node, 0, srv.Store.Registry(), "a", 1))
	if resp.StatusCode != 200 {
		t.Fatalf("push = %d: %s", resp.StatusCode, body)
	}

	resp, body = postJSON(t, ts.URL+"/trim", struct{}{})
	if resp.StatusCode != 200 {
		t.Fatalf("trim = %d: %s", resp.StatusCode, body)
	}
	var trimmed message.TrimResponse
	if err := json.Unmarshal(body, &trimmed); err != nil {
		t.Fatal(err)
	}
	if trimmed.TrimmedThrough == 0 {
		t.Fatalf("trimmed through = 0, want the pushed version")
	}
	ops, err := journal.Since(ctx, srv.Store, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 0 {
		t.Errorf("journal after trim = %v, want empty", ops)
	}
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/centradb/dbsync/internal/dbsync/journal"
	"github.com/centradb/dbsync/internal/dbsync/message"
	"github.com/centradb/dbsync/internal/dbsync/registry"
	"github.com/centradb/dbsync/internal/dbsync/store"
	"github.com/centradb/dbsync/internal/dbsync/syncerr"
)

// Register handles POST /register. Re-registration always issues fresh
// credentials; stale node rows are left for the operator to prune.
func (s *Server) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var node store.NodeInfo
	err := s.Store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		node, err = tx.RegisterNode(ctx)
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("node registration failed")
		writeError(w, 500, "server_error")
		return
	}
	log.Info().Int64("node", node.ID).Msg("node registered")
	writeJSON(w, 200, message.RegisterResponse{
		NodeID:       node.ID,
		Secret:       node.Secret,
		RegisteredTs: node.Registered.UnixMilli(),
	})
}

// Push handles POST /push: verify, gate on divergence, commit atomically,
// assign one version to the whole batch.
func (s *Server) Push(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var msg message.PushMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, 400, "bad_request", "invalid json")
		return
	}

	secret, err := store.NodeSecret(ctx, s.Store, s.Store.Rebind, msg.NodeID)
	if err != nil {
		var authErr *syncerr.AuthError
		if errors.As(err, &authErr) {
			pushesRejected.WithLabelValues("auth").Inc()
			writeError(w, 401, "auth_failed", authErr.Error())
			return
		}
		writeError(w, 500, "server_error")
		return
	}
	if !msg.Verify(secret) {
		pushesRejected.WithLabelValues("auth").Inc()
		log.Warn().Int64("node", msg.NodeID).Msg("push signature mismatch")
		writeError(w, 401, "auth_failed", "signature mismatch")
		return
	}

	// Version assignment is serial: one push commits at a time.
	s.mu.Lock()
	defer s.mu.Unlock()

	var version int64
	err = s.Store.WithTx(ctx, func(tx *store.Tx) error {
		latest, err := store.LatestVersion(ctx, tx)
		if err != nil {
			return err
		}
		if msg.LastKnownVersion < latest {
			return &syncerr.PushRejectedError{LastKnown: msg.LastKnownVersion, Latest: latest}
		}
		version, err = tx.CreateVersion(ctx, msg.NodeID)
		if err != nil {
			return err
		}
		return tx.Suppressed(func() error {
			return s.applyPush(ctx, tx, &msg, version)
		})
	})
	if err != nil {
		var (
			rejected  *syncerr.PushRejectedError
			integrity *syncerr.IntegrityError
		)
		switch {
		case errors.As(err, &rejected):
			pushesRejected.WithLabelValues("divergence").Inc()
			log.Info().Int64("node", msg.NodeID).
				Int64("client_version", rejected.LastKnown).Int64("latest", rejected.Latest).
				Msg("push rejected on divergence")
			writeError(w, 400, "push_rejected", rejected.Error())
		case errors.As(err, &integrity):
			pushesRejected.WithLabelValues("integrity").Inc()
			log.Error().Err(err).Int64("node", msg.NodeID).Msg("push integrity failure")
			writeError(w, 400, "integrity_error", integrity.Error())
		default:
			log.Error().Err(err).Int64("node", msg.NodeID).Msg("push failed")
			writeError(w, 500, "server_error")
		}
		return
	}

	pushesAccepted.Inc()
	log.Info().Int64("node", msg.NodeID).Int64("version", version).
		Int("operations", len(msg.Operations)).Msg("push accepted")
	writeJSON(w, 200, message.PushResponse{LatestVersion: version})
}

// applyPush replays the message operations in order, journaling each one
// under the assigned version. Inserts and updates are upserts: conflict
// resolution on a node may legitimately re-push rows the server already
// holds.
func (s *Server) applyPush(ctx context.Context, tx *store.Tx, msg *message.PushMessage, version int64) error {
	reg := s.Store.Registry()
	for _, wireOp := range msg.Operations {
		op, err := wireOp.Op()
		if err != nil {
			return err
		}
		if _, ok := reg.Lookup(op.Ref.Type); !ok {
			return fmt.Errorf("push references untracked type %s", op.Ref.Type)
		}
		switch op.Kind {
		case journal.Insert, journal.Update:
			row, found, err := msg.Payloads.Get(reg, op.Ref)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("push operation %s has no payload", op.Ref)
			}
			if err := tx.Upsert(ctx, op.Ref.Type, row); err != nil {
				return &syncerr.IntegrityError{Type: op.Ref.Type, PK: op.Ref.PK, Err: err}
			}
		case journal.Delete:
			if err := tx.RemoveRow(ctx, op.Ref.Type, op.Ref.PK); err != nil {
				return &syncerr.IntegrityError{Type: op.Ref.Type, PK: op.Ref.PK, Err: err}
			}
		}
		if err := journal.Append(ctx, tx, op.Kind, op.Ref, version); err != nil {
			return err
		}
		operationsCommitted.Inc()
	}
	return nil
}

// Pull handles POST /pull. Pull is idempotent and read-only; the message is
// built from a read view inside one transaction.
func (s *Server) Pull(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req message.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "bad_request", "invalid json")
		return
	}

	var msg *message.PullMessage
	err := s.Store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		msg, err = buildPull(ctx, tx, req.LastKnownVersion)
		return err
	})
	if err != nil {
		log.Error().Err(err).Int64("node", req.NodeID).Msg("pull build failed")
		writeError(w, 500, "server_error")
		return
	}
	pullsServed.Inc()
	log.Debug().Int64("node", req.NodeID).Int64("since", req.LastKnownVersion).
		Int("operations", len(msg.Operations)).Msg("pull served")
	writeJSON(w, 200, msg)
}

// Repair handles GET /repair: a full snapshot of every tracked table.
func (s *Server) Repair(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snapshot := message.RepairMessage{Tables: message.Payloads{}}
	err := s.Store.WithTx(ctx, func(tx *store.Tx) error {
		latest, err := store.LatestVersion(ctx, tx)
		if err != nil {
			return err
		}
		snapshot.LatestVersion = latest
		for _, ct := range s.Store.Registry().Types() {
			rows, err := tx.AllRows(ctx, ct.ID)
			if err != nil {
				return err
			}
			for _, row := range rows {
				if err := snapshot.Tables.Put(ct, row); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("repair snapshot failed")
		writeError(w, 500, "server_error")
		return
	}
	writeJSON(w, 200, snapshot)
}

// Trim handles POST /trim: drop journal operations every registered node has
// already pulled.
func (s *Server) Trim(w http.ResponseWriter, r *http.Request) {
	horizon, err := TrimJournal(r.Context(), s.Store)
	if err != nil {
		log.Error().Err(err).Msg("journal trim failed")
		writeError(w, 500, "server_error")
		return
	}
	log.Info().Int64("through", horizon).Msg("journal trimmed")
	writeJSON(w, 200, message.TrimResponse{TrimmedThrough: horizon})
}

// Query handles GET /query?model=<type>&<col>=<value>...: an equality
// filtered remote read over one tracked table.
func (s *Server) Query(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	typeID := r.URL.Query().Get("model")
	ct, ok := s.Store.Registry().Lookup(typeID)
	if !ok {
		writeError(w, 400, "bad_request", fmt.Sprintf("unknown model %q", typeID))
		return
	}
	filters := make(map[string]any)
	for key, vals := range r.URL.Query() {
		if key == "model" || len(vals) == 0 {
			continue
		}
		col, ok := ct.Column(key)
		if !ok {
			writeError(w, 400, "bad_request", fmt.Sprintf("unknown column %q", key))
			return
		}
		v, err := parseFilter(col, vals[0])
		if err != nil {
			writeError(w, 400, "bad_request", err.Error())
			return
		}
		filters[key] = v
	}

	resp := message.QueryResponse{Found: message.Payloads{}}
	err := s.Store.WithTx(ctx, func(tx *store.Tx) error {
		rows, err := tx.AllRows(ctx, ct.ID)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if matches(row, filters) {
				if err := resp.Found.Put(ct, row); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("model", typeID).Msg("query failed")
		writeError(w, 500, "server_error")
		return
	}
	writeJSON(w, 200, resp)
}

func parseFilter(col registry.Column, raw string) (any, error) {
	switch col.Kind {
	case registry.Int:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("column %s expects an integer", col.Name)
		}
		return n, nil
	case registry.Float:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("column %s expects a number", col.Name)
		}
		return f, nil
	case registry.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("column %s expects a boolean", col.Name)
		}
		return b, nil
	default:
		return raw, nil
	}
}

func matches(row registry.Row, filters map[string]any) bool {
	for col, want := range filters {
		if row[col] != want {
			return false
		}
	}
	return true
}

package message

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/centradb/dbsync/internal/dbsync/compress"
	"github.com/centradb/dbsync/internal/dbsync/journal"
	"github.com/centradb/dbsync/internal/dbsync/store"
	"github.com/centradb/dbsync/internal/dbsync/syncerr"
)

// PushMessage is the envelope a node posts to the server: its compressed
// unversioned operations plus the row snapshots needed to replay them.
type PushMessage struct {
	NodeID           int64          `json:"node_id"`
	LastKnownVersion int64          `json:"last_known_version"`
	Operations       []WireOp       `json:"operations"`
	Payloads         Payloads       `json:"payloads"`
	ExtraData        map[string]any `json:"extra_data,omitempty"`
	Signature        string         `json:"signature,omitempty"`
}

// canonicalPush fixes the signing input: the four signed fields with keys in
// sorted order. Maps marshal with sorted keys, struct fields in declared
// order, so declaration order below is the canonical order.
type canonicalPush struct {
	LastKnownVersion int64    `json:"last_known_version"`
	NodeID           int64    `json:"node_id"`
	Operations       []WireOp `json:"operations"`
	Payloads         Payloads `json:"payloads"`
}

// CanonicalBytes returns the canonical UTF-8 signing input.
func (m *PushMessage) CanonicalBytes() ([]byte, error) {
	ops := m.Operations
	if ops == nil {
		ops = []WireOp{}
	}
	payloads := m.Payloads
	if payloads == nil {
		payloads = Payloads{}
	}
	return json.Marshal(canonicalPush{
		LastKnownVersion: m.LastKnownVersion,
		NodeID:           m.NodeID,
		Operations:       ops,
		Payloads:         payloads,
	})
}

// Sign computes the HMAC-SHA256 signature with the node secret and attaches
// it to the envelope.
func (m *PushMessage) Sign(secret string) error {
	b, err := m.CanonicalBytes()
	if err != nil {
		return fmt.Errorf("canonicalize push: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(b)
	m.Signature = hex.EncodeToString(mac.Sum(nil))
	return nil
}

// Verify recomputes the signature and compares in constant time.
func (m *PushMessage) Verify(secret string) bool {
	b, err := m.CanonicalBytes()
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(b)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(m.Signature))
}

// BuildPush compresses the journal in place and assembles the signed push
// envelope. Operations whose row can no longer be read are dropped from the
// journal with a warning, mirroring how compression repairs drift. A nil
// message with nil error means there is nothing to push.
func BuildPush(ctx context.Context, tx *store.Tx, node store.LocalNode) (*PushMessage, []syncerr.SequenceWarning, error) {
	reg := tx.Store().Registry()
	residue, warnings, err := compress.JournalInPlace(ctx, tx)
	if err != nil {
		return nil, warnings, err
	}
	if len(residue) == 0 {
		return nil, warnings, nil
	}

	msg := &PushMessage{
		NodeID:           node.NodeID,
		LastKnownVersion: node.LastKnownVersion,
		Payloads:         Payloads{},
	}
	for _, op := range residue {
		ct, ok := reg.Lookup(op.Ref.Type)
		if !ok {
			return nil, warnings, fmt.Errorf("journal references untracked type %s", op.Ref.Type)
		}
		if op.Kind == journal.Delete {
			msg.Operations = append(msg.Operations, FromOp(op))
			continue
		}
		row, found, err := tx.Fetch(ctx, op.Ref.Type, op.Ref.PK)
		if err != nil {
			return nil, warnings, err
		}
		if !found {
			log.Warn().Str("type", op.Ref.Type).Int64("pk", op.Ref.PK).
				Msg("dropping operation without backing row")
			if err := journal.DeleteOrders(ctx, tx, []int64{op.Order}); err != nil {
				return nil, warnings, err
			}
			continue
		}
		msg.Operations = append(msg.Operations, FromOp(op))
		if err := msg.Payloads.Put(ct, row); err != nil {
			return nil, warnings, err
		}
		// Parents ride along so the server can detect conflicts without
		// extra round trips.
		for _, parent := range ct.ParentRefs(row) {
			if msg.Payloads.Has(parent) {
				continue
			}
			pct, ok := reg.Lookup(parent.Type)
			if !ok {
				continue
			}
			prow, found, err := tx.Fetch(ctx, parent.Type, parent.PK)
			if err != nil {
				return nil, warnings, err
			}
			if found {
				if err := msg.Payloads.Put(pct, prow); err != nil {
					return nil, warnings, err
				}
			}
		}
	}
	if len(msg.Operations) == 0 {
		return nil, warnings, nil
	}
	if err := msg.Sign(node.Secret); err != nil {
		return nil, warnings, err
	}
	return msg, warnings, nil
}

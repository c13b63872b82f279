package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/centradb/dbsync/internal/dbsync/compress"
	"github.com/centradb/dbsync/internal/dbsync/journal"
	"github.com/centradb/dbsync/internal/dbsync/message"
	"github.com/centradb/dbsync/internal/dbsync/registry"
	"github.com/centradb/dbsync/internal/dbsync/store"
	"github.com/centradb/dbsync/internal/dbsync/syncerr"
)

// DefaultSyncRetries bounds how many push/pull rounds Sync runs before
// giving up on a server that keeps moving ahead of us.
const DefaultSyncRetries = 3

// Sync brings the node up to date: push, and when the server rejects the
// push as stale, pull-merge and push again. retries <= 0 uses
// DefaultSyncRetries. An unsolvable unique conflict aborts immediately
// with *syncerr.UniqueConflictError; everything local stays intact.
func (c *Client) Sync(ctx context.Context, retries int) error {
	if retries <= 0 {
		retries = DefaultSyncRetries
	}
	for attempt := 0; ; attempt++ {
		err := c.Push(ctx)
		if err == nil {
			return nil
		}
		var rejected *syncerr.PushRejectedError
		if !errors.As(err, &rejected) {
			return err
		}
		if attempt >= retries {
			return fmt.Errorf("sync: still behind after %d pulls: %w", retries, err)
		}
		log.Debug().Int("attempt", attempt+1).Msg("push rejected as stale, pulling")
		if _, err := c.Pull(ctx, nil); err != nil {
			return err
		}
	}
}

// UnsyncedObject pairs a pending ref with the kind of change awaiting push.
type UnsyncedObject struct {
	Ref  registry.Ref
	Kind journal.Kind
}

// UnsyncedObjects compresses the journal and lists every row with a change
// that has not been pushed yet.
func (c *Client) UnsyncedObjects(ctx context.Context) ([]UnsyncedObject, error) {
	var out []UnsyncedObject
	err := c.Store.WithTx(ctx, func(tx *store.Tx) error {
		ops, _, err := compress.JournalInPlace(ctx, tx)
		if err != nil {
			return err
		}
		for _, op := range ops {
			out = append(out, UnsyncedObject{Ref: op.Ref, Kind: op.Kind})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IsSynced reports whether a row has no pending journal entry.
func (c *Client) IsSynced(ctx context.Context, ref registry.Ref) (bool, error) {
	op, found, err := journal.LastFor(ctx, c.Store, ref)
	if err != nil {
		return false, err
	}
	return !found || op.Versioned(), nil
}

// TrimLocal drops journal entries and ledger rows already acknowledged by the
// server, keeping the latest version as the new floor.
func (c *Client) TrimLocal(ctx context.Context) error {
	return c.Store.WithTx(ctx, func(tx *store.Tx) error {
		latest, err := store.LatestVersion(ctx, tx)
		if err != nil {
			return err
		}
		if latest == 0 {
			return nil
		}
		if err := journal.Trim(ctx, tx, latest); err != nil {
			return err
		}
		return tx.SetLatestVersion(ctx, latest)
	})
}

// TrimServer asks the server to drop journal operations every node has
// pulled. Requires an admin token when the server enforces one. Returns the
// version trimmed through, zero when no trim was possible.
func (c *Client) TrimServer(ctx context.Context) (int64, error) {
	var resp message.TrimResponse
	if err := c.postJSON(ctx, "/trim", struct{}{}, &resp); err != nil {
		return 0, err
	}
	return resp.TrimmedThrough, nil
}

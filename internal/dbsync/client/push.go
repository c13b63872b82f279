package client

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/centradb/dbsync/internal/dbsync/journal"
	"github.com/centradb/dbsync/internal/dbsync/message"
	"github.com/centradb/dbsync/internal/dbsync/store"
	"github.com/centradb/dbsync/internal/dbsync/syncerr"
)

// Push compresses the local journal, sends the signed message, and on
// acceptance clears the pushed operations and records the server's new
// version. A nil return with nothing pending is a no-op.
//
// When the server rejects the push because this node is behind, the returned
// error unwraps to *syncerr.PushRejectedError and the caller should Pull.
func (c *Client) Push(ctx context.Context) error {
	node, err := c.localNode(ctx)
	if err != nil {
		return err
	}

	var (
		msg   *message.PushMessage
		warns []syncerr.SequenceWarning
	)
	err = c.Store.WithTx(ctx, func(tx *store.Tx) error {
		msg, warns, err = message.BuildPush(ctx, tx, node)
		return err
	})
	if err != nil {
		return err
	}
	for _, w := range warns {
		log.Warn().Msg(w.String())
	}
	if msg == nil {
		return nil
	}

	var resp message.PushResponse
	if err := c.postJSON(ctx, "/push", msg, &resp); err != nil {
		return err
	}

	err = c.Store.WithTx(ctx, func(tx *store.Tx) error {
		if err := journal.DeleteUnversioned(ctx, tx); err != nil {
			return err
		}
		return tx.SetLastKnownVersion(ctx, resp.LatestVersion)
	})
	if err != nil {
		return err
	}
	log.Info().
		Int("operations", len(msg.Operations)).
		Int64("version", resp.LatestVersion).
		Msg("push accepted")
	return nil
}

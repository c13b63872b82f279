package client

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/centradb/dbsync/internal/dbsync/merge"
	"github.com/centradb/dbsync/internal/dbsync/message"
	"github.com/centradb/dbsync/internal/dbsync/store"
)

// Pull fetches the operations this node has missed and merges them into the
// local store in one transaction. Any merge failure rolls everything back,
// leaving the database exactly as before the call.
func (c *Client) Pull(ctx context.Context, extra map[string]any) (merge.Stats, error) {
	node, err := c.localNode(ctx)
	if err != nil {
		return merge.Stats{}, err
	}

	req := message.PullRequest{
		NodeID:           node.NodeID,
		LastKnownVersion: node.LastKnownVersion,
		ExtraData:        extra,
	}
	var msg message.PullMessage
	if err := c.postJSON(ctx, "/pull", req, &msg); err != nil {
		return merge.Stats{}, err
	}

	var stats merge.Stats
	err = c.Store.WithTx(ctx, func(tx *store.Tx) error {
		stats, err = merge.Run(ctx, tx, &msg, c.Strategy)
		return err
	})
	if err != nil {
		return merge.Stats{}, err
	}
	log.Info().
		Int("applied", stats.Applied).
		Int("skipped", stats.Skipped).
		Int64("version", msg.LatestVersion).
		Msg("pull merged")
	return stats, nil
}

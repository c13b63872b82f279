// Package client implements the node side of the protocol: register, push,
// pull with the merge inside, repair, and the push/pull orchestration loop.
// The caller must serialize these procedures against ordinary application
// transactions on the same store.
package client

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/centradb/dbsync/internal/dbsync/merge"
	"github.com/centradb/dbsync/internal/dbsync/message"
	"github.com/centradb/dbsync/internal/dbsync/store"
	"github.com/centradb/dbsync/internal/dbsync/syncerr"
)

// Client talks to one synchronization server on behalf of the local store.
type Client struct {
	Store   *store.Store
	BaseURL string

	// HTTP defaults to a client with a 60s timeout.
	HTTP *http.Client

	// Strategy overrides the merge resolution policy; nil means the fixed
	// default (local updates win, colliding inserts reallocate).
	Strategy merge.Strategy

	// AdminToken is sent as a bearer token on /repair and /query when set.
	AdminToken string
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 60 * time.Second}
}

// Register requests fresh node credentials and stores them locally.
// Re-registering replaces the credentials but keeps the local data.
func (c *Client) Register(ctx context.Context, extra map[string]any) error {
	var resp message.RegisterResponse
	if err := c.postJSON(ctx, "/register", extra, &resp); err != nil {
		return err
	}
	err := c.Store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.SaveLocalNode(ctx, store.LocalNode{
			NodeID: resp.NodeID,
			Secret: resp.Secret,
		})
	})
	if err != nil {
		return err
	}
	log.Info().Int64("node", resp.NodeID).Msg("registered with server")
	return nil
}

// IsRegistered reports whether the client holds node credentials locally.
func (c *Client) IsRegistered(ctx context.Context) (bool, error) {
	_, ok, err := store.GetLocalNode(ctx, c.Store)
	return ok, err
}

func (c *Client) localNode(ctx context.Context) (store.LocalNode, error) {
	node, ok, err := store.GetLocalNode(ctx, c.Store)
	if err != nil {
		return store.LocalNode{}, err
	}
	if !ok {
		return store.LocalNode{}, syncerr.ErrNotRegistered
	}
	return node, nil
}

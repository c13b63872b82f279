package client

import (
	"context"
	"fmt"
	"net/url"
	"sort"

	"github.com/centradb/dbsync/internal/dbsync/message"
	"github.com/centradb/dbsync/internal/dbsync/registry"
)

// QueryServer runs a remote equality query against a tracked table and
// returns the matching rows, decoded. Useful to inspect server state without
// pulling, for example before deciding on a repair.
func (c *Client) QueryServer(ctx context.Context, typeID string, filters map[string]string) ([]registry.Row, error) {
	ct, ok := c.Store.Registry().Lookup(typeID)
	if !ok {
		return nil, fmt.Errorf("query server: unknown content type %q", typeID)
	}

	q := url.Values{"model": {typeID}}
	for col, val := range filters {
		q.Set(col, val)
	}
	var resp message.QueryResponse
	if err := c.getJSON(ctx, "/query?"+q.Encode(), &resp); err != nil {
		return nil, err
	}

	raw := resp.Found[typeID]
	pks := make([]string, 0, len(raw))
	for pk := range raw {
		pks = append(pks, pk)
	}
	sort.Strings(pks)
	rows := make([]registry.Row, 0, len(pks))
	for _, pk := range pks {
		row, err := ct.DecodeRow(raw[pk])
		if err != nil {
			return nil, fmt.Errorf("query server: decode %s/%s: %w", typeID, pk, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

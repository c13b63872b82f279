package client

import (
	"context"
	"net/http"
)

// IsConnected reports whether the server answers at all, regardless of
// status code.
func (c *Client) IsConnected(ctx context.Context) bool {
	resp, err := c.ping(ctx)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// ServerReady reports whether the server answered the ping with success.
func (c *Client) ServerReady(ctx context.Context) bool {
	resp, err := c.ping(ctx)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

func (c *Client) ping(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.url("/ping"), nil)
	if err != nil {
		return nil, err
	}
	return c.httpClient().Do(req)
}

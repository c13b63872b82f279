package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/centradb/dbsync/internal/dbsync/message"
	"github.com/centradb/dbsync/internal/dbsync/syncerr"
)

func (c *Client) url(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}

// postJSON sends body to path and decodes a 2xx response into out. Non-2xx
// responses are decoded as an error body and mapped to a typed error.
func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AdminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AdminToken)
	}
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return err
	}
	if c.AdminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AdminToken)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(req.URL.Path, resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", req.URL.Path, err)
	}
	return nil
}

// apiError turns a server error body back into the typed error the server
// raised, so callers can react with errors.As.
func apiError(path string, status int, raw []byte) error {
	var body message.ErrorBody
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Error) == 0 {
		return fmt.Errorf("%s: server returned %d", path, status)
	}
	kind, details := body.Error[0], body.Error[1:]
	switch kind {
	case "push_rejected":
		return &syncerr.PushRejectedError{}
	case "auth_failed":
		return &syncerr.AuthError{Reason: strings.Join(details, "; ")}
	default:
		return fmt.Errorf("%s: %s (%d): %s", path, kind, status, strings.Join(details, "; "))
	}
}

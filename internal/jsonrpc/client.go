package jsonrpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// ErrTransport wraps failures to reach the node, as opposed to errors the
// node returned.
var ErrTransport = errors.New("rpc transport failure")

const maxResponseBytes = 64 << 20

// Client calls a JSON-RPC 2.0 endpoint over HTTP.
type Client struct {
	url    string
	http   *http.Client
	nextID atomic.Int64
}

// NewClient creates a client for url. A nil httpClient uses a client with a
// 30s timeout; per-call deadlines come from the context.
func NewClient(url string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{url: url, http: httpClient}
}

// URL returns the endpoint the client talks to.
func (c *Client) URL() string { return c.url }

// Call invokes method with positional params and decodes the result into
// result, which may be nil.
func (c *Client) Call(ctx context.Context, result any, method string, params ...any) error {
	req, err := NewRequest(c.nextID.Add(1), method, params...)
	if err != nil {
		return err
	}
	body, err := Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransport, method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %v", ErrTransport, method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: %s: reading response: %v", ErrTransport, method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: HTTP %d", ErrTransport, method, resp.StatusCode)
	}

	msg, err := Parse(data)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransport, method, err)
	}
	if err := DecodeResult(msg, result); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

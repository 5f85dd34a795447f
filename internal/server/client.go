// client.go - HTTP client for a transfer service.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ledgerproof/internal/backend"
	"ledgerproof/internal/transfer"
)

// DefaultClientTimeout covers a full prove-and-verify round on the server.
const DefaultClientTimeout = 2 * time.Minute

// StatusError is returned for any non-200 answer. The decoded body is still returned
// alongside it.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("server returned %d %s: %s", e.Code, http.StatusText(e.Code), e.Message)
}

// Client talks to one server.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient creates a client for the server at baseURL, e.g. "http://127.0.0.1:8080".
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: DefaultClientTimeout},
	}
}

// FetchRoot returns the committed root.
func (c *Client) FetchRoot(ctx context.Context) (*RootResponse, error) {
	var out RootResponse
	if err := c.do(ctx, http.MethodGet, "/root", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitTransfer submits req and returns the server's report of the run.
func (c *Client) SubmitTransfer(ctx context.Context, req transfer.Request) (*TransferResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal transfer: %w", err)
	}
	var out TransferResponse
	err = c.do(ctx, http.MethodPost, "/transfer", ContentTypeJSON, body, &out)
	return &out, err
}

// VerifyBundle asks the server to check b.
func (c *Client) VerifyBundle(ctx context.Context, b *backend.Bundle) (*VerifyResponse, error) {
	body, err := backend.EncodeBundle(b)
	if err != nil {
		return nil, err
	}
	var out VerifyResponse
	err = c.do(ctx, http.MethodPost, "/verify", ContentTypeCBOR, body, &out)
	return &out, err
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, out interface{}) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", ContentTypeJSON)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxRequestBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	decodeErr := json.Unmarshal(data, out)
	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		_ = json.Unmarshal(data, &e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	return nil
}

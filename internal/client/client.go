// Package client talks to a running primary over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/echolog/echolog/internal/api"
	"github.com/echolog/echolog/internal/health"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// APIError is a non-2xx response from the primary.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("primary returned %d: %s", e.StatusCode, e.Message)
}

func IsStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

type Client struct {
	baseURL    string
	httpClient HTTPClient
}

func New(baseURL string) *Client {
	return NewWithClient(baseURL, &http.Client{Timeout: 60 * time.Second})
}

func NewWithClient(baseURL string, httpClient HTTPClient) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Write submits a message with write concern w. w <= 0 uses the server default.
func (c *Client) Write(ctx context.Context, message string, w int) (*api.WriteResponse, error) {
	req := api.WriteRequest{Message: message}
	if w > 0 {
		req.W = &w
	}

	var resp api.WriteResponse
	if err := c.do(ctx, http.MethodPost, "/messages", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Messages(ctx context.Context) (*api.HistoryResponse, error) {
	var resp api.HistoryResponse
	if err := c.do(ctx, http.MethodGet, "/messages", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Sync asks the primary to replay everything after lastKnown to the backup
// at backupURL. lastKnown < 0 replays the whole history.
func (c *Client) Sync(ctx context.Context, backupURL string, lastKnown int64) (*api.SyncResponse, error) {
	req := api.SyncRequest{SecondaryURL: backupURL}
	if lastKnown >= 0 {
		req.LastKnownMsg = &lastKnown
	}

	var resp api.SyncResponse
	if err := c.do(ctx, http.MethodPost, "/sync", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Health(ctx context.Context) (map[string]health.Record, error) {
	var resp map[string]health.Record
	if err := c.do(ctx, http.MethodGet, "/health/details", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach primary: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var er api.ErrorResponse
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &er) == nil && er.Message != "" {
			msg = er.Message
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

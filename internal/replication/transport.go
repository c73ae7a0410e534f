package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/echolog/echolog/internal/backup"
	"github.com/echolog/echolog/internal/storage"
)

// Backup identifies a replica the primary delivers to.
type Backup struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Transport performs a single delivery attempt. A nil error means the backup
// acknowledged the entry (applied now or earlier).
type Transport interface {
	Replicate(ctx context.Context, b Backup, entry storage.Entry) error
}

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPTransport posts entries to a backup's /replicate endpoint.
type HTTPTransport struct {
	client HTTPClient
}

type replicateResponse struct {
	Status   string  `json:"status"`
	Message  string  `json:"message"`
	Expected *uint64 `json:"expected,omitempty"`
}

func NewHTTPTransport(client HTTPClient) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{client: client}
}

func (t *HTTPTransport) Replicate(ctx context.Context, b Backup, entry storage.Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	url := strings.TrimRight(b.URL, "/") + "/replicate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach backup %s: %w", b.ID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusBadRequest:
		rr, err := readReplicateResponse(resp.Body)
		if err != nil {
			return fmt.Errorf("backup %s rejected sequence %d: %v: %w", b.ID, entry.Sequence, err, backup.ErrInvalidEntry)
		}
		return fmt.Errorf("backup %s rejected sequence %d: %s: %w", b.ID, entry.Sequence, rr.Message, backup.ErrInvalidEntry)
	case http.StatusConflict:
		rr, err := readReplicateResponse(resp.Body)
		if err != nil {
			return fmt.Errorf("backup %s rejected sequence %d: %v: %w", b.ID, entry.Sequence, err, backup.ErrOutOfOrder)
		}
		if rr.Expected != nil {
			return backup.NewOrderingError(*rr.Expected, entry.Sequence)
		}
		return fmt.Errorf("backup %s: %s: %w", b.ID, rr.Message, backup.ErrOutOfOrder)
	default:
		return fmt.Errorf("backup %s returned status %d", b.ID, resp.StatusCode)
	}
}

func readReplicateResponse(r io.Reader) (replicateResponse, error) {
	var rr replicateResponse

	body, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return rr, fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(body, &rr); err != nil {
		return rr, fmt.Errorf("unparseable response %q: %w", body, err)
	}
	return rr, nil
}

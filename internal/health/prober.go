package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/echolog/echolog/internal/replication"
)

// ProbeResult is what a liveness probe learned about a backup. HasState is
// set when the backup reported its cursor and digest.
type ProbeResult struct {
	StatusCode  int
	LastApplied int64
	Digest      string
	HasState    bool
}

type Prober interface {
	Probe(ctx context.Context, b replication.Backup) (ProbeResult, error)
}

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPProber calls a backup's GET /health.
type HTTPProber struct {
	client HTTPClient
}

type healthResponse struct {
	Status      string `json:"status"`
	NodeID      string `json:"node_id"`
	LastApplied *int64 `json:"last_applied"`
	Digest      string `json:"digest"`
}

func NewHTTPProber(client HTTPClient) *HTTPProber {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProber{client: client}
}

func (p *HTTPProber) Probe(ctx context.Context, b replication.Backup) (ProbeResult, error) {
	url := strings.TrimRight(b.URL, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("failed to probe %s: %w", b.ID, err)
	}
	defer resp.Body.Close()

	result := ProbeResult{StatusCode: resp.StatusCode, LastApplied: -1}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return result, nil
	}

	var hr healthResponse
	if err := json.Unmarshal(body, &hr); err == nil && hr.LastApplied != nil && hr.Digest != "" {
		result.LastApplied = *hr.LastApplied
		result.Digest = hr.Digest
		result.HasState = true
	}

	return result, nil
}

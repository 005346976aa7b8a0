package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"p3timing/internal/contracts"
)

// HTTPPublisher implements Publisher against a live ingest boundary over
// HTTP, the transport cmd/gateway uses in production; tests substitute a
// fake that never touches the network.
type HTTPPublisher struct {
	baseURL string
	client  *http.Client
}

func NewHTTPPublisher(baseURL string) *HTTPPublisher {
	return &HTTPPublisher{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *HTTPPublisher) PublishBatch(ctx context.Context, req contracts.TrackIngestBatchRequest) (*contracts.TrackIngestBatchResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal batch request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/ingest/batch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build batch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()

	// 207 means the boundary durably accepted the request and returned
	// per-item statuses; a rejected item there is a client-side problem
	// (unauthorized, malformed, too large) that a retry will not fix, so
	// only treat anything else as a transport-level failure worth retrying.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusMultiStatus {
		return nil, fmt.Errorf("ingest boundary returned status %d", resp.StatusCode)
	}

	var out contracts.TrackIngestBatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}
	return &out, nil
}

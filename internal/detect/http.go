package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxScoreResponse caps the scoring response body we read.
const maxScoreResponse = 64 * 1024

// HTTPScorer calls a remote scoring endpoint with {"value": x} and expects
// {"score": y}.
type HTTPScorer struct {
	endpoint string
	client   *http.Client
}

// NewHTTPScorer creates a scorer for endpoint.
func NewHTTPScorer(endpoint string, timeout time.Duration) *HTTPScorer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPScorer{
		endpoint: endpoint,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type scoreRequest struct {
	Value float64 `json:"value"`
}

type scoreResponse struct {
	Score *float64 `json:"score"`
}

// Score implements Scorer.
func (s *HTTPScorer) Score(ctx context.Context, value float64) (float64, error) {
	body, err := json.Marshal(scoreRequest{Value: value})
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("scoring request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxScoreResponse))
	if err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("scoring endpoint returned %d: %s", resp.StatusCode, raw)
	}

	var out scoreResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	if out.Score == nil {
		return 0, fmt.Errorf("scoring response has no score")
	}
	return *out.Score, nil
}

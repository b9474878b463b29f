package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPScorer calls a cross-encoder served over HTTP with the text-embeddings-
// inference rerank API:
//
//	POST {endpoint}/rerank {"query": "...", "texts": ["..."], "raw_scores": true}
//	-> [{"index": 0, "score": 1.23}, ...]
type HTTPScorer struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
}

// HTTPConfig holds the settings for constructing an HTTPScorer.
type HTTPConfig struct {
	// Endpoint is the server base URL (e.g. "http://localhost:8080").
	Endpoint string
	// Model names the served cross-encoder for logs; the server decides what runs.
	Model string
	// APIKey is sent as a Bearer token when non-empty.
	APIKey string
	// Timeout bounds each HTTP request. Zero means 30s.
	Timeout time.Duration
}

// NewHTTPScorer constructs an HTTPScorer from the given config.
func NewHTTPScorer(cfg *HTTPConfig) (*HTTPScorer, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("rerank: http scorer requires an endpoint")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	model := cfg.Model
	if model == "" {
		model = "cross-encoder"
	}
	return &HTTPScorer{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    model,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// ModelID returns "http:<model>".
func (s *HTTPScorer) ModelID() string { return "http:" + s.model }

type rerankRequest struct {
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	RawScores bool     `json:"raw_scores"`
}

type rerankItem struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Score sends all texts in one request and returns raw scores in input order.
func (s *HTTPScorer) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	payload, err := json.Marshal(rerankRequest{Query: query, Texts: texts, RawScores: true})
	if err != nil {
		return nil, fmt.Errorf("http scorer: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("http scorer: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http scorer: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("http scorer: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var items []rerankItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("http scorer: decode response: %w", err)
	}
	if len(items) != len(texts) {
		return nil, fmt.Errorf("http scorer: expected %d scores, got %d", len(texts), len(items))
	}

	scores := make([]float64, len(texts))
	seen := make([]bool, len(texts))
	for _, it := range items {
		if it.Index < 0 || it.Index >= len(texts) || seen[it.Index] {
			return nil, fmt.Errorf("http scorer: bad or repeated index %d", it.Index)
		}
		seen[it.Index] = true
		scores[it.Index] = it.Score
	}
	return scores, nil
}

// Ping checks that the scorer answers its health endpoint.
func (s *HTTPScorer) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("http scorer: create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http scorer: health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http scorer: health check returned HTTP %d", resp.StatusCode)
	}
	return nil
}

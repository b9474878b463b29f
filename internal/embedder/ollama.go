package embedder

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// OllamaEmbedder calls the Ollama /api/embed endpoint, which accepts a batch
// of inputs per request.
type OllamaEmbedder struct {
	host   string
	model  string
	client *jsonClient
}

// OllamaConfig configures an OllamaEmbedder.
type OllamaConfig struct {
	// Host is the server base URL, e.g. "http://localhost:11434".
	Host string
	// Model is the embedding model, e.g. "nomic-embed-text".
	Model string
	// Timeout bounds each HTTP request. Zero means 60s.
	Timeout time.Duration
}

// NewOllamaEmbedder returns an embedder for cfg.
func NewOllamaEmbedder(cfg *OllamaConfig) *OllamaEmbedder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OllamaEmbedder{
		host:   cfg.Host,
		model:  cfg.Model,
		client: newJSONClient("ollama", timeout, nil),
	}
}

// ModelID returns "ollama:<model>".
func (e *OllamaEmbedder) ModelID() string { return "ollama:" + e.model }

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
	// Truncate lets the server cut inputs that exceed the model context
	// rather than failing the batch.
	Truncate bool `json:"truncate"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

func (r *ollamaEmbedResponse) apiMessage() string { return r.Error }

// Embed embeds texts in one request.
func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var out ollamaEmbedResponse
	req := ollamaEmbedRequest{Model: e.model, Input: texts, Truncate: true}
	if err := e.client.post(ctx, e.host+"/api/embed", req, &out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embedder: got %d embeddings for %d inputs", len(out.Embeddings), len(texts))
	}
	return out.Embeddings, nil
}

// Ping checks that the server is up by listing local models.
func (e *OllamaEmbedder) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.host+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.http.Do(req)
	if err != nil {
		return fmt.Errorf("ollama embedder: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama embedder: /api/tags returned HTTP %d", resp.StatusCode)
	}
	return nil
}

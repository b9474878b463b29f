package embedder

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// maxOpenAIBatch is the most inputs the embeddings API accepts per request.
const maxOpenAIBatch = 2048

// OpenAIEmbedder calls the OpenAI or Azure OpenAI embeddings API. Azure
// differs only in URL layout and the auth header.
type OpenAIEmbedder struct {
	url        string
	model      string
	dimensions int
	client     *jsonClient
}

// OpenAIConfig configures an OpenAIEmbedder.
type OpenAIConfig struct {
	// BaseURL is "https://api.openai.com/v1" for OpenAI or
	// "https://<resource>.openai.azure.com/openai" for Azure.
	BaseURL string
	APIKey  string
	// Model is the model name, or the deployment name on Azure.
	Model string
	// Dimensions requests shorter vectors from models that support it.
	// Zero keeps the model default.
	Dimensions int
	Azure      bool
	// APIVersion is the Azure api-version query parameter.
	APIVersion string
	// Timeout bounds each HTTP request. Zero means 30s.
	Timeout time.Duration
}

// NewOpenAIEmbedder returns an embedder for cfg.
func NewOpenAIEmbedder(cfg *OpenAIConfig) *OpenAIEmbedder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	header := http.Header{}
	url := cfg.BaseURL + "/embeddings"
	backend := "openai"
	if cfg.Azure {
		header.Set("api-key", cfg.APIKey)
		url = cfg.BaseURL + "/deployments/" + cfg.Model + "/embeddings?api-version=" + cfg.APIVersion
		backend = "azure"
	} else {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	return &OpenAIEmbedder{
		url:        url,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		client:     newJSONClient(backend, timeout, header),
	}
}

// ModelID returns "openai:<model>" or "azure:<deployment>". A dimension
// override is appended as "@<dims>" since it changes the vectors.
func (e *OpenAIEmbedder) ModelID() string {
	id := e.client.backend + ":" + e.model
	if e.dimensions > 0 {
		id += "@" + strconv.Itoa(e.dimensions)
	}
	return id
}

type openaiEmbedRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (r *openaiEmbedResponse) apiMessage() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Message
}

// Embed embeds texts, splitting them into requests of at most
// maxOpenAIBatch inputs. The result is parallel to texts.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxOpenAIBatch {
		end := min(start+maxOpenAIBatch, len(texts))
		vecs, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (e *OpenAIEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var resp openaiEmbedResponse
	req := openaiEmbedRequest{Input: texts, Model: e.model, Dimensions: e.dimensions}
	if err := e.client.post(ctx, e.url, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%s embedder: got %d embeddings for %d inputs", e.client.backend, len(resp.Data), len(texts))
	}

	// The API does not promise response order; place each vector by index.
	vecs := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) || vecs[d.Index] != nil {
			return nil, fmt.Errorf("%s embedder: bad or repeated index %d", e.client.backend, d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

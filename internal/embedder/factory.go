package embedder

import (
	"context"
	"fmt"
	"os"

	"github.com/54b3r/kpmatch-go/internal/config"
)

// Default embedding models per backend.
const (
	defaultOllamaModel = "nomic-embed-text"
	defaultOpenAIModel = "text-embedding-3-small"
	defaultGeminiModel = "text-embedding-004"

	// defaultOllamaDimensions is the output dimension of nomic-embed-text.
	defaultOllamaDimensions = 768
	// defaultOpenAIDimensions is the output dimension of text-embedding-3-small.
	defaultOpenAIDimensions = 1536
	// defaultGeminiDimensions is the output dimension of text-embedding-004.
	defaultGeminiDimensions = 768
)

// DefaultDimensions returns the default vector size for backend.
// EMBEDDING_DIMENSIONS always takes precedence when set.
func DefaultDimensions(backend string) int {
	if v := config.EnvInt("EMBEDDING_DIMENSIONS", 0); v > 0 {
		return v
	}
	switch backend {
	case "ollama":
		return defaultOllamaDimensions
	case "gemini":
		return defaultGeminiDimensions
	case "hash":
		return DefaultHashDimensions
	default:
		return defaultOpenAIDimensions
	}
}

// Backend returns the effective embedding backend name: EMBEDDING_PROVIDER,
// else MODEL_PROVIDER, else "ollama".
func Backend() string {
	if b := os.Getenv("EMBEDDING_PROVIDER"); b != "" {
		return b
	}
	return config.EnvOr("MODEL_PROVIDER", "ollama")
}

// NewFromEnv constructs an Embedder from environment variables, inheriting
// credentials from the chat provider settings when embedding-specific
// overrides are not set.
//
// Resolution order:
//
//  1. EMBEDDING_PROVIDER (ollama | openai | azure | gemini | hash), else MODEL_PROVIDER, else ollama
//  2. Per-backend credentials inherited from the chat provider's env vars
//  3. EMBEDDING_MODEL, EMBEDDING_API_KEY, EMBEDDING_ENDPOINT, EMBEDDING_DIMENSIONS override
//  4. EMBEDDING_RATE_LIMIT (requests/s) and EMBEDDING_TIMEOUT (Go duration) wrap the result
func NewFromEnv(ctx context.Context) (Embedder, error) {
	base, err := newBackendFromEnv(ctx, Backend())
	if err != nil {
		return nil, err
	}

	rps, err := config.EnvFloat("EMBEDDING_RATE_LIMIT", 0)
	if err != nil {
		return nil, err
	}
	timeout, err := config.EnvDuration("EMBEDDING_TIMEOUT", 0)
	if err != nil {
		return nil, err
	}
	if rps == 0 && timeout == 0 {
		return base, nil
	}
	return NewLimited(base, LimitConfig{RequestsPerSecond: rps, Timeout: timeout}), nil
}

func newBackendFromEnv(ctx context.Context, backend string) (Embedder, error) {
	switch backend {
	case "ollama":
		host := os.Getenv("EMBEDDING_ENDPOINT")
		if host == "" {
			host = config.EnvOr("OLLAMA_HOST", "http://localhost:11434")
		}
		return NewOllamaEmbedder(&OllamaConfig{
			Host:  host,
			Model: config.EnvOr("EMBEDDING_MODEL", defaultOllamaModel),
		}), nil

	case "openai":
		apiKey := config.EnvFirst("EMBEDDING_API_KEY", "OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("embedder: openai requires OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    config.EnvOr("EMBEDDING_ENDPOINT", "https://api.openai.com/v1"),
			APIKey:     apiKey,
			Model:      config.EnvOr("EMBEDDING_MODEL", defaultOpenAIModel),
			Dimensions: config.EnvInt("EMBEDDING_DIMENSIONS", 0),
		}), nil

	case "azure":
		apiKey := config.EnvFirst("EMBEDDING_API_KEY", "AZURE_OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("embedder: azure requires AZURE_OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		endpoint := config.EnvFirst("EMBEDDING_ENDPOINT", "AZURE_OPENAI_ENDPOINT")
		if endpoint == "" {
			return nil, fmt.Errorf("embedder: azure requires AZURE_OPENAI_ENDPOINT or EMBEDDING_ENDPOINT")
		}
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    endpoint + "/openai",
			APIKey:     apiKey,
			Model:      config.EnvOr("EMBEDDING_MODEL", defaultOpenAIModel),
			Dimensions: config.EnvInt("EMBEDDING_DIMENSIONS", 0),
			Azure:      true,
			APIVersion: config.EnvOr("AZURE_OPENAI_API_VERSION", "2025-04-01-preview"),
		}), nil

	case "gemini":
		apiKey := config.EnvFirst("EMBEDDING_API_KEY", "GOOGLE_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("embedder: gemini requires GOOGLE_API_KEY or EMBEDDING_API_KEY")
		}
		return NewGeminiEmbedder(ctx, &GeminiConfig{
			APIKey:     apiKey,
			Model:      config.EnvOr("EMBEDDING_MODEL", defaultGeminiModel),
			Dimensions: config.EnvInt("EMBEDDING_DIMENSIONS", 0),
		})

	case "hash":
		return NewHashEmbedder(config.EnvInt("EMBEDDING_DIMENSIONS", DefaultHashDimensions)), nil

	default:
		return nil, fmt.Errorf("embedder: unknown backend %q (valid: ollama, openai, azure, gemini, hash)", backend)
	}
}

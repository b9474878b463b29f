package provider

import (
	"context"
	"os"

	"github.com/cloudwego/eino/components/model"

	"github.com/54b3r/kpmatch-go/internal/config"
)

// NewFromEnv reads the chat model configuration from the environment and
// constructs the model. MODEL_PROVIDER selects the backend; each backend uses
// its own native credential variables.
//
//	MODEL_PROVIDER = ollama | openai | azure | ark | gemini (default: ollama)
//
//	Ollama:  OLLAMA_HOST (default: http://localhost:11434), OLLAMA_MODEL (default: llama3)
//	OpenAI:  OPENAI_API_KEY, OPENAI_MODEL (default: gpt-4o-mini)
//	Azure:   AZURE_OPENAI_API_KEY, AZURE_OPENAI_ENDPOINT, AZURE_OPENAI_DEPLOYMENT,
//	         AZURE_OPENAI_API_VERSION (default: 2024-02-01)
//	Ark:     ARK_API_KEY, ARK_MODEL, ARK_BASE_URL
//	Gemini:  GOOGLE_API_KEY, GEMINI_MODEL (default: gemini-2.0-flash)
//
//	Shared:  MODEL_MAX_TOKENS (default: 8), MODEL_TEMPERATURE (default: 0)
func NewFromEnv(ctx context.Context) (model.BaseChatModel, *Config, error) {
	cfg := ConfigFromEnv()
	m, err := New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return m, cfg, nil
}

// ConfigFromEnv builds a Config from environment variables without
// validating it.
func ConfigFromEnv() *Config {
	return &Config{
		Backend: Backend(config.EnvOr("MODEL_PROVIDER", string(BackendOllama))),
		Ollama: ProviderOllama{
			Host:  config.EnvOr("OLLAMA_HOST", "http://localhost:11434"),
			Model: config.EnvOr("OLLAMA_MODEL", "llama3"),
		},
		OpenAI: ProviderOpenAI{
			APIKey: os.Getenv("OPENAI_API_KEY"),
			Model:  config.EnvOr("OPENAI_MODEL", "gpt-4o-mini"),
		},
		AzureOpenAI: ProviderAzureOpenAI{
			APIKey:     os.Getenv("AZURE_OPENAI_API_KEY"),
			Endpoint:   os.Getenv("AZURE_OPENAI_ENDPOINT"),
			Deployment: os.Getenv("AZURE_OPENAI_DEPLOYMENT"),
			APIVersion: config.EnvOr("AZURE_OPENAI_API_VERSION", "2024-02-01"),
		},
		Ark: ProviderArk{
			APIKey:  os.Getenv("ARK_API_KEY"),
			BaseURL: os.Getenv("ARK_BASE_URL"),
			Model:   os.Getenv("ARK_MODEL"),
		},
		Gemini: ProviderGemini{
			APIKey: os.Getenv("GOOGLE_API_KEY"),
			Model:  config.EnvOr("GEMINI_MODEL", "gemini-2.0-flash"),
		},
		Tuning: SharedTuning{
			MaxTokens:   config.EnvInt("MODEL_MAX_TOKENS", 8),
			Temperature: envFloat32("MODEL_TEMPERATURE", 0),
		},
	}
}

// New validates cfg and constructs the selected backend's chat model.
func New(ctx context.Context, cfg *Config) (model.BaseChatModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case BackendOpenAI:
		return newOpenAI(ctx, cfg)
	case BackendAzure:
		return newAzure(ctx, cfg)
	case BackendArk:
		return newArk(ctx, cfg)
	case BackendGemini:
		return newGemini(ctx, cfg)
	default:
		return newOllama(ctx, cfg)
	}
}

// envFloat32 reads a sampling parameter. Malformed values yield fallback.
func envFloat32(key string, fallback float32) float32 {
	f, err := config.EnvFloat(key, float64(fallback))
	if err != nil {
		return fallback
	}
	return float32(f)
}

// Package config provides YAML-based configuration for kpmatch.
// Precedence is defaults → YAML file → env vars; environment variables always
// win, so a file never overrides an explicit setting.
//
// File search order:
//  1. --config CLI flag (explicit path)
//  2. KPMATCH_CONFIG environment variable
//  3. ~/.kpmatch/config.yaml
//  4. ./kpmatch.yaml
//
// If no file is found everything is read from env vars.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the YAML file layout. Keys mirror the env var names.
type Config struct {
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Index     IndexConfig     `yaml:"index"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Enrich    EnrichConfig    `yaml:"enrich"`
	Rerank    RerankConfig    `yaml:"rerank"`
	// Model configures the chat model behind the LLM reranker.
	Model   ModelConfig   `yaml:"model"`
	Qdrant  QdrantConfig  `yaml:"qdrant"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	History HistoryConfig `yaml:"history"`
	Tracing TracingConfig `yaml:"tracing"`
}

// KnowledgeConfig locates the knowledge source file.
type KnowledgeConfig struct {
	Path string `yaml:"path"`
}

// IndexConfig controls index persistence.
type IndexConfig struct {
	// Dir is the persistence directory. "disabled" keeps the index in memory only.
	Dir string `yaml:"dir"`
	// FingerprintMode is mtime or content.
	FingerprintMode string `yaml:"fingerprint_mode"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// Provider selects the backend: ollama, openai, azure, gemini, hash.
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	// APIKey is the embedding API key. Prefer env var EMBEDDING_API_KEY.
	APIKey   string `yaml:"api_key"`
	Endpoint string `yaml:"endpoint"`
	// RateLimit caps requests per second. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	Timeout   string  `yaml:"timeout"`
}

// EnrichConfig selects the query preprocessing strategy and table.
type EnrichConfig struct {
	Strategy string `yaml:"strategy"`
	// Table overrides the embedded expansion table with a YAML file.
	Table string `yaml:"table"`
}

// RerankConfig configures the second retrieval stage.
type RerankConfig struct {
	// Backend is none, http or llm.
	Backend  string `yaml:"backend"`
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	// APIKey is the scorer API key. Prefer env var RERANK_API_KEY.
	APIKey string `yaml:"api_key"`
	// Policy is strict or lenient.
	Policy      string `yaml:"policy"`
	Timeout     string `yaml:"timeout"`
	Candidates  int    `yaml:"candidates"`
	Concurrency int    `yaml:"concurrency"`
}

// ModelConfig holds chat model settings for the LLM reranker.
type ModelConfig struct {
	// Provider selects the backend: ollama, openai, azure, ark, gemini.
	Provider    string       `yaml:"provider"`
	MaxTokens   int          `yaml:"max_tokens"`
	Temperature float32      `yaml:"temperature"`
	Ollama      OllamaConfig `yaml:"ollama"`
	OpenAI      OpenAIConfig `yaml:"openai"`
	Azure       AzureConfig  `yaml:"azure"`
	Ark         ArkConfig    `yaml:"ark"`
	Gemini      GeminiConfig `yaml:"gemini"`
}

// OllamaConfig holds Ollama provider settings.
type OllamaConfig struct {
	Host  string `yaml:"host"`
	Model string `yaml:"model"`
}

// OpenAIConfig holds OpenAI provider settings.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key. Prefer env var OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// AzureConfig holds Azure OpenAI provider settings.
type AzureConfig struct {
	// APIKey is the Azure OpenAI API key. Prefer env var AZURE_OPENAI_API_KEY.
	APIKey     string `yaml:"api_key"`
	Endpoint   string `yaml:"endpoint"`
	Deployment string `yaml:"deployment"`
	APIVersion string `yaml:"api_version"`
}

// ArkConfig holds Volcengine Ark provider settings.
type ArkConfig struct {
	// APIKey is the Ark API key. Prefer env var ARK_API_KEY.
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// GeminiConfig holds Google Gemini provider settings.
type GeminiConfig struct {
	// APIKey is the Google API key. Prefer env var GOOGLE_API_KEY.
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// QdrantConfig holds the export target.
type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Collection string `yaml:"collection"`
	// APIKey is the Qdrant API key. Prefer env var QDRANT_API_KEY.
	APIKey string `yaml:"api_key"`
	TLS    bool   `yaml:"tls"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// APIKey is the Bearer token for the API. Prefer env var KPMATCH_API_KEY.
	APIKey    string  `yaml:"api_key"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HistoryConfig holds query history settings.
type HistoryConfig struct {
	// DBPath is the SQLite database path. Set to "disabled" to disable.
	DBPath string `yaml:"db_path"`
}

// TracingConfig holds Langfuse settings.
type TracingConfig struct {
	PublicKey string `yaml:"public_key"`
	SecretKey string `yaml:"secret_key"`
	Host      string `yaml:"host"`
}

// envMapping maps YAML fields to env var names. Only non-empty YAML values
// are applied and an env var that is already set is never overwritten.
var envMapping = []struct {
	envKey string
	value  func(*Config) string
}{
	{"KPMATCH_KNOWLEDGE_PATH", func(c *Config) string { return c.Knowledge.Path }},
	{"KPMATCH_INDEX_DIR", func(c *Config) string { return c.Index.Dir }},
	{"KPMATCH_FINGERPRINT_MODE", func(c *Config) string { return c.Index.FingerprintMode }},
	{"EMBEDDING_PROVIDER", func(c *Config) string { return c.Embedding.Provider }},
	{"EMBEDDING_MODEL", func(c *Config) string { return c.Embedding.Model }},
	{"EMBEDDING_DIMENSIONS", func(c *Config) string { return intStr(c.Embedding.Dimensions) }},
	{"EMBEDDING_API_KEY", func(c *Config) string { return c.Embedding.APIKey }},
	{"EMBEDDING_ENDPOINT", func(c *Config) string { return c.Embedding.Endpoint }},
	{"EMBEDDING_RATE_LIMIT", func(c *Config) string { return floatStr(c.Embedding.RateLimit) }},
	{"EMBEDDING_TIMEOUT", func(c *Config) string { return c.Embedding.Timeout }},
	{"KPMATCH_ENRICH_STRATEGY", func(c *Config) string { return c.Enrich.Strategy }},
	{"KPMATCH_ENRICH_TABLE", func(c *Config) string { return c.Enrich.Table }},
	{"RERANK_BACKEND", func(c *Config) string { return c.Rerank.Backend }},
	{"RERANK_ENDPOINT", func(c *Config) string { return c.Rerank.Endpoint }},
	{"RERANK_MODEL", func(c *Config) string { return c.Rerank.Model }},
	{"RERANK_API_KEY", func(c *Config) string { return c.Rerank.APIKey }},
	{"RERANK_POLICY", func(c *Config) string { return c.Rerank.Policy }},
	{"RERANK_TIMEOUT", func(c *Config) string { return c.Rerank.Timeout }},
	{"RERANK_CANDIDATES", func(c *Config) string { return intStr(c.Rerank.Candidates) }},
	{"RERANK_CONCURRENCY", func(c *Config) string { return intStr(c.Rerank.Concurrency) }},
	{"MODEL_PROVIDER", func(c *Config) string { return c.Model.Provider }},
	{"MODEL_MAX_TOKENS", func(c *Config) string { return intStr(c.Model.MaxTokens) }},
	{"MODEL_TEMPERATURE", func(c *Config) string { return floatStr(float64(c.Model.Temperature)) }},
	{"OLLAMA_HOST", func(c *Config) string { return c.Model.Ollama.Host }},
	{"OLLAMA_MODEL", func(c *Config) string { return c.Model.Ollama.Model }},
	{"OPENAI_API_KEY", func(c *Config) string { return c.Model.OpenAI.APIKey }},
	{"OPENAI_MODEL", func(c *Config) string { return c.Model.OpenAI.Model }},
	{"AZURE_OPENAI_API_KEY", func(c *Config) string { return c.Model.Azure.APIKey }},
	{"AZURE_OPENAI_ENDPOINT", func(c *Config) string { return c.Model.Azure.Endpoint }},
	{"AZURE_OPENAI_DEPLOYMENT", func(c *Config) string { return c.Model.Azure.Deployment }},
	{"AZURE_OPENAI_API_VERSION", func(c *Config) string { return c.Model.Azure.APIVersion }},
	{"ARK_API_KEY", func(c *Config) string { return c.Model.Ark.APIKey }},
	{"ARK_BASE_URL", func(c *Config) string { return c.Model.Ark.BaseURL }},
	{"ARK_MODEL", func(c *Config) string { return c.Model.Ark.Model }},
	{"GOOGLE_API_KEY", func(c *Config) string { return c.Model.Gemini.APIKey }},
	{"GEMINI_MODEL", func(c *Config) string { return c.Model.Gemini.Model }},
	{"QDRANT_HOST", func(c *Config) string { return c.Qdrant.Host }},
	{"QDRANT_PORT", func(c *Config) string { return intStr(c.Qdrant.Port) }},
	{"QDRANT_COLLECTION", func(c *Config) string { return c.Qdrant.Collection }},
	{"QDRANT_API_KEY", func(c *Config) string { return c.Qdrant.APIKey }},
	{"QDRANT_TLS", func(c *Config) string { return boolStr(c.Qdrant.TLS) }},
	{"KPMATCH_HOST", func(c *Config) string { return c.Server.Host }},
	{"KPMATCH_PORT", func(c *Config) string { return intStr(c.Server.Port) }},
	{"KPMATCH_API_KEY", func(c *Config) string { return c.Server.APIKey }},
	{"KPMATCH_RATE_LIMIT", func(c *Config) string { return floatStr(c.Server.RateLimit) }},
	{"KPMATCH_RATE_BURST", func(c *Config) string { return intStr(c.Server.RateBurst) }},
	{"LOG_LEVEL", func(c *Config) string { return c.Logging.Level }},
	{"LOG_FORMAT", func(c *Config) string { return c.Logging.Format }},
	{"KPMATCH_HISTORY_DB", func(c *Config) string { return c.History.DBPath }},
	{"LANGFUSE_PUBLIC_KEY", func(c *Config) string { return c.Tracing.PublicKey }},
	{"LANGFUSE_SECRET_KEY", func(c *Config) string { return c.Tracing.SecretKey }},
	{"LANGFUSE_HOST", func(c *Config) string { return c.Tracing.Host }},
}

// Load reads a YAML config file and applies its non-empty values as
// environment variables. It returns the path that was loaded, or "" when no
// file was found.
func Load(explicitPath string, log *slog.Logger) (string, error) {
	path := resolveConfigPath(explicitPath)
	if path == "" {
		log.Debug("config: no YAML config file found, using env vars only")
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applied := 0
	for _, m := range envMapping {
		yamlVal := m.value(&cfg)
		if yamlVal == "" {
			continue
		}
		if os.Getenv(m.envKey) != "" {
			continue
		}
		if err := os.Setenv(m.envKey, yamlVal); err != nil {
			return "", fmt.Errorf("config: set %s: %w", m.envKey, err)
		}
		applied++
	}

	log.Info("config: loaded YAML config",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
	)
	return path, nil
}

// resolveConfigPath returns the first config file path that exists.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	if envPath := os.Getenv("KPMATCH_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".kpmatch", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if _, err := os.Stat("kpmatch.yaml"); err == nil {
		return "kpmatch.yaml"
	}
	return ""
}

// DefaultDir returns ~/.kpmatch, the home of the default index and history DB.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".kpmatch"), nil
}

func intStr(v int) string {
	if v == 0 {
		return ""
	}
	return strconv.Itoa(v)
}

func floatStr(v float64) string {
	if v == 0 {
		return ""
	}
	return strings.TrimRight(strings.TrimRight(strconv.FormatFloat(v, 'f', 4, 64), "0"), ".")
}

func boolStr(v bool) string {
	if !v {
		return ""
	}
	return "true"
}

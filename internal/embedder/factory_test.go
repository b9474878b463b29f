package embedder

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func clearEmbeddingEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"EMBEDDING_PROVIDER", "MODEL_PROVIDER", "EMBEDDING_MODEL", "EMBEDDING_API_KEY",
		"EMBEDDING_ENDPOINT", "EMBEDDING_DIMENSIONS", "EMBEDDING_RATE_LIMIT", "EMBEDDING_TIMEOUT",
		"OPENAI_API_KEY", "AZURE_OPENAI_API_KEY", "AZURE_OPENAI_ENDPOINT", "GOOGLE_API_KEY", "OLLAMA_HOST",
	} {
		t.Setenv(k, "")
	}
}

func TestNewFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantID  string
		wantErr string
	}{
		{name: "default ollama", wantID: "ollama:nomic-embed-text"},
		{name: "inherits model provider", env: map[string]string{"MODEL_PROVIDER": "openai", "OPENAI_API_KEY": "k"}, wantID: "openai:text-embedding-3-small"},
		{name: "hash with dims", env: map[string]string{"EMBEDDING_PROVIDER": "hash", "EMBEDDING_DIMENSIONS": "64"}, wantID: "hash:v1@64"},
		{name: "azure missing endpoint", env: map[string]string{"EMBEDDING_PROVIDER": "azure", "EMBEDDING_API_KEY": "k"}, wantErr: "AZURE_OPENAI_ENDPOINT"},
		{name: "openai missing key", env: map[string]string{"EMBEDDING_PROVIDER": "openai"}, wantErr: "OPENAI_API_KEY"},
		{name: "unknown", env: map[string]string{"EMBEDDING_PROVIDER": "bedrock"}, wantErr: "unknown backend"},
		{name: "bad rate", env: map[string]string{"EMBEDDING_PROVIDER": "hash", "EMBEDDING_RATE_LIMIT": "fast"}, wantErr: "EMBEDDING_RATE_LIMIT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEmbeddingEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			e, err := NewFromEnv(context.Background())
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("NewFromEnv() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewFromEnv() error = %v", err)
			}
			if got := e.ModelID(); got != tt.wantID {
				t.Errorf("ModelID = %q, want %q", got, tt.wantID)
			}
		})
	}
}

func TestNewFromEnv_WrapsLimited(t *testing.T) {
	clearEmbeddingEnv(t)
	t.Setenv("EMBEDDING_PROVIDER", "hash")
	t.Setenv("EMBEDDING_TIMEOUT", "2s")

	e, err := NewFromEnv(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := e.(*Limited); !ok {
		t.Fatalf("expected *Limited, got %T", e)
	}
}

type slowEmbedder struct{}

func (slowEmbedder) ModelID() string { return "slow" }
func (slowEmbedder) Embed(ctx context.Context, _ []string) ([][]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestLimited_Timeout(t *testing.T) {
	t.Parallel()

	l := NewLimited(slowEmbedder{}, LimitConfig{Timeout: 10 * time.Millisecond})
	_, err := l.Embed(context.Background(), []string{"x"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Embed error = %v, want deadline exceeded", err)
	}
	if l.ModelID() != "slow" {
		t.Errorf("ModelID = %q", l.ModelID())
	}
}

func TestValidate(t *testing.T) {
	clearEmbeddingEnv(t)
	t.Setenv("EMBEDDING_PROVIDER", "gemini")
	if err := Validate(slog.Default()); err == nil {
		t.Fatal("expected error for gemini without key")
	}
	t.Setenv("GOOGLE_API_KEY", "g")
	if err := Validate(slog.Default()); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLooksLikeChatModel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model string
		want  bool
	}{
		{"gpt-4o", true},
		{"llama3:8b", true},
		{"nomic-embed-text", false},
		{"text-embedding-3-small", false},
		{"gemini-embedding-001", false},
	}
	for _, tt := range tests {
		if got := looksLikeChatModel(tt.model); got != tt.want {
			t.Errorf("looksLikeChatModel(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}

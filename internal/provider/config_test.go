package provider

import (
	"strings"
	"testing"
)

// providerEnv lists every variable ConfigFromEnv reads so each case starts
// from a clean slate.
var providerEnv = []string{
	"MODEL_PROVIDER", "OLLAMA_HOST", "OLLAMA_MODEL", "OPENAI_API_KEY", "OPENAI_MODEL",
	"AZURE_OPENAI_API_KEY", "AZURE_OPENAI_ENDPOINT", "AZURE_OPENAI_DEPLOYMENT", "AZURE_OPENAI_API_VERSION",
	"ARK_API_KEY", "ARK_BASE_URL", "ARK_MODEL", "GOOGLE_API_KEY", "GEMINI_MODEL",
	"MODEL_MAX_TOKENS", "MODEL_TEMPERATURE",
}

func TestConfigFromEnv_Validate(t *testing.T) {
	tests := []struct {
		name      string
		env       map[string]string
		wantModel string
		// wantErr names the variable Validate should ask for.
		wantErr string
	}{
		{
			name:      "ollama defaults",
			env:       map[string]string{},
			wantModel: "ollama:llama3",
		},
		{
			name:      "openai default model",
			env:       map[string]string{"MODEL_PROVIDER": "openai", "OPENAI_API_KEY": "sk"},
			wantModel: "openai:gpt-4o-mini",
		},
		{
			name:    "openai without key",
			env:     map[string]string{"MODEL_PROVIDER": "openai"},
			wantErr: "OPENAI_API_KEY",
		},
		{
			name: "azure names the deployment",
			env: map[string]string{
				"MODEL_PROVIDER":          "azure",
				"AZURE_OPENAI_API_KEY":    "k",
				"AZURE_OPENAI_ENDPOINT":   "https://x.openai.azure.com",
				"AZURE_OPENAI_DEPLOYMENT": "gpt-4o",
			},
			wantModel: "azure:gpt-4o",
		},
		{
			name:    "azure without endpoint",
			env:     map[string]string{"MODEL_PROVIDER": "azure", "AZURE_OPENAI_API_KEY": "k", "AZURE_OPENAI_DEPLOYMENT": "d"},
			wantErr: "AZURE_OPENAI_ENDPOINT",
		},
		{
			name:    "azure without deployment",
			env:     map[string]string{"MODEL_PROVIDER": "azure", "AZURE_OPENAI_API_KEY": "k", "AZURE_OPENAI_ENDPOINT": "e"},
			wantErr: "AZURE_OPENAI_DEPLOYMENT",
		},
		{
			name:      "ark",
			env:       map[string]string{"MODEL_PROVIDER": "ark", "ARK_API_KEY": "k", "ARK_MODEL": "doubao-pro-32k"},
			wantModel: "ark:doubao-pro-32k",
		},
		{
			name:    "ark has no default model",
			env:     map[string]string{"MODEL_PROVIDER": "ark", "ARK_API_KEY": "k"},
			wantErr: "ARK_MODEL",
		},
		{
			name:      "gemini default model",
			env:       map[string]string{"MODEL_PROVIDER": "gemini", "GOOGLE_API_KEY": "AIza"},
			wantModel: "gemini:gemini-2.0-flash",
		},
		{
			name:    "gemini without key",
			env:     map[string]string{"MODEL_PROVIDER": "gemini"},
			wantErr: "GOOGLE_API_KEY",
		},
		{
			name:    "unknown backend",
			env:     map[string]string{"MODEL_PROVIDER": "bedrock"},
			wantErr: "unknown backend",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for _, k := range providerEnv {
				t.Setenv(k, tc.env[k])
			}
			cfg := ConfigFromEnv()
			err := cfg.Validate()

			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("Validate() = %v, want error naming %s", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() unexpected error: %v", err)
			}
			if got := cfg.ModelName(); got != tc.wantModel {
				t.Errorf("ModelName() = %q, want %q", got, tc.wantModel)
			}
		})
	}
}

func TestConfigFromEnv_Tuning(t *testing.T) {
	for _, k := range providerEnv {
		t.Setenv(k, "")
	}
	if got := ConfigFromEnv().Tuning; got.MaxTokens != 8 || got.Temperature != 0 {
		t.Errorf("default tuning = %+v, want MaxTokens 8, Temperature 0", got)
	}

	t.Setenv("MODEL_MAX_TOKENS", "16")
	t.Setenv("MODEL_TEMPERATURE", "0.2")
	if got := ConfigFromEnv().Tuning; got.MaxTokens != 16 || got.Temperature != float32(0.2) {
		t.Errorf("tuning = %+v", got)
	}

	// Unparseable values fall back to the defaults.
	t.Setenv("MODEL_MAX_TOKENS", "lots")
	if got := ConfigFromEnv().Tuning.MaxTokens; got != 8 {
		t.Errorf("MaxTokens = %d, want fallback 8", got)
	}
}

func TestIsAzureReasoningModel(t *testing.T) {
	t.Parallel()

	reasoning := []string{"o1", "o1-mini", "o3-pro", "o4-mini", "O3-Mini", "codex-mini"}
	standard := []string{"gpt-4o", "gpt-4.1", "gpt-35-turbo", "gpt-5.2-codex", "my-deployment", ""}

	for _, d := range reasoning {
		if !isAzureReasoningModel(d) {
			t.Errorf("isAzureReasoningModel(%q) = false, want true", d)
		}
	}
	for _, d := range standard {
		if isAzureReasoningModel(d) {
			t.Errorf("isAzureReasoningModel(%q) = true, want false", d)
		}
	}
}

// Package tracing wires the two tracing backends: Langfuse callbacks for
// chat model calls made by the LLM reranker, and OpenTelemetry spans for
// retrieval stages.
package tracing

import (
	"os"

	"github.com/cloudwego/eino-ext/callbacks/langfuse"
	"github.com/cloudwego/eino/callbacks"
)

// LangfuseConfig holds Langfuse credentials.
type LangfuseConfig struct {
	Host      string
	PublicKey string
	SecretKey string
}

// LangfuseConfigFromEnv reads LANGFUSE_HOST, LANGFUSE_PUBLIC_KEY and
// LANGFUSE_SECRET_KEY.
func LangfuseConfigFromEnv() LangfuseConfig {
	return LangfuseConfig{
		Host:      os.Getenv("LANGFUSE_HOST"),
		PublicKey: os.Getenv("LANGFUSE_PUBLIC_KEY"),
		SecretKey: os.Getenv("LANGFUSE_SECRET_KEY"),
	}
}

// Enabled reports whether both keys are present.
func (c LangfuseConfig) Enabled() bool {
	return c.PublicKey != "" && c.SecretKey != ""
}

// SetupLangfuse returns the handlers to pass to the LLM scorer and a flush
// function to call before exit. When Langfuse is not configured the handler
// slice is empty and flush is a no-op.
func SetupLangfuse(cfg LangfuseConfig) ([]callbacks.Handler, func()) {
	if !cfg.Enabled() {
		return nil, func() {}
	}
	host := cfg.Host
	if host == "" {
		host = "http://localhost:3000"
	}
	handler, flush := langfuse.NewLangfuseHandler(&langfuse.Config{
		Host:      host,
		PublicKey: cfg.PublicKey,
		SecretKey: cfg.SecretKey,
	})
	return []callbacks.Handler{handler}, flush
}

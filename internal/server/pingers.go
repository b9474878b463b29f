package server

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// PingFunc adapts a probe function to the Pinger interface. It is used for
// dependencies that already expose Ping(ctx) error, such as the HTTP
// rerank scorer and embedder endpoints.
type PingFunc struct {
	Label string
	Fn    func(ctx context.Context) error
}

// Name returns the dependency label.
func (p PingFunc) Name() string { return p.Label }

// Ping calls Fn.
func (p PingFunc) Ping(ctx context.Context) error { return p.Fn(ctx) }

// LLMPinger probes the chat model behind the LLM rerank scorer with a
// one-message Generate call. Each probe consumes a few tokens, so it is
// only registered when the LLM scorer is active.
type LLMPinger struct {
	model model.BaseChatModel
	name  string
}

// NewLLMPinger constructs an LLMPinger for m, labelled name (e.g. "ollama").
func NewLLMPinger(m model.BaseChatModel, name string) *LLMPinger {
	return &LLMPinger{model: m, name: name}
}

// Name returns the backend label used in readiness responses.
func (p *LLMPinger) Name() string { return p.name }

// Ping sends a minimal prompt and expects any non-nil reply.
func (p *LLMPinger) Ping(ctx context.Context) error {
	resp, err := p.model.Generate(ctx, []*schema.Message{schema.UserMessage("ping")})
	if err != nil {
		return fmt.Errorf("generate failed: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("generate returned nil response")
	}
	return nil
}

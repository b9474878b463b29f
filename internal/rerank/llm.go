package rerank

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/kpmatch-go/internal/budget"
)

const llmSystemPrompt = `You grade how well a knowledge point answers a student's question.
Reply with a single number from 0 (unrelated) to 10 (exactly what the student needs). No other text.`

// ratingMidpoint is subtracted from the 0-10 rating so that sigmoid maps an
// indifferent rating to 0.5.
const ratingMidpoint = 5

var ratingPattern = regexp.MustCompile(`\d+(?:\.\d+)?`)

// LLMScorer asks a chat model to rate each candidate. It is a fallback for
// deployments without a cross-encoder; one model call is made per candidate.
type LLMScorer struct {
	model           model.BaseChatModel
	name            string
	maxPromptTokens int
	concurrency     int
	handlers        []callbacks.Handler
}

// LLMConfig holds the settings for constructing an LLMScorer.
type LLMConfig struct {
	// Model is the chat model used for grading.
	Model model.BaseChatModel
	// Name identifies the model in ModelID, e.g. "ollama:llama3".
	Name string
	// MaxPromptTokens caps each grading prompt. Zero uses budget.DefaultMaxPromptTokens.
	MaxPromptTokens int
	// Concurrency caps in-flight model calls. Zero means 4.
	Concurrency int
	// Handlers receive eino callbacks for every model call (e.g. Langfuse).
	Handlers []callbacks.Handler
}

// NewLLMScorer constructs an LLMScorer.
func NewLLMScorer(cfg *LLMConfig) (*LLMScorer, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("rerank: llm scorer requires a chat model")
	}
	s := &LLMScorer{
		model:           cfg.Model,
		name:            cfg.Name,
		maxPromptTokens: cfg.MaxPromptTokens,
		concurrency:     cfg.Concurrency,
		handlers:        cfg.Handlers,
	}
	if s.maxPromptTokens <= 0 {
		s.maxPromptTokens = budget.DefaultMaxPromptTokens
	}
	if s.concurrency <= 0 {
		s.concurrency = 4
	}
	return s, nil
}

// ModelID returns "llm:<name>".
func (s *LLMScorer) ModelID() string { return "llm:" + s.name }

// Score grades every text. The first failure cancels the remaining calls.
func (s *LLMScorer) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(s.handlers) > 0 {
		ctx = callbacks.InitCallbacks(ctx, &callbacks.RunInfo{
			Name:      "rerank",
			Type:      "LLMScorer",
			Component: components.ComponentOfChatModel,
		}, s.handlers...)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		scores   = make([]float64, len(texts))
		sem      = make(chan struct{}, s.concurrency)
	)
	for i, text := range texts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			score, err := s.scoreOne(ctx, query, text)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("candidate %d: %w", i, err)
					cancel()
				}
				mu.Unlock()
				return
			}
			scores[i] = score
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return scores, nil
}

func (s *LLMScorer) scoreOne(ctx context.Context, query, text string) (float64, error) {
	msgs := []*schema.Message{
		schema.SystemMessage(llmSystemPrompt),
		schema.UserMessage(fmt.Sprintf("Question: %s\n\nKnowledge point: %s", query, text)),
	}
	if !budget.FitLast(msgs, s.maxPromptTokens) {
		return 0, fmt.Errorf("llm scorer: prompt exceeds %d tokens", s.maxPromptTokens)
	}

	resp, err := s.model.Generate(ctx, msgs)
	if err != nil {
		return 0, fmt.Errorf("llm scorer: generate: %w", err)
	}
	rating, err := parseRating(resp.Content)
	if err != nil {
		return 0, err
	}
	return rating - ratingMidpoint, nil
}

// parseRating extracts the first number in reply and clamps it to [0, 10].
func parseRating(reply string) (float64, error) {
	m := ratingPattern.FindString(reply)
	if m == "" {
		return 0, fmt.Errorf("llm scorer: no rating in reply %q", reply)
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, fmt.Errorf("llm scorer: parse rating %q: %w", m, err)
	}
	return min(max(v, 0), 10), nil
}

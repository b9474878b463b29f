// Package rerank implements the second retrieval stage: an external scorer
// rates each candidate against the query and the rating is blended with the
// first-stage similarity.
//
// The blend is fixed:
//
//	combined = 0.7 × sigmoid(raw) + 0.3 × similarity
//
// The reranker fails closed. Any scorer failure is reported as
// [kperr.ErrRerankUnavailable] (or [kperr.ErrTimeout]) and never replaced with
// first-stage order; falling back is the caller's decision.
package rerank

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/54b3r/kpmatch-go/internal/kperr"
)

const (
	// RerankWeight is the weight of the normalised scorer output.
	RerankWeight = 0.7
	// SimilarityWeight is the weight of the first-stage similarity.
	SimilarityWeight = 0.3
)

// Scorer rates how relevant each text is to query. Scores are raw,
// model-specific values where higher means more relevant.
type Scorer interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
	// ModelID identifies the scoring model for logs and stats.
	ModelID() string
}

// Candidate is one first-stage result offered for reranking.
type Candidate struct {
	ID         string
	Text       string
	Similarity float64
}

// Result is a reranked candidate.
type Result struct {
	// Index is the candidate's position in the input slice.
	Index      int
	ID         string
	Similarity float64
	// Raw is the scorer's output.
	Raw float64
	// Normalized is sigmoid(Raw), in [0, 1].
	Normalized float64
	// Combined is the ranking score.
	Combined float64
}

// Sigmoid maps a raw score into [0, 1]. It is the only normalisation used.
func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// Combine returns the blended score for a normalised rerank score and a
// similarity.
func Combine(normalized, similarity float64) float64 {
	return RerankWeight*normalized + SimilarityWeight*similarity
}

// Reranker applies a Scorer with an optional timeout. It is safe for
// concurrent use when its Scorer is.
type Reranker struct {
	scorer  Scorer
	timeout time.Duration
}

// Option configures a Reranker.
type Option func(*Reranker)

// WithTimeout bounds each scorer call. A deadline expiry yields a timeout
// error.
func WithTimeout(d time.Duration) Option {
	return func(r *Reranker) { r.timeout = d }
}

// New returns a Reranker over scorer.
func New(scorer Scorer, opts ...Option) (*Reranker, error) {
	if scorer == nil {
		return nil, fmt.Errorf("rerank: scorer must not be nil")
	}
	r := &Reranker{scorer: scorer}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// ModelID returns the scorer's model id.
func (r *Reranker) ModelID() string { return r.scorer.ModelID() }

// Rerank scores every candidate, sorts by combined score descending (ties by
// similarity descending, then id ascending) and returns the first
// min(n, len(candidates)). n <= 0 is an invalid argument. Every candidate is
// scored, including a lone one, so each result obeys the blend.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []Candidate, n int) ([]Result, error) {
	if n <= 0 {
		return nil, kperr.Newf(kperr.KindInvalidArgument, kperr.StageRerank, "rerank: n must be positive, got %d", n)
	}
	if len(candidates) == 0 {
		return []Result{}, nil
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Text
	}

	raw, err := r.scorer.Score(ctx, query, texts)
	if err != nil {
		return nil, kperr.FromContext(ctx, kperr.StageRerank, kperr.KindRerankUnavailable,
			fmt.Errorf("rerank: %s: %w", r.scorer.ModelID(), err))
	}
	if len(raw) != len(candidates) {
		return nil, kperr.Newf(kperr.KindRerankUnavailable, kperr.StageRerank,
			"rerank: scorer returned %d scores for %d candidates", len(raw), len(candidates))
	}

	results := make([]Result, len(candidates))
	for i, c := range candidates {
		if math.IsNaN(raw[i]) {
			return nil, kperr.Newf(kperr.KindRerankUnavailable, kperr.StageRerank,
				"rerank: scorer returned NaN for candidate %q", c.ID)
		}
		norm := Sigmoid(raw[i])
		results[i] = Result{
			Index:      i,
			ID:         c.ID,
			Similarity: c.Similarity,
			Raw:        raw[i],
			Normalized: norm,
			Combined:   Combine(norm, c.Similarity),
		}
	}

	slices.SortFunc(results, func(a, b Result) int {
		if c := cmp.Compare(b.Combined, a.Combined); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return results[:min(n, len(results))], nil
}

// ScorerFunc adapts a per-text scoring function to [Scorer].
type ScorerFunc struct {
	Model string
	Fn    func(ctx context.Context, query, text string) (float64, error)
}

// ModelID returns f.Model.
func (f ScorerFunc) ModelID() string { return f.Model }

// Score calls Fn for each text in order.
func (f ScorerFunc) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	out := make([]float64, len(texts))
	for i, t := range texts {
		s, err := f.Fn(ctx, query, t)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

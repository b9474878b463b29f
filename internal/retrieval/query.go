package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/54b3r/kpmatch-go/internal/enrich"
	"github.com/54b3r/kpmatch-go/internal/index"
	"github.com/54b3r/kpmatch-go/internal/knowledge"
	"github.com/54b3r/kpmatch-go/internal/kperr"
	"github.com/54b3r/kpmatch-go/internal/rerank"
	"github.com/54b3r/kpmatch-go/internal/tracing"
)

// Query modes, used in metrics and responses.
const (
	ModeSingle    = "single"
	ModeThreshold = "threshold"
	ModeRerank    = "rerank"
)

// Result is one matched knowledge point.
type Result struct {
	Point knowledge.KnowledgePoint `json:"point"`
	// Score orders the results: the combined score when reranked, otherwise
	// the similarity.
	Score      float64 `json:"score"`
	Similarity float64 `json:"similarity"`
	// RerankRaw and RerankNormalized are set only when Reranked.
	RerankRaw        float64 `json:"rerank_raw,omitempty"`
	RerankNormalized float64 `json:"rerank_normalized,omitempty"`
	Reranked         bool    `json:"reranked"`
}

// Response is the outcome of one query.
type Response struct {
	Mode  string `json:"mode"`
	Query string `json:"query"`
	// EnrichedQuery is the text that was embedded.
	EnrichedQuery string   `json:"enriched_query"`
	Results       []Result `json:"results"`
	// Degraded is set when a lenient rerank fell back to first-stage order.
	Degraded      bool   `json:"degraded,omitempty"`
	DegradeReason string `json:"degrade_reason,omitempty"`
}

// QueryOption overrides an engine default for one call.
type QueryOption func(*queryOptions)

type queryOptions struct {
	strategy enrich.Strategy
	policy   Policy
}

// WithStrategy overrides the preprocessing strategy.
func WithStrategy(s enrich.Strategy) QueryOption {
	return func(o *queryOptions) { o.strategy = s }
}

// WithPolicy overrides the rerank failure policy.
func WithPolicy(p Policy) QueryOption {
	return func(o *queryOptions) { o.policy = p }
}

func (e *Engine) options(opts []QueryOption) queryOptions {
	o := queryOptions{strategy: e.cfg.Strategy, policy: e.cfg.Policy}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Retrieve returns the k knowledge points most similar to query.
func (e *Engine) Retrieve(ctx context.Context, query string, k int, opts ...QueryOption) (resp *Response, err error) {
	start := time.Now()
	defer func() { e.observe(ModeSingle, start, err) }()

	o := e.options(opts)
	snap, enriched, hits, err := e.firstStage(ctx, query, k, o.strategy)
	if err != nil {
		return nil, err
	}
	return &Response{
		Mode:          ModeSingle,
		Query:         query,
		EnrichedQuery: enriched,
		Results:       similarityResults(snap, hits),
	}, nil
}

// RetrieveWithThreshold returns at most k points whose similarity is at
// least minSimilarity. It searches 2k candidates before filtering.
func (e *Engine) RetrieveWithThreshold(ctx context.Context, query string, k int, minSimilarity float64, opts ...QueryOption) (resp *Response, err error) {
	start := time.Now()
	defer func() { e.observe(ModeThreshold, start, err) }()

	if math.IsNaN(minSimilarity) {
		return nil, kperr.Newf(kperr.KindInvalidArgument, kperr.StageSearch, "retrieval: threshold must be a number")
	}
	if k <= 0 {
		return nil, kperr.Newf(kperr.KindQuery, kperr.StageSearch, "retrieval: k must be positive, got %d", k)
	}

	fetch := k
	if k <= math.MaxInt/2 {
		fetch = 2 * k
	}
	o := e.options(opts)
	snap, enriched, hits, err := e.firstStage(ctx, query, fetch, o.strategy)
	if err != nil {
		return nil, err
	}
	kept := hits[:0]
	for _, h := range hits {
		if h.Similarity >= minSimilarity {
			kept = append(kept, h)
		}
	}
	return &Response{
		Mode:          ModeThreshold,
		Query:         query,
		EnrichedQuery: enriched,
		Results:       similarityResults(snap, kept[:min(k, len(kept))]),
	}, nil
}

// RetrieveWithReranking searches m candidates, reranks them and returns the
// best n. It requires m >= n > 0. A stage-one failure always aborts. A
// rerank failure aborts under the strict policy; under the lenient policy
// the first n stage-one results are returned with Degraded set.
func (e *Engine) RetrieveWithReranking(ctx context.Context, query string, m, n int, opts ...QueryOption) (resp *Response, err error) {
	start := time.Now()
	defer func() { e.observe(ModeRerank, start, err) }()

	if n <= 0 || m < n {
		return nil, kperr.Newf(kperr.KindInvalidArgument, kperr.StageRerank,
			"retrieval: need m >= n > 0, got m=%d n=%d", m, n)
	}

	o := e.options(opts)
	snap, enriched, hits, err := e.firstStage(ctx, query, m, o.strategy)
	if err != nil {
		return nil, err
	}
	resp = &Response{Mode: ModeRerank, Query: query, EnrichedQuery: enriched}

	ranked, err := e.secondStage(ctx, snap, enriched, hits, n)
	if err == nil {
		resp.Results = ranked
		return resp, nil
	}
	if o.policy != PolicyLenient || ctx.Err() != nil {
		return nil, err
	}

	e.metrics.rerankDegraded.Inc()
	e.log.Warn("rerank failed, returning first-stage order",
		slog.String("stage", kperr.StageOf(err)),
		slog.Any("error", err),
	)
	resp.Degraded = true
	resp.DegradeReason = err.Error()
	resp.Results = similarityResults(snap, hits[:min(n, len(hits))])
	return resp, nil
}

// firstStage runs preprocess, embed and search. The returned snapshot is the
// one the hits refer to.
func (e *Engine) firstStage(ctx context.Context, query string, k int, strategy enrich.Strategy) (*snapshot, string, []index.Hit, error) {
	if _, err := e.ready(); err != nil {
		return nil, "", nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, "", nil, kperr.Newf(kperr.KindInvalidArgument, kperr.StagePreprocess, "retrieval: query is empty")
	}
	if k <= 0 {
		return nil, "", nil, kperr.Newf(kperr.KindQuery, kperr.StageSearch, "retrieval: k must be positive, got %d", k)
	}

	enriched, err := e.cfg.Enricher.Enrich(query, strategy)
	if err != nil {
		return nil, "", nil, err
	}

	vec, err := e.embedQuery(ctx, enriched)
	if err != nil {
		return nil, "", nil, err
	}

	_, span := tracing.Start(ctx, "retrieval.search", attribute.Int("k", k))
	searchStart := time.Now()
	e.mu.RLock()
	snap := e.snap.Load()
	hits, err := snap.index.Search(vec, k)
	e.mu.RUnlock()
	tracing.End(span, err)
	e.metrics.stageDuration.WithLabelValues(kperr.StageSearch).Observe(time.Since(searchStart).Seconds())
	if err != nil {
		return nil, "", nil, err
	}
	return snap, enriched, hits, nil
}

func (e *Engine) embedQuery(ctx context.Context, text string) (vec []float32, err error) {
	if e.cfg.EmbedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.EmbedTimeout)
		defer cancel()
	}
	ctx, span := tracing.Start(ctx, "retrieval.embed")
	defer func() { tracing.End(span, err) }()

	start := time.Now()
	out, err := e.cfg.Embedder.Embed(ctx, []string{text})
	e.metrics.stageDuration.WithLabelValues(kperr.StageEmbed).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, kperr.FromContext(ctx, kperr.StageEmbed, kperr.KindEmbedding,
			fmt.Errorf("retrieval: embed query: %w", err))
	}
	if len(out) != 1 {
		return nil, kperr.Newf(kperr.KindEmbedding, kperr.StageEmbed,
			"retrieval: embedder returned %d vectors for one query", len(out))
	}
	return out[0], nil
}

func (e *Engine) secondStage(ctx context.Context, snap *snapshot, query string, hits []index.Hit, n int) (out []Result, err error) {
	if e.cfg.Reranker == nil {
		return nil, kperr.Newf(kperr.KindRerankUnavailable, kperr.StageRerank, "retrieval: no reranker configured")
	}
	ctx, span := tracing.Start(ctx, "retrieval.rerank",
		attribute.Int("candidates", len(hits)),
		attribute.String("model", e.cfg.Reranker.ModelID()),
	)
	defer func() { tracing.End(span, err) }()

	cands := make([]rerank.Candidate, len(hits))
	for i, h := range hits {
		cands[i] = rerank.Candidate{
			ID:         h.ID,
			Text:       knowledge.RerankText(snap.store.At(h.Position)),
			Similarity: h.Similarity,
		}
	}

	start := time.Now()
	ranked, err := e.cfg.Reranker.Rerank(ctx, query, cands, n)
	e.metrics.stageDuration.WithLabelValues(kperr.StageRerank).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	out = make([]Result, len(ranked))
	for i, r := range ranked {
		out[i] = Result{
			Point:            snap.store.At(hits[r.Index].Position),
			Score:            r.Combined,
			Similarity:       r.Similarity,
			RerankRaw:        r.Raw,
			RerankNormalized: r.Normalized,
			Reranked:         true,
		}
	}
	return out, nil
}

func similarityResults(snap *snapshot, hits []index.Hit) []Result {
	out := make([]Result, len(hits))
	for i, h := range hits {
		out[i] = Result{
			Point:      snap.store.At(h.Position),
			Score:      h.Similarity,
			Similarity: h.Similarity,
		}
	}
	return out
}

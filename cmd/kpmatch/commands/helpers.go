package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/kpmatch-go/internal/config"
	"github.com/54b3r/kpmatch-go/internal/embedder"
	"github.com/54b3r/kpmatch-go/internal/enrich"
	"github.com/54b3r/kpmatch-go/internal/history"
	"github.com/54b3r/kpmatch-go/internal/knowledge"
	"github.com/54b3r/kpmatch-go/internal/provider"
	"github.com/54b3r/kpmatch-go/internal/rerank"
	"github.com/54b3r/kpmatch-go/internal/retrieval"
	"github.com/54b3r/kpmatch-go/internal/server"
	"github.com/54b3r/kpmatch-go/internal/tracing"
)

// defaultKnowledgePath is used when neither --knowledge nor
// KPMATCH_KNOWLEDGE_PATH is set.
const defaultKnowledgePath = "data/sat_knowledge_base.json"

// indexDisabled as KPMATCH_INDEX_DIR keeps the index in memory only.
const indexDisabled = "disabled"

func (o *globalOptions) resolveKnowledgePath() string {
	if o.knowledgePath != "" {
		return o.knowledgePath
	}
	if p := os.Getenv("KPMATCH_KNOWLEDGE_PATH"); p != "" {
		return p
	}
	return defaultKnowledgePath
}

// resolveIndexDir returns "" when persistence is disabled.
func (o *globalOptions) resolveIndexDir() (string, error) {
	dir := o.indexDir
	if dir == "" {
		dir = os.Getenv("KPMATCH_INDEX_DIR")
	}
	switch dir {
	case indexDisabled:
		return "", nil
	case "":
		base, err := config.DefaultDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(base, "index"), nil
	default:
		return dir, nil
	}
}

// engineOptions selects the optional parts of the engine to build.
type engineOptions struct {
	// withReranker builds the scorer selected by RERANK_BACKEND.
	withReranker bool
	// registerer receives engine metrics. Nil keeps them private.
	registerer prometheus.Registerer
}

// engineBundle is an engine plus the resources built alongside it.
type engineBundle struct {
	engine *retrieval.Engine
	// pingers probe the external services the engine depends on.
	pingers []server.Pinger
	// close flushes tracing and releases clients. Always non-nil.
	close func()
}

// buildEngine loads the knowledge base and wires the embedder, enricher and
// reranker from the environment. The engine is returned uninitialised.
func buildEngine(ctx context.Context, o *globalOptions, eo engineOptions, log *slog.Logger) (*engineBundle, error) {
	b := &engineBundle{close: func() {}}

	kbPath := o.resolveKnowledgePath()
	store, err := knowledge.Load(kbPath)
	if err != nil {
		return nil, err
	}
	log.Info("knowledge base loaded", slog.String("path", kbPath), slog.Int("points", store.Len()))

	indexDir, err := o.resolveIndexDir()
	if err != nil {
		return nil, err
	}
	mode, err := knowledge.ParseFingerprintMode(os.Getenv("KPMATCH_FINGERPRINT_MODE"))
	if err != nil {
		return nil, err
	}

	if err := embedder.Validate(log); err != nil {
		return nil, err
	}
	emb, err := embedder.NewFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}
	if p, ok := embedder.AsPinger(emb); ok {
		b.pingers = append(b.pingers, server.PingFunc{Label: "embedder", Fn: p.Ping})
	}

	enricher, strategy, err := enricherFromEnv()
	if err != nil {
		return nil, err
	}
	policy, err := retrieval.ParsePolicy(os.Getenv("RERANK_POLICY"))
	if err != nil {
		return nil, err
	}

	var reranker *rerank.Reranker
	if eo.withReranker {
		rr, pingers, closeFn, err := buildReranker(ctx, log)
		if err != nil {
			return nil, err
		}
		reranker = rr
		b.pingers = append(b.pingers, pingers...)
		b.close = closeFn
	}

	eng, err := retrieval.New(retrieval.Config{
		Store:           store,
		Embedder:        emb,
		IndexDir:        indexDir,
		FingerprintMode: mode,
		Enricher:        enricher,
		Strategy:        strategy,
		Reranker:        reranker,
		Policy:          policy,
		Logger:          log,
		Registerer:      eo.registerer,
	})
	if err != nil {
		b.close()
		return nil, err
	}
	b.engine = eng
	return b, nil
}

// initEngine builds and initialises an engine, closing the bundle on failure.
func initEngine(ctx context.Context, o *globalOptions, eo engineOptions, log *slog.Logger) (*engineBundle, error) {
	b, err := buildEngine(ctx, o, eo, log)
	if err != nil {
		return nil, err
	}
	if err := b.engine.Initialize(ctx); err != nil {
		b.close()
		return nil, err
	}
	return b, nil
}

// enricherFromEnv loads KPMATCH_ENRICH_TABLE (or the embedded default) and
// the default strategy from KPMATCH_ENRICH_STRATEGY. The binary defaults to
// auto when the variable is unset.
func enricherFromEnv() (*enrich.Enricher, enrich.Strategy, error) {
	table := enrich.DefaultTable()
	if p := os.Getenv("KPMATCH_ENRICH_TABLE"); p != "" {
		t, err := enrich.LoadTable(p)
		if err != nil {
			return nil, "", err
		}
		table = t
	}
	strategy, err := enrich.ParseStrategy(config.EnvOr("KPMATCH_ENRICH_STRATEGY", string(enrich.Auto)))
	if err != nil {
		return nil, "", err
	}
	return enrich.New(table), strategy, nil
}

// buildReranker constructs the scorer named by RERANK_BACKEND:
//
//	none  no reranker; reranked queries fail (strict) or degrade (lenient)
//	http  cross-encoder at RERANK_ENDPOINT
//	llm   LLM judge over the chat model selected by MODEL_PROVIDER
func buildReranker(ctx context.Context, log *slog.Logger) (*rerank.Reranker, []server.Pinger, func(), error) {
	noop := func() {}
	timeout, err := config.EnvDuration("RERANK_TIMEOUT", 0)
	if err != nil {
		return nil, nil, noop, err
	}

	var (
		scorer  rerank.Scorer
		pingers []server.Pinger
		closeFn = noop
	)
	switch backend := strings.ToLower(os.Getenv("RERANK_BACKEND")); backend {
	case "", "none":
		log.Info("reranker disabled", slog.String("reason", "RERANK_BACKEND not set"))
		return nil, nil, noop, nil

	case "http":
		s, err := rerank.NewHTTPScorer(&rerank.HTTPConfig{
			Endpoint: os.Getenv("RERANK_ENDPOINT"),
			Model:    os.Getenv("RERANK_MODEL"),
			APIKey:   os.Getenv("RERANK_API_KEY"),
			Timeout:  timeout,
		})
		if err != nil {
			return nil, nil, noop, fmt.Errorf("%w (set RERANK_ENDPOINT)", err)
		}
		scorer = s
		pingers = append(pingers, server.PingFunc{Label: "reranker", Fn: s.Ping})

	case "llm":
		chatModel, pcfg, err := provider.NewFromEnv(ctx)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("failed to initialise model provider: %w", err)
		}
		handlers, flush := tracing.SetupLangfuse(tracing.LangfuseConfigFromEnv())
		if len(handlers) > 0 {
			log.Info("langfuse tracing enabled for the llm reranker")
		}
		closeFn = flush
		s, err := rerank.NewLLMScorer(&rerank.LLMConfig{
			Model:       chatModel,
			Name:        pcfg.ModelName(),
			Concurrency: config.EnvInt("RERANK_CONCURRENCY", 0),
			Handlers:    handlers,
		})
		if err != nil {
			flush()
			return nil, nil, noop, err
		}
		scorer = s
		pingers = append(pingers, server.NewLLMPinger(chatModel, string(pcfg.Backend)))

	default:
		return nil, nil, noop, fmt.Errorf("unknown RERANK_BACKEND %q (valid: none, http, llm)", backend)
	}

	var rerankOpts []rerank.Option
	if timeout > 0 {
		rerankOpts = append(rerankOpts, rerank.WithTimeout(timeout))
	}
	rr, err := rerank.New(scorer, rerankOpts...)
	if err != nil {
		closeFn()
		return nil, nil, noop, err
	}
	log.Info("reranker initialised", slog.String("model", rr.ModelID()))
	return rr, pingers, closeFn, nil
}

// openHistory opens the query log. KPMATCH_HISTORY_DB overrides the default
// path (~/.kpmatch/history.db); "disabled" turns it off. Failures disable
// history with a warning rather than failing the command.
func openHistory(log *slog.Logger) history.Recorder {
	path := os.Getenv("KPMATCH_HISTORY_DB")
	if path == "disabled" {
		log.Debug("history: disabled via KPMATCH_HISTORY_DB=disabled")
		return history.Nop{}
	}
	if path == "" {
		p, err := history.DefaultDBPath()
		if err != nil {
			log.Warn("history: could not resolve default DB path, disabling", slog.Any("error", err))
			return history.Nop{}
		}
		path = p
	}
	hs, err := history.Open(path)
	if err != nil {
		log.Warn("history: failed to open store, disabling", slog.Any("error", err))
		return history.Nop{}
	}
	log.Debug("history: store opened", slog.String("path", path))
	return hs
}

// Package retrieval composes the knowledge store, query preprocessor,
// embedder, vector index and reranker into the matching engine.
//
// An [Engine] starts Uninitialized. [Engine.Initialize] loads the persisted
// index when it is still valid for the current collection and embedding
// model, and otherwise rebuilds and persists it; only then can queries be
// served. Queries never mutate engine state. [Engine.UpdateIndex] and
// [Engine.ReloadContent] build a replacement off to the side and swap it in
// under an exclusive lock, so a query sees either the old index or the new
// one and never a mix.
package retrieval

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/kpmatch-go/internal/embedder"
	"github.com/54b3r/kpmatch-go/internal/enrich"
	"github.com/54b3r/kpmatch-go/internal/index"
	"github.com/54b3r/kpmatch-go/internal/knowledge"
	"github.com/54b3r/kpmatch-go/internal/rerank"
)

// ErrNotReady is returned by queries and updates before a successful
// Initialize, and after a failed one.
var ErrNotReady = errors.New("retrieval: engine is not initialised")

// State is the engine lifecycle state.
type State int32

const (
	// StateUninitialized means Initialize has not run.
	StateUninitialized State = iota
	// StateReady means an index is loaded and queries are served.
	StateReady
	// StateFailed means Initialize failed. Call Initialize again to recover.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Policy decides what happens when the second stage fails.
type Policy int

const (
	// PolicyStrict returns the rerank failure to the caller.
	PolicyStrict Policy = iota
	// PolicyLenient returns the first-stage order, flagged as degraded.
	PolicyLenient
)

func (p Policy) String() string {
	if p == PolicyLenient {
		return "lenient"
	}
	return "strict"
}

// ParsePolicy parses "strict" or "lenient". The empty string is strict.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return PolicyStrict, nil
	case "lenient":
		return PolicyLenient, nil
	default:
		return PolicyStrict, fmt.Errorf("retrieval: unknown rerank policy %q (want strict or lenient)", s)
	}
}

// Config is everything an Engine needs. Store and Embedder are required.
type Config struct {
	Store    *knowledge.Store
	Embedder embedder.Embedder
	// IndexDir is where the index is persisted. Empty keeps it in memory.
	IndexDir        string
	FingerprintMode knowledge.FingerprintMode

	// Enricher defaults to the embedded expansion table.
	Enricher *enrich.Enricher
	// Strategy is the default preprocessing strategy. Empty means none.
	Strategy enrich.Strategy

	// Reranker is optional. Without one, reranked queries fail under the
	// strict policy and degrade under the lenient one.
	Reranker *rerank.Reranker
	Policy   Policy

	// EmbedTimeout bounds the query embedding call. Zero means no bound.
	EmbedTimeout time.Duration

	Logger *slog.Logger
	// Registerer receives the engine metrics. Nil uses a private registry.
	Registerer prometheus.Registerer
}

// snapshot is the unit that is swapped: a store and the index built from it.
type snapshot struct {
	store  *knowledge.Store
	index  *index.Index
	source string
	// persisted reports whether the index is committed under IndexDir.
	persisted bool
}

// Engine is the retrieval orchestrator. It is safe for concurrent use.
type Engine struct {
	cfg     Config
	log     *slog.Logger
	metrics *engineMetrics

	state atomic.Int32
	snap  atomic.Pointer[snapshot]

	// mu makes saving and swapping exclusive with the search step.
	mu sync.RWMutex
	// updateMu serialises Initialize, UpdateIndex and ReloadContent.
	updateMu sync.Mutex
}

// New validates cfg and returns an uninitialised Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("retrieval: a knowledge store is required")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("retrieval: an embedder is required")
	}
	if cfg.Enricher == nil {
		cfg.Enricher = enrich.New(enrich.DefaultTable())
	}
	if cfg.Strategy == "" {
		cfg.Strategy = enrich.None
	}
	if cfg.FingerprintMode == "" {
		cfg.FingerprintMode = knowledge.FingerprintMTime
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Engine{
		cfg:     cfg,
		log:     cfg.Logger.With(slog.String("component", "retrieval")),
		metrics: newEngineMetrics(reg),
	}, nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Store returns the knowledge store currently served, or the configured
// store before Initialize.
func (e *Engine) Store() *knowledge.Store {
	if s := e.snap.Load(); s != nil {
		return s.store
	}
	return e.cfg.Store
}

// Snapshot returns the store and index currently served. The pair is
// consistent: the index was built from that store.
func (e *Engine) Snapshot() (*knowledge.Store, *index.Index, error) {
	snap, err := e.ready()
	if err != nil {
		return nil, nil, err
	}
	return snap.store, snap.index, nil
}

// ready returns the current snapshot or ErrNotReady.
func (e *Engine) ready() (*snapshot, error) {
	if e.State() != StateReady {
		return nil, ErrNotReady
	}
	return e.snap.Load(), nil
}

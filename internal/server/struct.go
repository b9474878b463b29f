package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/kpmatch-go/internal/history"
	"github.com/54b3r/kpmatch-go/internal/knowledge"
	"github.com/54b3r/kpmatch-go/internal/retrieval"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// QueryTimeout bounds one search or rerank request (default: 30s).
	QueryTimeout time.Duration
	// RebuildTimeout bounds POST /api/index/rebuild (default: 10m).
	RebuildTimeout time.Duration
	// MaxResults caps k and m on search requests (default: 100).
	MaxResults int
	// RerankCandidates is m when a rerank request omits it (default: 20).
	RerankCandidates int
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on protected
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// History records every search. Nil disables recording.
	History history.Recorder
	// MetricsRegistry receives the server metrics. Nil uses the default registerer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer backs GET /metrics. Nil uses the default gatherer.
	MetricsGatherer prometheus.Gatherer
}

// engine is the subset of *retrieval.Engine the handlers call.
type engine interface {
	Retrieve(ctx context.Context, query string, k int, opts ...retrieval.QueryOption) (*retrieval.Response, error)
	RetrieveWithThreshold(ctx context.Context, query string, k int, minSimilarity float64, opts ...retrieval.QueryOption) (*retrieval.Response, error)
	RetrieveWithReranking(ctx context.Context, query string, m, n int, opts ...retrieval.QueryOption) (*retrieval.Response, error)
	UpdateIndex(ctx context.Context) error
	ReloadContent(ctx context.Context) error
	Stats() retrieval.Stats
	Store() *knowledge.Store
}

// Server exposes a retrieval engine over HTTP.
type Server struct {
	// engine answers every search and index request.
	engine engine
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// history records searches; never nil after New.
	history history.Recorder
	// metrics holds the Prometheus collectors for this server.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// searchRequest is the JSON body for POST /api/search.
type searchRequest struct {
	Query string `json:"query"`
	// K is the number of results (default 5).
	K int `json:"k"`
	// Threshold, when set, drops results below this similarity.
	Threshold *float64 `json:"threshold,omitempty"`
	// Strategy overrides the preprocessing strategy.
	Strategy string `json:"strategy,omitempty"`
}

// rerankRequest is the JSON body for POST /api/search/rerank.
type rerankRequest struct {
	Query string `json:"query"`
	// M is the first-stage candidate count (default 20).
	M int `json:"m"`
	// N is the number of results returned (default 5).
	N        int    `json:"n"`
	Strategy string `json:"strategy,omitempty"`
	// Policy is "strict" or "lenient"; empty uses the engine default.
	Policy string `json:"policy,omitempty"`
}

// rebuildRequest is the optional JSON body for POST /api/index/rebuild.
type rebuildRequest struct {
	// Reload re-reads the knowledge file before rebuilding.
	Reload bool `json:"reload"`
}

// errorResponse is the JSON body of every non-2xx API response.
type errorResponse struct {
	Error string `json:"error"`
	// Kind is the engine error kind, e.g. "invalid argument".
	Kind string `json:"kind,omitempty"`
	// Stage is the pipeline stage that failed, e.g. "rerank".
	Stage string `json:"stage,omitempty"`
}

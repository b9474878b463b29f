// Package server exposes the retrieval engine over a small JSON API.
// The server is started by the `kpmatch serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/54b3r/kpmatch-go/internal/history"
	"github.com/54b3r/kpmatch-go/internal/logging"
	"github.com/54b3r/kpmatch-go/internal/version"
)

// New constructs a Server around eng. eng must already be initialised or be
// initialised before traffic arrives; until then searches return 503.
func New(eng engine, cfg *Config) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("server: engine must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.RebuildTimeout == 0 {
		cfg.RebuildTimeout = 10 * time.Minute
	}
	if cfg.WriteTimeout == 0 {
		// Rebuilds are synchronous, so the write deadline must cover them.
		cfg.WriteTimeout = cfg.RebuildTimeout + 30*time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	if cfg.MaxResults == 0 {
		cfg.MaxResults = 100
	}
	if cfg.RerankCandidates == 0 {
		cfg.RerankCandidates = defaultM
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.MetricsRegistry == nil {
		cfg.MetricsRegistry = prometheus.DefaultRegisterer
	}
	if cfg.MetricsGatherer == nil {
		cfg.MetricsGatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		engine:  eng,
		cfg:     cfg,
		log:     cfg.Logger.With(slog.String("component", "server")),
		pingers: cfg.Pingers,
		history: cfg.History,
		metrics: newServerMetrics(cfg.MetricsRegistry),
	}
	if s.history == nil {
		s.history = history.Nop{}
	}

	rl, stop := newRateLimiter(cfg.RateLimit, cfg.RateBurst, s.metrics)
	s.stopRL = stop

	if cfg.APIKey == "" {
		s.log.Warn("API authentication disabled: set KPMATCH_API_KEY to protect /api routes")
	}
	protect := func(h http.HandlerFunc) http.Handler {
		return authMiddleware(cfg.APIKey, rl.middleware(h))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/search", protect(s.handleSearch))
	mux.Handle("POST /api/search/rerank", protect(s.handleRerank))
	mux.Handle("POST /api/index/rebuild", protect(s.handleRebuild))
	mux.Handle("GET /api/index", protect(s.handleIndex))
	mux.Handle("GET /api/points/{id}", protect(s.handlePoint))
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.MetricsGatherer, promhttp.HandlerOpts{}))

	handler := requestLogger(s.log, s.instrument(mux))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      otelhttp.NewHandler(handler, "kpmatch"),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	defer s.stopRL()
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{
		"status":  "ok",
		"engine":  s.engine.Stats().State,
		"version": version.Version,
	})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("response encode error", slog.Any("error", err))
	}
}

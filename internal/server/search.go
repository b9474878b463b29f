package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/54b3r/kpmatch-go/internal/enrich"
	"github.com/54b3r/kpmatch-go/internal/history"
	"github.com/54b3r/kpmatch-go/internal/kperr"
	"github.com/54b3r/kpmatch-go/internal/logging"
	"github.com/54b3r/kpmatch-go/internal/retrieval"
)

const (
	defaultK = 5
	defaultM = 20
	defaultN = 5
	// maxBodyBytes caps request bodies on the JSON endpoints.
	maxBodyBytes = 64 << 10
)

// handleSearch handles POST /api/search: single-stage retrieval, optionally
// filtered by a similarity threshold.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.K == 0 {
		req.K = defaultK
	}
	if req.K > s.cfg.MaxResults {
		writeBadRequest(w, r, fmt.Sprintf("k must be at most %d", s.cfg.MaxResults))
		return
	}
	opts, ok := s.queryOptions(w, r, req.Strategy, "")
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.QueryTimeout)
	defer cancel()

	params := history.Params{Mode: retrieval.ModeSingle, Strategy: req.Strategy, K: req.K}
	start := time.Now()
	var (
		resp *retrieval.Response
		err  error
	)
	if req.Threshold != nil {
		params.Mode, params.Threshold = retrieval.ModeThreshold, *req.Threshold
		resp, err = s.engine.RetrieveWithThreshold(ctx, req.Query, req.K, *req.Threshold, opts...)
	} else {
		resp, err = s.engine.Retrieve(ctx, req.Query, req.K, opts...)
	}
	s.finish(w, r, req.Query, params, resp, err, time.Since(start))
}

// handleRerank handles POST /api/search/rerank: retrieve m candidates and
// rerank them down to n.
func (s *Server) handleRerank(w http.ResponseWriter, r *http.Request) {
	var req rerankRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.M == 0 {
		req.M = s.cfg.RerankCandidates
	}
	if req.N == 0 {
		req.N = min(defaultN, req.M)
	}
	if req.M > s.cfg.MaxResults {
		writeBadRequest(w, r, fmt.Sprintf("m must be at most %d", s.cfg.MaxResults))
		return
	}
	opts, ok := s.queryOptions(w, r, req.Strategy, req.Policy)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.QueryTimeout)
	defer cancel()

	params := history.Params{Mode: retrieval.ModeRerank, Strategy: req.Strategy, M: req.M, N: req.N}
	start := time.Now()
	resp, err := s.engine.RetrieveWithReranking(ctx, req.Query, req.M, req.N, opts...)
	s.finish(w, r, req.Query, params, resp, err, time.Since(start))
}

// finish records the query in history and writes the response or error.
func (s *Server) finish(w http.ResponseWriter, r *http.Request, query string, p history.Params, resp *retrieval.Response, err error, latency time.Duration) {
	log := logging.FromContext(r.Context())

	if recErr := s.history.Record(r.Context(), history.NewEntry("http", query, p, resp, latency, err)); recErr != nil {
		log.Warn("history record failed", slog.Any("error", recErr))
	}
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.metrics.searchResults.WithLabelValues(resp.Mode).Observe(float64(len(resp.Results)))
	if resp.Degraded {
		log.Warn("rerank degraded", slog.String("reason", resp.DegradeReason))
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) queryOptions(w http.ResponseWriter, r *http.Request, strategy, policy string) ([]retrieval.QueryOption, bool) {
	var opts []retrieval.QueryOption
	if strategy != "" {
		st, err := enrich.ParseStrategy(strategy)
		if err != nil {
			s.writeEngineError(w, r, err)
			return nil, false
		}
		opts = append(opts, retrieval.WithStrategy(st))
	}
	if policy != "" {
		p, err := retrieval.ParsePolicy(policy)
		if err != nil {
			writeBadRequest(w, r, err.Error())
			return nil, false
		}
		opts = append(opts, retrieval.WithPolicy(p))
	}
	return opts, true
}

// decodeBody reads a JSON body into v. Unknown fields are rejected. It
// writes the 400 itself and reports false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeBadRequest(w, r, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: msg, Kind: kperr.KindInvalidArgument.String()})
}

// writeEngineError maps an engine error onto an HTTP status.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorResponse{Error: err.Error(), Stage: kperr.StageOf(err)}
	if k := kperr.KindOf(err); k != 0 {
		body.Kind = k.String()
	}
	log := logging.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", slog.Int("status", status), slog.String("stage", body.Stage), slog.Any("error", err))
	} else {
		log.Info("request rejected", slog.Int("status", status), slog.Any("error", err))
	}
	writeJSON(w, r, status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, retrieval.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, kperr.ErrInvalidArgument), errors.Is(err, kperr.ErrQuery):
		return http.StatusBadRequest
	case errors.Is(err, kperr.ErrRerankUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, kperr.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, kperr.ErrEmbedding):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		// The client went away; the status is never seen.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

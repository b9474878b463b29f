package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/54b3r/kpmatch-go/internal/logging"
)

// handleRebuild handles POST /api/index/rebuild. The body is optional;
// {"reload": true} re-reads the knowledge file first. Queries keep being
// served from the old index until the new one is swapped in.
func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	var req rebuildRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RebuildTimeout)
	defer cancel()

	log := logging.FromContext(r.Context())
	start := time.Now()
	var err error
	if req.Reload {
		err = s.engine.ReloadContent(ctx)
	} else {
		err = s.engine.UpdateIndex(ctx)
	}
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	st := s.engine.Stats()
	log.Info("index rebuilt",
		slog.Bool("reload", req.Reload),
		slog.Int("vectors", st.Vectors),
		slog.Duration("duration", time.Since(start)),
	)
	writeJSON(w, r, http.StatusOK, st)
}

// handleIndex handles GET /api/index and reports engine and index stats.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.engine.Stats())
}

// handlePoint handles GET /api/points/{id}.
func (s *Server) handlePoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	kp, ok := s.engine.Store().ByID(id)
	if !ok {
		writeJSON(w, r, http.StatusNotFound, errorResponse{Error: "knowledge point " + id + " not found"})
		return
	}
	writeJSON(w, r, http.StatusOK, kp)
}

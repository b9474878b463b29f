package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/54b3r/kpmatch-go/internal/logging"
	"github.com/54b3r/kpmatch-go/internal/retrieval"
)

// probeTimeout bounds each dependency probe in a readiness check.
const probeTimeout = 5 * time.Second

// Pinger is an external dependency (embedding backend, reranker, Qdrant)
// that can report whether it is reachable. Ping must be safe for
// concurrent use.
type Pinger interface {
	Ping(ctx context.Context) error
	Name() string
}

type readyCheck struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type readyResponse struct {
	Ready  bool         `json:"ready"`
	Checks []readyCheck `json:"checks"`
}

// handleReady handles GET /api/ready. It is 200 only when the engine is
// serving an index and every Pinger answers within probeTimeout. The
// "engine" check always comes first; the rest follow registration order.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	state := s.engine.Stats().State
	engine := readyCheck{Name: "engine", OK: state == retrieval.StateReady.String()}
	if !engine.OK {
		engine.Error = "index state is " + state
	}

	checks := append([]readyCheck{engine}, s.probe(r.Context())...)
	resp := readyResponse{Ready: true, Checks: checks}
	for _, c := range checks {
		resp.Ready = resp.Ready && c.OK
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// probe pings every dependency in parallel so one slow backend costs at most
// probeTimeout in total.
func (s *Server) probe(ctx context.Context) []readyCheck {
	log := logging.FromContext(ctx)
	checks := make([]readyCheck, len(s.pingers))

	var wg sync.WaitGroup
	for i, p := range s.pingers {
		wg.Go(func() {
			pctx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			checks[i] = readyCheck{Name: p.Name(), OK: true}
			if err := p.Ping(pctx); err != nil {
				checks[i].OK = false
				checks[i].Error = err.Error()
				log.Warn("readiness probe failed", slog.String("dependency", p.Name()), slog.Any("error", err))
			}
		})
	}
	wg.Wait()
	return checks
}

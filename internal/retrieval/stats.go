package retrieval

import (
	"time"

	"github.com/54b3r/kpmatch-go/internal/enrich"
)

// Stats describes the engine and the index it serves.
type Stats struct {
	State             string      `json:"state"`
	Vectors           int         `json:"vectors"`
	Dim               int         `json:"dim"`
	Variant           string      `json:"variant,omitempty"`
	ModelID           string      `json:"model_id"`
	Fingerprint       string      `json:"fingerprint,omitempty"`
	ProjectionVersion string      `json:"projection_version,omitempty"`
	CreatedAt         time.Time   `json:"created_at,omitzero"`
	Source            string      `json:"source,omitempty"`
	Persisted         bool        `json:"persisted"`
	IndexDir          string      `json:"index_dir,omitempty"`
	Reranker          string      `json:"reranker,omitempty"`
	RerankPolicy      string      `json:"rerank_policy"`
	Strategy          string      `json:"strategy"`
	Enrichment        enrich.Info `json:"enrichment"`
}

// Stats reports the current state. Index fields are zero until Initialize
// succeeds.
func (e *Engine) Stats() Stats {
	st := Stats{
		State:        e.State().String(),
		ModelID:      e.cfg.Embedder.ModelID(),
		IndexDir:     e.cfg.IndexDir,
		RerankPolicy: e.cfg.Policy.String(),
		Strategy:     string(e.cfg.Strategy),
		Enrichment:   e.cfg.Enricher.Info(),
	}
	if e.cfg.Reranker != nil {
		st.Reranker = e.cfg.Reranker.ModelID()
	}
	snap := e.snap.Load()
	if snap == nil {
		return st
	}
	meta := snap.index.Metadata()
	st.Vectors = meta.Count
	st.Dim = meta.Dim
	st.Variant = meta.Variant
	st.ModelID = meta.ModelID
	st.Fingerprint = meta.Fingerprint
	st.ProjectionVersion = meta.ProjectionVersion
	st.CreatedAt = meta.CreatedAt
	st.Source = snap.source
	st.Persisted = snap.persisted
	return st
}

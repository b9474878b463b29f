// Package index implements the exact vector index over a knowledge
// collection: building it from an embedder, exhaustive similarity search,
// atomic on-disk persistence and the validity check that decides whether a
// persisted index may be reused.
//
// An [Index] is immutable once built or loaded and is safe for concurrent
// searches.
package index

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/54b3r/kpmatch-go/internal/embedder"
	"github.com/54b3r/kpmatch-go/internal/kperr"
)

const (
	// Variant tags the index kind in metadata. Only exact L2 search over
	// normalised vectors exists.
	Variant = "flat-l2"
	// FormatVersion is the on-disk layout version.
	FormatVersion = 1
	// defaultBatchSize is how many texts go to the embedder per call.
	defaultBatchSize = 64
)

// Entry is one item to index: its id and the text that is embedded.
type Entry struct {
	ID   string
	Text string
}

// Metadata describes a built index. It is persisted next to the vectors.
type Metadata struct {
	FormatVersion int `json:"format_version"`
	// Fingerprint identifies the collection the index was built from.
	Fingerprint string `json:"fingerprint"`
	// ModelID identifies the embedding model.
	ModelID string `json:"model_id"`
	Count   int    `json:"count"`
	Dim     int    `json:"dim"`
	Variant string `json:"variant"`
	// ProjectionVersion identifies how items were turned into text.
	ProjectionVersion string `json:"projection_version,omitempty"`
	// IDs lists item ids in vector order.
	IDs []string `json:"ids"`
	// VectorSHA256 is the hex digest of the little-endian vector blob.
	VectorSHA256 string    `json:"vector_sha256"`
	CreatedAt    time.Time `json:"created_at"`
}

// Index holds L2-normalised vectors in a flat row-major slice.
type Index struct {
	meta    Metadata
	vectors []float32
}

// BuildOptions carries the identity recorded in the built index.
type BuildOptions struct {
	// Fingerprint of the source collection.
	Fingerprint string
	// ProjectionVersion of the text projection used for entries.
	ProjectionVersion string
	// BatchSize caps texts per embedder call. Zero uses 64.
	BatchSize int
}

// Build embeds every entry in order and returns the resulting index. Vector i
// corresponds to entries[i]. It fails with a build error when entries is
// empty or has duplicate ids, when the embedder fails, or when a vector is
// zero, non-finite or of a different dimension than the first.
func Build(ctx context.Context, entries []Entry, emb embedder.Embedder, opts BuildOptions) (*Index, error) {
	if len(entries) == 0 {
		return nil, kperr.Newf(kperr.KindBuild, kperr.StageBuild, "index: no entries to build")
	}
	if emb == nil {
		return nil, kperr.Newf(kperr.KindBuild, kperr.StageBuild, "index: embedder must not be nil")
	}

	ids := make([]string, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		if _, dup := seen[e.ID]; dup {
			return nil, kperr.Newf(kperr.KindBuild, kperr.StageBuild, "index: duplicate entry id %q", e.ID)
		}
		seen[e.ID] = struct{}{}
		ids[i] = e.ID
	}

	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}

	var (
		dim     int
		vectors []float32
	)
	for start := 0; start < len(entries); start += batch {
		end := min(start+batch, len(entries))
		texts := make([]string, end-start)
		for i := range texts {
			texts[i] = entries[start+i].Text
		}

		out, err := emb.Embed(ctx, texts)
		if err != nil {
			return nil, kperr.FromContext(ctx, kperr.StageBuild, kperr.KindBuild,
				fmt.Errorf("index: embed entries %d-%d: %w", start, end-1, err))
		}
		if len(out) != len(texts) {
			return nil, kperr.Newf(kperr.KindBuild, kperr.StageBuild,
				"index: embedder returned %d vectors for %d texts", len(out), len(texts))
		}

		for i, v := range out {
			pos := start + i
			if dim == 0 {
				dim = len(v)
				if dim == 0 {
					return nil, kperr.Newf(kperr.KindBuild, kperr.StageBuild, "index: empty vector for %q", ids[pos])
				}
				vectors = make([]float32, 0, dim*len(entries))
			}
			if len(v) != dim {
				return nil, kperr.Newf(kperr.KindBuild, kperr.StageBuild,
					"index: vector for %q has dimension %d, want %d", ids[pos], len(v), dim)
			}
			n, err := normalize(v)
			if err != nil {
				return nil, kperr.Newf(kperr.KindBuild, kperr.StageBuild, "index: vector for %q: %v", ids[pos], err)
			}
			vectors = append(vectors, n...)
		}
	}

	meta := Metadata{
		FormatVersion:     FormatVersion,
		Fingerprint:       opts.Fingerprint,
		ModelID:           emb.ModelID(),
		Count:             len(entries),
		Dim:               dim,
		Variant:           Variant,
		ProjectionVersion: opts.ProjectionVersion,
		IDs:               ids,
		VectorSHA256:      checksum(vectors),
		CreatedAt:         time.Now().UTC().Truncate(time.Second),
	}
	return &Index{meta: meta, vectors: vectors}, nil
}

// Metadata returns a copy of the index metadata.
func (x *Index) Metadata() Metadata {
	m := x.meta
	m.IDs = append([]string(nil), x.meta.IDs...)
	return m
}

// Len returns the number of indexed vectors.
func (x *Index) Len() int { return x.meta.Count }

// Dim returns the vector dimension.
func (x *Index) Dim() int { return x.meta.Dim }

// ID returns the item id at position i.
func (x *Index) ID(i int) string { return x.meta.IDs[i] }

// Vector returns a copy of the normalised vector at position i.
func (x *Index) Vector(i int) []float32 {
	out := make([]float32, x.meta.Dim)
	copy(out, x.row(i))
	return out
}

func (x *Index) row(i int) []float32 {
	return x.vectors[i*x.meta.Dim : (i+1)*x.meta.Dim]
}

// normalize returns v scaled to unit L2 norm. Zero or non-finite vectors
// cannot be normalised.
func normalize(v []float32) ([]float32, error) {
	var sum float64
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("non-finite component")
		}
		sum += f * f
	}
	if sum == 0 {
		return nil, fmt.Errorf("zero-norm vector")
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out, nil
}

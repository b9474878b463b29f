package index

import (
	"cmp"
	"slices"

	"github.com/54b3r/kpmatch-go/internal/kperr"
)

// Hit is one search result.
type Hit struct {
	// Position is the vector's position, equal to the item's position in the
	// collection the index was built from.
	Position int
	ID       string
	// Similarity is 1 - d²/2 for the L2 distance d between the normalised
	// query and item vectors. It equals their cosine similarity.
	Similarity float64
}

// Search returns the min(k, Len()) items nearest to query, by similarity
// descending with ties broken by ascending id. The query is normalised before
// comparison. Search scans every vector. It fails with a query error when
// k <= 0, when the query dimension differs from the index, or when the query
// is zero or non-finite.
func (x *Index) Search(query []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, kperr.Newf(kperr.KindQuery, kperr.StageSearch, "index: k must be positive, got %d", k)
	}
	if len(query) != x.meta.Dim {
		return nil, kperr.Newf(kperr.KindQuery, kperr.StageSearch,
			"index: query dimension %d does not match index dimension %d", len(query), x.meta.Dim)
	}
	q, err := normalize(query)
	if err != nil {
		return nil, kperr.Newf(kperr.KindQuery, kperr.StageSearch, "index: query: %v", err)
	}

	hits := make([]Hit, x.meta.Count)
	for i := range hits {
		var d2 float64
		for j, v := range x.row(i) {
			diff := float64(q[j]) - float64(v)
			d2 += diff * diff
		}
		hits[i] = Hit{Position: i, ID: x.meta.IDs[i], Similarity: 1 - d2/2}
	}

	slices.SortFunc(hits, func(a, b Hit) int {
		if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return hits[:min(k, len(hits))], nil
}

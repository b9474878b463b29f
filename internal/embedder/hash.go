package embedder

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// DefaultHashDimensions is the vector size of a HashEmbedder when none is given.
const DefaultHashDimensions = 512

// hashVersion is bumped whenever the feature extraction changes.
const hashVersion = "v1"

// HashEmbedder is a deterministic, dependency-free embedder based on feature
// hashing. Each lower-cased word contributes a feature for itself and for
// each of its character trigrams. It needs no network and is meant for
// offline use, demos and tests; semantic quality is far below a real model.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns a HashEmbedder producing vectors of length dims.
// dims <= 0 selects [DefaultHashDimensions].
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultHashDimensions
	}
	return &HashEmbedder{dims: dims}
}

// ModelID returns "hash:v1@<dims>".
func (e *HashEmbedder) ModelID() string {
	return fmt.Sprintf("hash:%s@%d", hashVersion, e.dims)
}

// Embed hashes each text. Text with no word characters yields a zero vector.
func (e *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *HashEmbedder) vector(text string) []float32 {
	v := make([]float32, e.dims)
	// A Caser holds state, so each call gets its own.
	normalized := cases.Fold().String(norm.NFKC.String(text))

	words := strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		v[e.bucket("w:"+w)] += 2
		runes := []rune(w)
		for j := 0; j+3 <= len(runes); j++ {
			v[e.bucket("g:"+string(runes[j:j+3]))]++
		}
	}
	return v
}

func (e *HashEmbedder) bucket(feature string) int {
	h := fnv.New32a()
	h.Write([]byte(feature))
	return int(h.Sum32() % uint32(e.dims))
}

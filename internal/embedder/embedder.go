// Package embedder turns text into dense vectors for the matching engine.
// Each implementation talks to a different backend (Ollama, OpenAI, Azure
// OpenAI, Gemini) or, for offline use, hashes tokens locally.
//
// All embedders are safe for concurrent use.
package embedder

import "context"

// Embedder converts text into fixed-length vectors.
type Embedder interface {
	// Embed returns one vector per input text, parallel to texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// ModelID identifies the model and any setting that changes its output.
	// Indexes built under one id are not valid under another.
	ModelID() string
}

// Pinger is implemented by embedders that can check their backend without
// embedding anything.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AsPinger returns e, or the embedder it wraps, as a Pinger.
func AsPinger(e Embedder) (Pinger, bool) {
	for e != nil {
		if p, ok := e.(Pinger); ok {
			return p, true
		}
		w, ok := e.(interface{ Unwrap() Embedder })
		if !ok {
			return nil, false
		}
		e = w.Unwrap()
	}
	return nil, false
}

package embedder

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Limited wraps an Embedder with a request rate limit and a per-call timeout.
// Both are optional.
type Limited struct {
	next    Embedder
	limiter *rate.Limiter
	timeout time.Duration
}

// LimitConfig configures [NewLimited].
type LimitConfig struct {
	// RequestsPerSecond caps calls to the backend. Zero disables limiting.
	RequestsPerSecond float64
	// Burst is the limiter burst size. Defaults to 1.
	Burst int
	// Timeout bounds each Embed call. Zero disables the timeout.
	Timeout time.Duration
}

// NewLimited wraps next. When cfg disables both limits next is still wrapped
// so callers can treat the result uniformly.
func NewLimited(next Embedder, cfg LimitConfig) *Limited {
	l := &Limited{next: next, timeout: cfg.Timeout}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return l
}

// Unwrap returns the wrapped embedder.
func (l *Limited) Unwrap() Embedder { return l.next }

// ModelID delegates to the wrapped embedder.
func (l *Limited) ModelID() string { return l.next.ModelID() }

// Embed waits for a limiter token, then calls the wrapped embedder under the
// configured timeout.
func (l *Limited) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embedder: rate limit wait: %w", err)
		}
	}
	return l.next.Embed(ctx, texts)
}

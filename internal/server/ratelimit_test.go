package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

// hit sends one request from addr and returns the recorder.
func hit(h http.Handler, addr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/search", nil)
	req.RemoteAddr = addr
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimit_Burst(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		rps   float64
		burst int
		sends int
		// wantOK is how many leading requests pass; the rest must be 429.
		wantOK int
	}{
		{name: "under the burst", rps: 100, burst: 5, sends: 5, wantOK: 5},
		{name: "burst of two, slow refill", rps: 0.001, burst: 2, sends: 6, wantOK: 2},
		{name: "burst of one", rps: 0.001, burst: 1, sends: 3, wantOK: 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			rl, stop := newRateLimiter(tc.rps, tc.burst, nil)
			defer stop()
			h := rl.middleware(okHandler)

			for i := range tc.sends {
				w := hit(h, "10.0.0.1:9999")
				want := http.StatusOK
				if i >= tc.wantOK {
					want = http.StatusTooManyRequests
				}
				if w.Code != want {
					t.Fatalf("request %d: status %d, want %d", i, w.Code, want)
				}
				if want == http.StatusTooManyRequests && w.Header().Get("Retry-After") == "" {
					t.Errorf("request %d: 429 without Retry-After", i)
				}
			}
		})
	}
}

func TestRateLimit_BucketsArePerIP(t *testing.T) {
	t.Parallel()

	rl, stop := newRateLimiter(0.001, 1, nil)
	defer stop()
	h := rl.middleware(okHandler)

	for range 3 {
		hit(h, "192.168.1.1:1111")
	}
	// Same IP, different port: still limited.
	if w := hit(h, "192.168.1.1:2222"); w.Code != http.StatusTooManyRequests {
		t.Errorf("same IP on a new port: status %d, want 429", w.Code)
	}
	if w := hit(h, "192.168.1.2:1111"); w.Code != http.StatusOK {
		t.Errorf("second IP: status %d, want 200", w.Code)
	}
}

func TestRateLimit_CountsRejections(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	rl, stop := newRateLimiter(0.5, 1, newServerMetrics(reg))
	defer stop()
	h := rl.middleware(okHandler)

	var last *httptest.ResponseRecorder
	for range 3 {
		last = hit(h, "10.1.1.1:1")
	}

	// One token every two seconds.
	if got := last.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}
	if got := metricValue(t, reg, "kpmatch_http_rate_limited_total", nil); got != 2 {
		t.Errorf("rate_limited_total = %v, want 2", got)
	}
}

func TestRateLimit_Evict(t *testing.T) {
	t.Parallel()

	rl, stop := newRateLimiter(1, 1, nil)
	defer stop()

	rl.getLimiter("10.0.0.8")
	rl.getLimiter("10.0.0.9")
	rl.evict(time.Now().Add(-time.Hour))
	if n := rl.size(); n != 2 {
		t.Fatalf("recent buckets evicted: %d left, want 2", n)
	}

	rl.evict(time.Now().Add(time.Second))
	if n := rl.size(); n != 0 {
		t.Errorf("idle buckets kept: %d left, want 0", n)
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	for addr, want := range map[string]string{
		"127.0.0.1:54321": "127.0.0.1",
		"[::1]:8080":      "::1",
		"noport":          "noport",
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		if got := clientIP(req); got != want {
			t.Errorf("clientIP(%q) = %q, want %q", addr, got, want)
		}
	}
}

func (rl *rateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/54b3r/kpmatch-go/internal/logging"
)

func TestRequestLogger_RequestID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		inbound string
		keep    bool
	}{
		{name: "none", inbound: "", keep: false},
		{name: "valid", inbound: "abc-123_X", keep: true},
		{name: "unsafe chars", inbound: "abc 123\n", keep: false},
		{name: "too long", inbound: strings.Repeat("a", maxRequestIDLen+1), keep: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var seen bool
			h := requestLogger(logging.Discard(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = logging.FromContext(r.Context()) != slog.Default()
				w.WriteHeader(http.StatusTeapot)
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/index", nil)
			if tt.inbound != "" {
				req.Header.Set(requestIDHeader, tt.inbound)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != http.StatusTeapot {
				t.Errorf("status = %d, want %d", w.Code, http.StatusTeapot)
			}
			if !seen {
				t.Error("handler context has no logger")
			}
			got := w.Header().Get(requestIDHeader)
			if tt.keep {
				if got != tt.inbound {
					t.Errorf("request id = %q, want inbound %q", got, tt.inbound)
				}
				return
			}
			if _, err := uuid.Parse(got); err != nil {
				t.Errorf("generated request id %q is not a uuid: %v", got, err)
			}
		})
	}
}

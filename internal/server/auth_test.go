package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		apiKey string
		header string
		want   int
		// wantChallenge is a substring of the WWW-Authenticate header on 401.
		wantChallenge string
	}{
		{name: "disabled, no header", apiKey: "", want: http.StatusOK},
		{name: "disabled ignores junk", apiKey: "", header: "Basic Zm9v", want: http.StatusOK},
		{name: "missing header", apiKey: "secret", want: http.StatusUnauthorized, wantChallenge: `realm="kpmatch"`},
		{name: "basic scheme", apiKey: "secret", header: "Basic dXNlcjpwYXNz", want: http.StatusUnauthorized, wantChallenge: `realm="kpmatch"`},
		{name: "wrong token", apiKey: "secret", header: "Bearer wrong", want: http.StatusUnauthorized, wantChallenge: "invalid_token"},
		{name: "prefix of key", apiKey: "secret", header: "Bearer secre", want: http.StatusUnauthorized, wantChallenge: "invalid_token"},
		{name: "key plus suffix", apiKey: "secret", header: "Bearer secret2", want: http.StatusUnauthorized, wantChallenge: "invalid_token"},
		{name: "correct", apiKey: "secret", header: "Bearer secret", want: http.StatusOK},
		{name: "lowercase scheme", apiKey: "secret", header: "bearer secret", want: http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodPost, "/api/search", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			authMiddleware(tc.apiKey, okHandler).ServeHTTP(w, req)

			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d", w.Code, tc.want)
			}
			if tc.want != http.StatusUnauthorized {
				return
			}
			if got := w.Header().Get("WWW-Authenticate"); !strings.Contains(got, tc.wantChallenge) {
				t.Errorf("WWW-Authenticate = %q, want it to contain %q", got, tc.wantChallenge)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want JSON error body", ct)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	for header, want := range map[string]string{
		"Bearer mytoken":     "mytoken",
		"BEARER mytoken":     "mytoken",
		"Bearer  spaced ":    "spaced",
		"Basic dXNlcjpwYXNz": "",
		"":                   "",
		"Bearer":             "",
		"Bearer ":            "",
		"token only":         "",
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		if got := bearerToken(req); got != want {
			t.Errorf("bearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}

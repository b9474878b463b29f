package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/54b3r/kpmatch-go/internal/logging"
)

// authMiddleware enforces "Authorization: Bearer <apiKey>". An empty apiKey
// disables it; New logs that once at startup. Rejected tokens are never
// logged.
func authMiddleware(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		return next
	}
	want := []byte(apiKey)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			logging.FromContext(r.Context()).Warn("auth: missing bearer token", slog.String("path", r.URL.Path))
			w.Header().Set("WWW-Authenticate", `Bearer realm="kpmatch"`)
			writeJSON(w, r, http.StatusUnauthorized, errorResponse{Error: "authorization required"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			logging.FromContext(r.Context()).Warn("auth: invalid token", slog.String("path", r.URL.Path))
			w.Header().Set("WWW-Authenticate", `Bearer realm="kpmatch", error="invalid_token"`)
			writeJSON(w, r, http.StatusUnauthorized, errorResponse{Error: "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the token from an Authorization header, or "" when
// the header is absent or not a Bearer credential.
func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

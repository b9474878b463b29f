// Package audit logs each CLI command invocation with the configuration it
// resolved, so operators can trace what ran without exposing secrets.
//
// Secrets are logged as presence ("set"/"unset") only. Endpoint URLs are
// logged with any embedded password removed.
package audit

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"strings"
)

type keyClass int

const (
	plain keyClass = iota
	secret
	endpoint
)

// auditEntry is one env var included in every audit record.
type auditEntry struct {
	key   string
	class keyClass
}

// auditKeys is the ordered list of env vars included in every audit record.
var auditKeys = []auditEntry{
	{"KPMATCH_KNOWLEDGE_PATH", plain},
	{"KPMATCH_INDEX_DIR", plain},
	{"KPMATCH_FINGERPRINT_MODE", plain},
	{"KPMATCH_ENRICH_STRATEGY", plain},
	{"EMBEDDING_PROVIDER", plain},
	{"EMBEDDING_MODEL", plain},
	{"EMBEDDING_ENDPOINT", endpoint},
	{"EMBEDDING_API_KEY", secret},
	{"RERANK_BACKEND", plain},
	{"RERANK_ENDPOINT", endpoint},
	{"RERANK_MODEL", plain},
	{"RERANK_POLICY", plain},
	{"RERANK_API_KEY", secret},
	{"MODEL_PROVIDER", plain},
	{"OLLAMA_HOST", endpoint},
	{"OPENAI_API_KEY", secret},
	{"AZURE_OPENAI_API_KEY", secret},
	{"AZURE_OPENAI_ENDPOINT", endpoint},
	{"ARK_API_KEY", secret},
	{"GOOGLE_API_KEY", secret},
	{"QDRANT_HOST", plain},
	{"QDRANT_COLLECTION", plain},
	{"QDRANT_API_KEY", secret},
	{"KPMATCH_API_KEY", secret},
	{"KPMATCH_HISTORY_DB", plain},
	{"LOG_LEVEL", plain},
	{"LANGFUSE_PUBLIC_KEY", secret},
	{"LANGFUSE_SECRET_KEY", secret},
}

var classOf = func() map[string]keyClass {
	m := make(map[string]keyClass, len(auditKeys))
	for _, e := range auditKeys {
		m[e.key] = e.class
	}
	return m
}()

// LogCommandStart emits one audit record when a CLI command begins.
func LogCommandStart(ctx context.Context, log *slog.Logger, command, configPath string) {
	attrs := make([]slog.Attr, 0, len(auditKeys)+2)
	attrs = append(attrs,
		slog.String("command", command),
		slog.String("config_file", sanitiseConfigPath(configPath)),
	)
	for _, e := range auditKeys {
		attrs = append(attrs, slog.String(e.key, SanitiseKey(e.key, os.Getenv(e.key))))
	}
	log.LogAttrs(ctx, slog.LevelInfo, "audit: command start", attrs...)
}

// SanitiseKey returns a log-safe rendering of an env var value.
func SanitiseKey(key, value string) string {
	switch classOf[key] {
	case secret:
		return presence(value)
	case endpoint:
		return redactURL(valOrUnset(value))
	default:
		return valOrUnset(value)
	}
}

func presence(v string) string {
	if v != "" {
		return "set"
	}
	return "unset"
}

func valOrUnset(v string) string {
	if v != "" {
		return v
	}
	return "unset"
}

// redactURL strips a password from URL userinfo. Values that do not parse
// are returned unchanged.
func redactURL(v string) string {
	u, err := url.Parse(v)
	if err != nil || u.User == nil {
		return v
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

// sanitiseConfigPath returns the config path with the home directory
// abbreviated, or "none".
func sanitiseConfigPath(p string) string {
	if p == "" {
		return "none"
	}
	home, err := os.UserHomeDir()
	if err == nil && strings.HasPrefix(p, home) {
		return "~" + p[len(home):]
	}
	return p
}

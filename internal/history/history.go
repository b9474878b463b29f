// Package history keeps a SQLite log of retrieval queries: what was asked,
// with which parameters, what came back and how long it took. The CLI's
// `history` command and offline evaluation read it back.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/54b3r/kpmatch-go/internal/retrieval"
)

// Entry is one logged query.
type Entry struct {
	ID string `json:"id"`
	// Origin is "cli" or "http".
	Origin        string    `json:"origin"`
	Mode          string    `json:"mode"`
	Query         string    `json:"query"`
	EnrichedQuery string    `json:"enriched_query,omitempty"`
	Strategy      string    `json:"strategy,omitempty"`
	K             int       `json:"k,omitempty"`
	M             int       `json:"m,omitempty"`
	N             int       `json:"n,omitempty"`
	Threshold     float64   `json:"threshold,omitempty"`
	ResultIDs     []string  `json:"result_ids"`
	TopScore      float64   `json:"top_score,omitempty"`
	Degraded      bool      `json:"degraded,omitempty"`
	Latency       Duration  `json:"latency"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Duration marshals as milliseconds.
type Duration time.Duration

// MarshalJSON renders d as fractional milliseconds.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(float64(d) / float64(time.Millisecond))
}

// Params are the caller-chosen query parameters.
type Params struct {
	Mode      string
	Strategy  string
	K, M, N   int
	Threshold float64
}

// NewEntry builds an Entry from a finished query. resp may be nil when err
// is set.
func NewEntry(origin, query string, p Params, resp *retrieval.Response, latency time.Duration, err error) Entry {
	e := Entry{
		Origin:    origin,
		Mode:      p.Mode,
		Query:     query,
		Strategy:  p.Strategy,
		K:         p.K,
		M:         p.M,
		N:         p.N,
		Threshold: p.Threshold,
		ResultIDs: []string{},
		Latency:   Duration(latency),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if resp != nil {
		e.EnrichedQuery = resp.EnrichedQuery
		e.Degraded = resp.Degraded
		for _, r := range resp.Results {
			e.ResultIDs = append(e.ResultIDs, r.Point.ID)
		}
		if len(resp.Results) > 0 {
			e.TopScore = resp.Results[0].Score
		}
	}
	return e
}

// Recorder persists query entries. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
	// Recent returns the newest n entries, newest first.
	Recent(ctx context.Context, n int) ([]Entry, error)
	Close() error
}

// Nop discards entries. It is used when history is disabled.
type Nop struct{}

// Record does nothing.
func (Nop) Record(context.Context, Entry) error { return nil }

// Recent returns no entries.
func (Nop) Recent(context.Context, int) ([]Entry, error) { return nil, nil }

// Close does nothing.
func (Nop) Close() error { return nil }

// SQLiteStore is a Recorder backed by a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// DefaultDBPath returns ~/.kpmatch/history.db, creating the directory.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("history: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".kpmatch")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("history: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "history.db"), nil
}

// Open opens (or creates) the database at path and migrates the schema.
// Use ":memory:" in tests.
func Open(path string) (*SQLiteStore, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	// One connection: a single writer avoids SQLITE_BUSY, and ":memory:"
	// databases are per-connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS queries (
    id             TEXT    PRIMARY KEY,
    origin         TEXT    NOT NULL,
    mode           TEXT    NOT NULL,
    query          TEXT    NOT NULL,
    enriched_query TEXT    NOT NULL DEFAULT '',
    strategy       TEXT    NOT NULL DEFAULT '',
    k              INTEGER NOT NULL DEFAULT 0,
    m              INTEGER NOT NULL DEFAULT 0,
    n              INTEGER NOT NULL DEFAULT 0,
    threshold      REAL    NOT NULL DEFAULT 0,
    result_ids     TEXT    NOT NULL,   -- JSON array
    top_score      REAL    NOT NULL DEFAULT 0,
    degraded       INTEGER NOT NULL DEFAULT 0,
    latency_us     INTEGER NOT NULL,
    error          TEXT    NOT NULL DEFAULT '',
    created_at     INTEGER NOT NULL    -- Unix nanoseconds
);
CREATE INDEX IF NOT EXISTS idx_queries_created ON queries (created_at);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

// Record inserts e, assigning an id and timestamp when they are unset.
func (s *SQLiteStore) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	ids, err := json.Marshal(e.ResultIDs)
	if err != nil {
		return fmt.Errorf("history: encode result ids: %w", err)
	}

	const q = `
INSERT INTO queries (id, origin, mode, query, enriched_query, strategy, k, m, n, threshold,
                     result_ids, top_score, degraded, latency_us, error, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, q,
		e.ID, e.Origin, e.Mode, e.Query, e.EnrichedQuery, e.Strategy, e.K, e.M, e.N, e.Threshold,
		string(ids), e.TopScore, e.Degraded, time.Duration(e.Latency).Microseconds(), e.Error,
		e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("history: record: %w", err)
	}
	return nil
}

// Recent returns the newest n entries, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, n int) ([]Entry, error) {
	const q = `
SELECT id, origin, mode, query, enriched_query, strategy, k, m, n, threshold,
       result_ids, top_score, degraded, latency_us, error, created_at
FROM   queries
ORDER  BY created_at DESC, id DESC
LIMIT  ?`

	rows, err := s.db.QueryContext(ctx, q, n)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			ids       string
			latencyUS int64
			created   int64
		)
		if err := rows.Scan(&e.ID, &e.Origin, &e.Mode, &e.Query, &e.EnrichedQuery, &e.Strategy,
			&e.K, &e.M, &e.N, &e.Threshold, &ids, &e.TopScore, &e.Degraded, &latencyUS, &e.Error, &created); err != nil {
			return nil, fmt.Errorf("history: recent scan: %w", err)
		}
		if err := json.Unmarshal([]byte(ids), &e.ResultIDs); err != nil {
			return nil, fmt.Errorf("history: decode result ids for %s: %w", e.ID, err)
		}
		e.Latency = Duration(time.Duration(latencyUS) * time.Microsecond)
		e.CreatedAt = time.Unix(0, created)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: recent rows: %w", err)
	}
	return out, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("history: close: %w", err)
	}
	return nil
}

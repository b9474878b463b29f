package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/kpmatch-go/internal/embedder"
	"github.com/54b3r/kpmatch-go/internal/enrich"
	"github.com/54b3r/kpmatch-go/internal/knowledge"
	"github.com/54b3r/kpmatch-go/internal/logging"
)

// countingEmbedder wraps the hashing embedder and can be made to fail or
// block until its context ends.
type countingEmbedder struct {
	inner *embedder.HashEmbedder
	calls atomic.Int32
	err   error
	block bool
}

func newCountingEmbedder(dims int) *countingEmbedder {
	return &countingEmbedder{inner: embedder.NewHashEmbedder(dims)}
}

func (c *countingEmbedder) ModelID() string { return c.inner.ModelID() }

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls.Add(1)
	if c.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.inner.Embed(ctx, texts)
}

func satPoints() []knowledge.KnowledgePoint {
	return []knowledge.KnowledgePoint{
		{
			ID:                 "math_algebra_linear",
			Category:           "Math",
			Subcategory:        "Algebra",
			Topic:              "Linear Equations",
			Description:        "Solving equations of the form ax + b = c by isolating the variable",
			KeyConcepts:        []string{"slope", "isolate the variable", "inverse operations"},
			CommonApplications: []string{"word problems", "cost models"},
			Difficulty:         "Easy",
		},
		{
			ID:                 "math_algebra_quadratic",
			Category:           "Math",
			Subcategory:        "Algebra",
			Topic:              "Quadratic Equations",
			Description:        "Solving quadratic equations with a squared term by factoring or the quadratic formula",
			KeyConcepts:        []string{"quadratic formula", "factoring", "discriminant"},
			CommonApplications: []string{"projectile motion", "area problems"},
			Difficulty:         "Medium",
		},
		{
			ID:                 "english_grammar_sva",
			Category:           "English",
			Subcategory:        "Grammar",
			Topic:              "Subject-Verb Agreement",
			Description:        "Subjects and verbs must agree in number",
			KeyConcepts:        []string{"singular subjects", "plural verbs"},
			CommonApplications: []string{"sentence correction"},
			Difficulty:         "Easy",
		},
	}
}

func newTestStore(t *testing.T) *knowledge.Store {
	t.Helper()
	s, err := knowledge.New(satPoints())
	if err != nil {
		t.Fatalf("knowledge.New: %v", err)
	}
	return s
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	if cfg.Store == nil {
		cfg.Store = newTestStore(t)
	}
	if cfg.Embedder == nil {
		cfg.Embedder = newCountingEmbedder(256)
	}
	cfg.Logger = logging.Discard()
	cfg.Registerer = reg
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, reg
}

func readyEngine(t *testing.T, cfg Config) (*Engine, *prometheus.Registry) {
	t.Helper()
	e, reg := newTestEngine(t, cfg)
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return e, reg
}

func resultIDs(rs []Result) []string {
	ids := make([]string, len(rs))
	for i, r := range rs {
		ids[i] = r.Point.ID
	}
	return ids
}

// counterValue returns the value of a counter series whose labels include
// all of want.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			matched := 0
			for _, lp := range m.GetLabel() {
				if v, ok := want[lp.GetName()]; ok && v == lp.GetValue() {
					matched++
				}
			}
			if matched == len(want) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestNew_RequiresStoreAndEmbedder(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Embedder: embedder.NewHashEmbedder(8)}); err == nil {
		t.Error("New without store: expected error")
	}
	if _, err := New(Config{Store: newTestStore(t)}); err == nil {
		t.Error("New without embedder: expected error")
	}
}

func TestNew_ZeroStrategyMatchesParsedEmpty(t *testing.T) {
	t.Parallel()

	parsed, err := enrich.ParseStrategy("")
	if err != nil {
		t.Fatal(err)
	}
	e, _ := newTestEngine(t, Config{})
	if got := e.Stats().Strategy; got != string(parsed) {
		t.Errorf("zero Config strategy = %q, ParseStrategy(\"\") = %q", got, parsed)
	}
	if parsed != enrich.None {
		t.Errorf("empty strategy = %q, want none", parsed)
	}
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", PolicyStrict, false},
		{"strict", PolicyStrict, false},
		{"Lenient", PolicyLenient, false},
		{"sloppy", PolicyStrict, true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParsePolicy(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestEngine_QueriesBeforeInitialize(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, Config{})
	if e.State() != StateUninitialized {
		t.Fatalf("State() = %v", e.State())
	}
	if _, err := e.Retrieve(context.Background(), "solve quadratics", 2); !errors.Is(err, ErrNotReady) {
		t.Errorf("Retrieve error = %v, want ErrNotReady", err)
	}
	if err := e.UpdateIndex(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Errorf("UpdateIndex error = %v, want ErrNotReady", err)
	}
}

func TestEngine_Snapshot(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, Config{})
	if _, _, err := e.Snapshot(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Snapshot before init = %v, want ErrNotReady", err)
	}
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	store, idx, err := e.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if idx.Len() != store.Len() {
		t.Fatalf("index has %d vectors, store %d points", idx.Len(), store.Len())
	}
	for i := range idx.Len() {
		if idx.ID(i) != store.At(i).ID {
			t.Errorf("position %d: index id %q, store id %q", i, idx.ID(i), store.At(i).ID)
		}
	}
}

func TestEngine_InitializeFailureIsRecoverable(t *testing.T) {
	t.Parallel()

	emb := newCountingEmbedder(64)
	emb.err = errors.New("ollama: connection refused")
	e, _ := newTestEngine(t, Config{Embedder: emb})

	if err := e.Initialize(context.Background()); err == nil {
		t.Fatal("Initialize: expected error")
	}
	if e.State() != StateFailed {
		t.Fatalf("State() = %v, want failed", e.State())
	}
	if _, err := e.Retrieve(context.Background(), "circles", 1); !errors.Is(err, ErrNotReady) {
		t.Errorf("Retrieve after failed init = %v, want ErrNotReady", err)
	}

	emb.err = nil
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if e.State() != StateReady {
		t.Errorf("State() = %v, want ready", e.State())
	}
}

func TestEngine_ReloadContent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "points.json")
	writePoints := func(points []knowledge.KnowledgePoint) {
		data, err := json.Marshal(map[string]any{"knowledge_points": points})
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	writePoints(satPoints())

	store, err := knowledge.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	e, _ := readyEngine(t, Config{Store: store, IndexDir: filepath.Join(t.TempDir(), "idx")})

	more := append(satPoints(), knowledge.KnowledgePoint{
		ID:          "math_geometry_circles",
		Category:    "Math",
		Subcategory: "Geometry",
		Topic:       "Circle Area",
		Description: "Area of a circle is pi times the radius squared",
		KeyConcepts: []string{"radius", "circumference", "pi"},
	})
	writePoints(more)

	if err := e.ReloadContent(context.Background()); err != nil {
		t.Fatalf("ReloadContent: %v", err)
	}
	if got := e.Store().Len(); got != 4 {
		t.Errorf("Store().Len() = %d, want 4", got)
	}
	if got := e.Stats().Vectors; got != 4 {
		t.Errorf("Stats().Vectors = %d, want 4", got)
	}
	resp, err := e.Retrieve(context.Background(), "circle radius area", 1)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if resp.Results[0].Point.ID != "math_geometry_circles" {
		t.Errorf("top result = %q", resp.Results[0].Point.ID)
	}
}

func TestEngine_ReloadContentWithoutFile(t *testing.T) {
	t.Parallel()

	e, _ := readyEngine(t, Config{})
	if err := e.ReloadContent(context.Background()); err == nil {
		t.Error("ReloadContent on an in-memory store: expected error")
	}
}

func TestEngine_UpdateIndexDuringQueries(t *testing.T) {
	t.Parallel()

	e, reg := readyEngine(t, Config{IndexDir: t.TempDir()})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		wg   sync.WaitGroup
		stop atomic.Bool
		errs = make(chan error, 16)
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				resp, err := e.Retrieve(ctx, "solve quadratics", 3)
				if err != nil {
					errs <- err
					return
				}
				if len(resp.Results) != 3 {
					errs <- errors.New("partial result set")
					return
				}
			}
		}()
	}
	for range 3 {
		if err := e.UpdateIndex(ctx); err != nil {
			t.Errorf("UpdateIndex: %v", err)
		}
	}
	stop.Store(true)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("query during update: %v", err)
	}

	if got := counterValue(t, reg, "kpmatch_index_builds_total", map[string]string{"outcome": "ok"}); got != 4 {
		t.Errorf("builds_total{ok} = %v, want 4", got)
	}
}

func TestEngine_Stats(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	e, _ := newTestEngine(t, Config{IndexDir: dir, Policy: PolicyLenient})
	if st := e.Stats(); st.State != "uninitialized" || st.Vectors != 0 {
		t.Errorf("Stats before init = %+v", st)
	}
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := e.Stats()
	if st.State != "ready" || st.Vectors != 3 || st.Dim != 256 || st.Variant != "flat-l2" {
		t.Errorf("Stats = %+v", st)
	}
	if !st.Persisted || st.IndexDir != dir || st.Source != "build" {
		t.Errorf("persistence fields = %+v", st)
	}
	if st.RerankPolicy != "lenient" || st.Strategy != "none" || st.ProjectionVersion != knowledge.ProjectionVersion {
		t.Errorf("config fields = %+v", st)
	}
	if !strings.HasPrefix(st.ModelID, "hash:") {
		t.Errorf("ModelID = %q", st.ModelID)
	}
}

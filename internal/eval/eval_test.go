package eval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/54b3r/kpmatch-go/internal/knowledge"
	"github.com/54b3r/kpmatch-go/internal/retrieval"
)

func TestMatchTopics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		retrieved []string
		expected  []string
		want      TopicMatch
	}{
		{
			name:      "exact and substring matches",
			retrieved: []string{"Quadratic Equations", "Linear Equations", "Grammar"},
			expected:  []string{"quadratic", "Linear Equations"},
			want:      TopicMatch{Precision: 2.0 / 3, Recall: 1, F1: 0.8, Matches: 2, Expected: 2, Retrieved: 3},
		},
		{
			name:      "no match",
			retrieved: []string{"Grammar"},
			expected:  []string{"Geometry"},
			want:      TopicMatch{Expected: 1, Retrieved: 1},
		},
		{
			name:     "nothing retrieved",
			expected: []string{"Geometry"},
			want:     TopicMatch{Expected: 1},
		},
		{
			name:      "blank retrieved topic never matches",
			retrieved: []string{""},
			expected:  []string{"Geometry"},
			want:      TopicMatch{Expected: 1, Retrieved: 1},
		},
	}

	approx := cmp.Comparer(func(a, b float64) bool { return math.Abs(a-b) < 1e-9 })
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := MatchTopics(tt.retrieved, tt.expected)
			if diff := cmp.Diff(tt.want, got, approx); diff != "" {
				t.Errorf("MatchTopics mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadCases(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	good := filepath.Join(dir, "good.json")
	if err := os.WriteFile(good, []byte(`{"demo_cases":[{"query":"solve x","expected_topics":["Linear Equations"]}]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cs, err := LoadCases(good)
	if err != nil {
		t.Fatalf("LoadCases: %v", err)
	}
	if len(cs) != 1 || cs[0].Query != "solve x" || cs[0].ExpectedTopics[0] != "Linear Equations" {
		t.Errorf("cases = %+v", cs)
	}

	for name, body := range map[string]string{
		"empty.json":   `{"demo_cases":[]}`,
		"blank.json":   `{"demo_cases":[{"query":"  "}]}`,
		"garbage.json": `not json`,
	} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadCases(p); err == nil {
			t.Errorf("LoadCases(%s) succeeded", name)
		}
	}
	if _, err := LoadCases(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("LoadCases on a missing file succeeded")
	}
}

func result(topic, category string, score float64) retrieval.Result {
	return retrieval.Result{
		Point:      knowledge.KnowledgePoint{ID: topic, Topic: topic, Category: category},
		Score:      score,
		Similarity: score,
	}
}

func TestRun(t *testing.T) {
	t.Parallel()

	responses := map[string]*retrieval.Response{
		"quadratics": {Results: []retrieval.Result{
			result("Quadratic Equations", "Math", 0.9),
			result("Linear Equations", "Math", 0.7),
		}},
		"grammar": {Results: []retrieval.Result{
			result("Subject-Verb Agreement", "Writing", 0.6),
			result("Linear Equations", "Math", 0.2),
		}},
	}
	retrieve := func(_ context.Context, q string) (*retrieval.Response, error) {
		if r, ok := responses[q]; ok {
			return r, nil
		}
		return nil, errors.New("boom")
	}
	cs := []Case{
		{Query: "quadratics", ExpectedTopics: []string{"Quadratic Equations"}},
		{Query: "grammar", ExpectedTopics: []string{"Subject-Verb Agreement"}},
		{Query: "broken"},
	}

	rep, err := Run(context.Background(), "single", cs, retrieve, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Summary.TotalCases != 3 || rep.Summary.Failed != 1 {
		t.Errorf("summary = %+v", rep.Summary)
	}
	if rep.Results[2].Error == "" {
		t.Error("failed case has no error")
	}
	if got := rep.Results[1].CategoryDiversity; got != 2 {
		t.Errorf("category diversity = %d, want 2", got)
	}

	top := rep.Summary.Metrics["top_score"]
	if top.Count != 2 || math.Abs(top.Mean-0.75) > 1e-9 || top.Min != 0.6 || top.Max != 0.9 {
		t.Errorf("top_score aggregate = %+v", top)
	}
	if rec := rep.Summary.Metrics["topic_recall"]; rec.Mean != 1 {
		t.Errorf("topic_recall mean = %v, want 1", rec.Mean)
	}

	var buf bytes.Buffer
	if err := rep.WriteJSON(&buf); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("report is not JSON: %v", err)
	}
	if decoded["mode"] != "single" {
		t.Errorf("mode = %v", decoded["mode"])
	}
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, "single", []Case{{Query: "x"}}, func(context.Context, string) (*retrieval.Response, error) {
		t.Fatal("retrieve called after cancel")
		return nil, nil
	}, slog.New(slog.DiscardHandler))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

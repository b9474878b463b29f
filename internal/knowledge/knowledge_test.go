package knowledge

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/54b3r/kpmatch-go/internal/kperr"
)

const sampleJSON = `{
  "knowledge_points": [
    {"id": "MATH_001", "category": "Math", "subcategory": "Algebra", "topic": "Linear Equations",
     "description": "Solve equations in one variable.", "key_concepts": ["slope", "intercept"],
     "common_applications": ["rates"], "difficulty": "Easy"},
    {"id": "MATH_002", "category": "Math", "subcategory": "Algebra", "topic": "Quadratic Equations",
     "description": "Solve second degree equations.", "key_concepts": ["factoring", "vertex"],
     "common_applications": ["projectiles"], "difficulty": "Medium"},
    {"id": "WRIT_001", "category": "Writing", "subcategory": "Grammar", "topic": "Subject-Verb Agreement",
     "description": "Subjects and verbs agree in number.", "key_concepts": ["plural"],
     "common_applications": ["editing"]}
  ]
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_JSON(t *testing.T) {
	t.Parallel()

	s, err := Load(writeFile(t, "kb.json", sampleJSON))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Len() != 3 {
		t.Fatalf("Len = %d, want 3", s.Len())
	}
	if diff := cmp.Diff([]string{"MATH_001", "MATH_002", "WRIT_001"}, s.IDs()); diff != "" {
		t.Errorf("IDs mismatch (-want +got):\n%s", diff)
	}
	kp, ok := s.ByID("MATH_002")
	if !ok || kp.Topic != "Quadratic Equations" {
		t.Errorf("ByID(MATH_002) = %+v, %v", kp, ok)
	}
	if _, ok := s.ByID("nope"); ok {
		t.Error("ByID(nope) should not be found")
	}
	if got := len(s.ByCategory("math")); got != 2 {
		t.Errorf("ByCategory(math) = %d, want 2", got)
	}
	if got := len(s.BySubcategory("GRAMMAR")); got != 1 {
		t.Errorf("BySubcategory(GRAMMAR) = %d, want 1", got)
	}
	if !filepath.IsAbs(s.Path()) {
		t.Errorf("Path = %q, want absolute", s.Path())
	}
}

func TestLoad_YAML(t *testing.T) {
	t.Parallel()

	content := `
knowledge_points:
  - id: A
    topic: Circles
    key_concepts: [radius, diameter]
  - id: B
    topic: Triangles
`
	s, err := Load(writeFile(t, "kb.yaml", content))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Len() != 2 || s.At(0).KeyConcepts[1] != "diameter" {
		t.Errorf("unexpected store contents: %+v", s.All())
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"malformed", "kb.json", `{"knowledge_points": [`},
		{"empty collection", "kb.json", `{"knowledge_points": []}`},
		{"wrong envelope", "kb.json", `{"points": [{"id": "A"}]}`},
		{"missing id", "kb.json", `{"knowledge_points": [{"topic": "x"}]}`},
		{"duplicate id", "kb.json", `{"knowledge_points": [{"id": "A"}, {"id": "A"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeFile(t, tt.file, tt.content))
			if !errors.Is(err, kperr.ErrLoad) {
				t.Fatalf("Load() error = %v, want load error", err)
			}
		})
	}

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
		if !errors.Is(err, kperr.ErrLoad) {
			t.Fatalf("Load() error = %v, want load error", err)
		}
	})
}

func TestStats(t *testing.T) {
	t.Parallel()

	s, err := Load(writeFile(t, "kb.json", sampleJSON))
	if err != nil {
		t.Fatal(err)
	}
	want := Stats{
		TotalPoints:   3,
		Categories:    map[string]int{"Math": 2, "Writing": 1},
		Subcategories: map[string]int{"Algebra": 2, "Grammar": 1},
		Difficulties:  map[string]int{"Easy": 1, "Medium": 1, "Unknown": 1},
	}
	if diff := cmp.Diff(want, s.Stats()); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
}

func TestTextForEmbedding(t *testing.T) {
	t.Parallel()

	kp := KnowledgePoint{
		Topic:              "Circles",
		Description:        "Round shapes.",
		KeyConcepts:        []string{"radius", "pi"},
		CommonApplications: []string{"wheels"},
	}
	want := "Circles Round shapes. radius pi wheels"
	if got := TextForEmbedding(kp); got != want {
		t.Errorf("TextForEmbedding = %q, want %q", got, want)
	}
}

func TestRerankText(t *testing.T) {
	t.Parallel()

	kp := KnowledgePoint{
		Topic:       "Circles",
		Description: "Round shapes.",
		KeyConcepts: []string{"a", "b", "c", "d", "e", "f"},
		Category:    "Math",
		Subcategory: "Geometry",
	}
	want := "Topic: Circles | Description: Round shapes. | Key Concepts: a, b, c, d, e | Category: Math - Geometry"
	if got := RerankText(kp); got != want {
		t.Errorf("RerankText = %q, want %q", got, want)
	}
	if got := RerankText(KnowledgePoint{Topic: "Only"}); got != "Topic: Only" {
		t.Errorf("RerankText(topic only) = %q", got)
	}
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "kb.json", sampleJSON)
	a, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if a.Fingerprint(FingerprintMTime) != b.Fingerprint(FingerprintMTime) {
		t.Error("fingerprint not stable across loads of an unchanged file")
	}

	later := a.ModTime().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if a.Fingerprint(FingerprintMTime) == c.Fingerprint(FingerprintMTime) {
		t.Error("mtime fingerprint should change when the file is touched")
	}
	if a.Fingerprint(FingerprintContent) != c.Fingerprint(FingerprintContent) {
		t.Error("content fingerprint should survive a touch")
	}
}

func TestParseFingerprintMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    FingerprintMode
		wantErr bool
	}{
		{"", FingerprintMTime, false},
		{"mtime", FingerprintMTime, false},
		{"Content", FingerprintContent, false},
		{"hash", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFingerprintMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFingerprintMode(%q) = %q, %v", tt.in, got, err)
		}
	}
}

// Package knowledge loads and serves the curated collection of knowledge
// points that the matching engine indexes.
//
// A [Store] is immutable once loaded. Its iteration order is the order of the
// source file and is the order in which vectors are built, so position i in
// the index always refers to [Store.At](i).
package knowledge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/54b3r/kpmatch-go/internal/kperr"
)

// KnowledgePoint is one curated unit of content.
type KnowledgePoint struct {
	// ID is unique within the collection and stable across loads.
	ID string `json:"id" yaml:"id"`
	// Category is the top-level grouping, e.g. "Math".
	Category string `json:"category" yaml:"category"`
	// Subcategory refines Category, e.g. "Algebra".
	Subcategory string `json:"subcategory" yaml:"subcategory"`
	// Topic is the short human title.
	Topic string `json:"topic" yaml:"topic"`
	// Description is the prose summary.
	Description string `json:"description" yaml:"description"`
	// KeyConcepts lists the main ideas, most important first.
	KeyConcepts []string `json:"key_concepts" yaml:"key_concepts"`
	// CommonApplications lists where the concept shows up.
	CommonApplications []string `json:"common_applications" yaml:"common_applications"`
	ExampleProblem     string   `json:"example_problem,omitempty" yaml:"example_problem"`
	ExampleSolution    string   `json:"example_solution,omitempty" yaml:"example_solution"`
	Difficulty         string   `json:"difficulty,omitempty" yaml:"difficulty"`
	// RelatedTopics holds ids of other points. They are not resolved on load.
	RelatedTopics []string `json:"related_topics,omitempty" yaml:"related_topics"`
	// Source optionally records where the point was collected from.
	Source string `json:"source,omitempty" yaml:"source"`
}

// document is the on-disk envelope shared by the JSON and YAML formats.
type document struct {
	KnowledgePoints []KnowledgePoint `json:"knowledge_points" yaml:"knowledge_points"`
}

// Store is an ordered, read-only collection of knowledge points.
type Store struct {
	path    string
	modTime time.Time
	sum     string
	points  []KnowledgePoint
	byID    map[string]int
}

// Load reads the collection at path. Files ending in .yaml or .yml are parsed
// as YAML; everything else as JSON. It fails with a load error when the file
// is missing or malformed, when the collection is empty, or when any id is
// blank or duplicated.
func Load(path string) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, kperr.New(kperr.KindLoad, kperr.StageLoad, fmt.Errorf("knowledge: resolve %s: %w", path, err))
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, kperr.New(kperr.KindLoad, kperr.StageLoad, fmt.Errorf("knowledge: %w", err))
	}
	if info.IsDir() {
		return nil, kperr.Newf(kperr.KindLoad, kperr.StageLoad, "knowledge: %s is a directory", abs)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, kperr.New(kperr.KindLoad, kperr.StageLoad, fmt.Errorf("knowledge: read %s: %w", abs, err))
	}

	points, err := decode(abs, data)
	if err != nil {
		return nil, kperr.New(kperr.KindLoad, kperr.StageLoad, err)
	}

	s, err := newStore(points)
	if err != nil {
		return nil, kperr.New(kperr.KindLoad, kperr.StageLoad, err)
	}
	s.path = abs
	s.modTime = info.ModTime()
	s.sum = contentSum(data)
	return s, nil
}

// New builds an in-memory store from points, applying the same validation as
// [Load]. The store has no backing path.
func New(points []KnowledgePoint) (*Store, error) {
	s, err := newStore(points)
	if err != nil {
		return nil, kperr.New(kperr.KindLoad, kperr.StageLoad, err)
	}
	return s, nil
}

func decode(path string, data []byte) ([]KnowledgePoint, error) {
	var doc document
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("knowledge: parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("knowledge: parse %s: %w", path, err)
		}
	}
	return doc.KnowledgePoints, nil
}

func newStore(points []KnowledgePoint) (*Store, error) {
	if len(points) == 0 {
		return nil, errors.New("knowledge: collection is empty or has no knowledge_points")
	}
	byID := make(map[string]int, len(points))
	for i, kp := range points {
		if strings.TrimSpace(kp.ID) == "" {
			return nil, fmt.Errorf("knowledge: point at position %d has no id", i)
		}
		if prev, dup := byID[kp.ID]; dup {
			return nil, fmt.Errorf("knowledge: duplicate id %q at positions %d and %d", kp.ID, prev, i)
		}
		byID[kp.ID] = i
	}
	cp := make([]KnowledgePoint, len(points))
	copy(cp, points)
	return &Store{points: cp, byID: byID}, nil
}

// Len returns the number of points.
func (s *Store) Len() int { return len(s.points) }

// At returns the point at position i in iteration order.
func (s *Store) At(i int) KnowledgePoint { return s.points[i] }

// All returns a copy of every point in iteration order.
func (s *Store) All() []KnowledgePoint {
	out := make([]KnowledgePoint, len(s.points))
	copy(out, s.points)
	return out
}

// IDs returns the ids in iteration order.
func (s *Store) IDs() []string {
	ids := make([]string, len(s.points))
	for i, kp := range s.points {
		ids[i] = kp.ID
	}
	return ids
}

// ByID looks up a point by id.
func (s *Store) ByID(id string) (KnowledgePoint, bool) {
	i, ok := s.byID[id]
	if !ok {
		return KnowledgePoint{}, false
	}
	return s.points[i], true
}

// ByCategory returns the points whose category matches, ignoring case.
func (s *Store) ByCategory(category string) []KnowledgePoint {
	return s.filter(func(kp KnowledgePoint) bool { return strings.EqualFold(kp.Category, category) })
}

// BySubcategory returns the points whose subcategory matches, ignoring case.
func (s *Store) BySubcategory(subcategory string) []KnowledgePoint {
	return s.filter(func(kp KnowledgePoint) bool { return strings.EqualFold(kp.Subcategory, subcategory) })
}

func (s *Store) filter(keep func(KnowledgePoint) bool) []KnowledgePoint {
	var out []KnowledgePoint
	for _, kp := range s.points {
		if keep(kp) {
			out = append(out, kp)
		}
	}
	return out
}

// Path returns the absolute path the store was loaded from, or "" for an
// in-memory store.
func (s *Store) Path() string { return s.path }

// ModTime returns the source file's modification time at load.
func (s *Store) ModTime() time.Time { return s.modTime }

// Stats summarises the collection.
type Stats struct {
	TotalPoints   int            `json:"total_points"`
	Categories    map[string]int `json:"categories"`
	Subcategories map[string]int `json:"subcategories"`
	Difficulties  map[string]int `json:"difficulties"`
}

// Stats counts points per category, subcategory and difficulty. Blank values
// are counted under "Unknown".
func (s *Store) Stats() Stats {
	st := Stats{
		TotalPoints:   len(s.points),
		Categories:    map[string]int{},
		Subcategories: map[string]int{},
		Difficulties:  map[string]int{},
	}
	for _, kp := range s.points {
		st.Categories[orUnknown(kp.Category)]++
		st.Subcategories[orUnknown(kp.Subcategory)]++
		st.Difficulties[orUnknown(kp.Difficulty)]++
	}
	return st
}

func orUnknown(v string) string {
	if v == "" {
		return "Unknown"
	}
	return v
}

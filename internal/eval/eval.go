// Package eval scores retrieval quality against a file of demo cases with
// known expected topics. It needs no model: matching is by topic title.
package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/54b3r/kpmatch-go/internal/retrieval"
)

// Case is one demo query and the topics a good answer should surface.
type Case struct {
	Query          string   `json:"query"`
	ExpectedTopics []string `json:"expected_topics"`
	Description    string   `json:"description,omitempty"`
}

type casesFile struct {
	DemoCases []Case `json:"demo_cases"`
}

// LoadCases reads a {"demo_cases": [...]} file.
func LoadCases(path string) ([]Case, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("eval: read %s: %w", path, err)
	}
	var f casesFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("eval: parse %s: %w", path, err)
	}
	if len(f.DemoCases) == 0 {
		return nil, fmt.Errorf("eval: %s has no demo_cases", path)
	}
	for i, c := range f.DemoCases {
		if strings.TrimSpace(c.Query) == "" {
			return nil, fmt.Errorf("eval: case %d has an empty query", i)
		}
	}
	return f.DemoCases, nil
}

// TopicMatch scores retrieved topics against expected ones. An expected
// topic counts as matched when it contains, or is contained in, any
// retrieved topic after case folding.
type TopicMatch struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Matches   int     `json:"matches"`
	Expected  int     `json:"expected"`
	Retrieved int     `json:"retrieved"`
}

// MatchTopics computes a TopicMatch. Precision divides by the number of
// retrieved results, recall by the number of expected topics.
func MatchTopics(retrieved, expected []string) TopicMatch {
	fold := cases.Fold()
	norm := func(s string) string { return strings.TrimSpace(fold.String(s)) }

	got := make([]string, 0, len(retrieved))
	for _, t := range retrieved {
		if n := norm(t); n != "" {
			got = append(got, n)
		}
	}

	m := TopicMatch{Expected: len(expected), Retrieved: len(retrieved)}
	for _, e := range expected {
		want := norm(e)
		if want == "" {
			continue
		}
		for _, r := range got {
			if strings.Contains(r, want) || strings.Contains(want, r) {
				m.Matches++
				break
			}
		}
	}
	if m.Retrieved > 0 {
		m.Precision = float64(m.Matches) / float64(m.Retrieved)
	}
	if m.Expected > 0 {
		m.Recall = float64(m.Matches) / float64(m.Expected)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m
}

// CaseResult is the outcome of one case.
type CaseResult struct {
	Query             string      `json:"query"`
	Retrieved         int         `json:"num_retrieved"`
	RetrievedTopics   []string    `json:"retrieved_topics"`
	Topics            *TopicMatch `json:"topic_match,omitempty"`
	AverageScore      float64     `json:"average_score"`
	TopScore          float64     `json:"top_score"`
	CategoryDiversity int         `json:"category_diversity"`
	Degraded          bool        `json:"degraded,omitempty"`
	LatencyMillis     int64       `json:"latency_ms"`
	Error             string      `json:"error,omitempty"`
}

// Aggregate summarises one metric across cases.
type Aggregate struct {
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// Summary holds per-metric aggregates.
type Summary struct {
	TotalCases int                  `json:"total_cases"`
	Failed     int                  `json:"failed"`
	Metrics    map[string]Aggregate `json:"metrics"`
}

// Report is the full evaluation output.
type Report struct {
	Mode        string       `json:"mode"`
	Summary     Summary      `json:"summary"`
	Results     []CaseResult `json:"results"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// RetrieveFunc runs one query. It is usually a closure over an engine
// method with k or m/n bound.
type RetrieveFunc func(ctx context.Context, query string) (*retrieval.Response, error)

// Run evaluates every case in order. A failing case is recorded and does
// not stop the run; a cancelled ctx does.
func Run(ctx context.Context, mode string, cs []Case, retrieve RetrieveFunc, log *slog.Logger) (*Report, error) {
	rep := &Report{
		Mode:    mode,
		Results: make([]CaseResult, 0, len(cs)),
		Summary: Summary{TotalCases: len(cs)},
	}
	series := map[string][]float64{}

	for i, c := range cs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log.Debug("evaluating case", "n", i+1, "of", len(cs), "query", c.Query)

		start := time.Now()
		resp, err := retrieve(ctx, c.Query)
		cr := CaseResult{Query: c.Query, LatencyMillis: time.Since(start).Milliseconds()}
		if err != nil {
			cr.Error = err.Error()
			rep.Summary.Failed++
			rep.Results = append(rep.Results, cr)
			log.Warn("evaluation case failed", "query", c.Query, "error", err)
			continue
		}
		scoreCase(&cr, resp, c.ExpectedTopics)
		rep.Results = append(rep.Results, cr)

		if cr.Topics != nil {
			series["topic_precision"] = append(series["topic_precision"], cr.Topics.Precision)
			series["topic_recall"] = append(series["topic_recall"], cr.Topics.Recall)
			series["topic_f1"] = append(series["topic_f1"], cr.Topics.F1)
		}
		if cr.Retrieved > 0 {
			series["average_score"] = append(series["average_score"], cr.AverageScore)
			series["top_score"] = append(series["top_score"], cr.TopScore)
		}
		series["category_diversity"] = append(series["category_diversity"], float64(cr.CategoryDiversity))
	}

	rep.Summary.Metrics = make(map[string]Aggregate, len(series))
	for name, vals := range series {
		rep.Summary.Metrics[name] = aggregate(vals)
	}
	rep.GeneratedAt = time.Now().UTC()
	return rep, nil
}

func scoreCase(cr *CaseResult, resp *retrieval.Response, expected []string) {
	cr.Retrieved = len(resp.Results)
	cr.Degraded = resp.Degraded
	cr.RetrievedTopics = make([]string, 0, len(resp.Results))
	categories := map[string]struct{}{}
	var sum float64
	for _, r := range resp.Results {
		cr.RetrievedTopics = append(cr.RetrievedTopics, r.Point.Topic)
		categories[r.Point.Category] = struct{}{}
		sum += r.Score
	}
	cr.CategoryDiversity = len(categories)
	if cr.Retrieved > 0 {
		cr.AverageScore = sum / float64(cr.Retrieved)
		cr.TopScore = resp.Results[0].Score
	}
	if len(expected) > 0 {
		m := MatchTopics(cr.RetrievedTopics, expected)
		cr.Topics = &m
	}
}

func aggregate(vals []float64) Aggregate {
	a := Aggregate{Min: math.Inf(1), Max: math.Inf(-1), Count: len(vals)}
	var sum float64
	for _, v := range vals {
		sum += v
		a.Min = min(a.Min, v)
		a.Max = max(a.Max, v)
	}
	a.Mean = sum / float64(len(vals))
	return a
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

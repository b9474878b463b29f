// Package enrich rewrites a raw query into the text that is embedded.
//
// Enrichment is append-only: the original query is always a byte-for-byte
// prefix of the output, and the same query, strategy and [Table] always
// yield the same output.
package enrich

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/54b3r/kpmatch-go/internal/kperr"
)

// Strategy selects which transformations Enrich applies.
type Strategy string

const (
	// None returns the query unchanged.
	None Strategy = "none"
	// Expansion appends synonyms and topic expansions.
	Expansion Strategy = "expansion"
	// Rewriting appends pattern-based rephrasings and domain context.
	Rewriting Strategy = "rewriting"
	// Auto applies Expansion then Rewriting.
	Auto Strategy = "auto"
)

// ParseStrategy parses a strategy name. The empty string selects [None],
// the same as a zero strategy elsewhere.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case Auto:
		return Auto, nil
	case "", None:
		return None, nil
	case Expansion:
		return Expansion, nil
	case Rewriting:
		return Rewriting, nil
	default:
		return "", kperr.Newf(kperr.KindInvalidArgument, kperr.StagePreprocess,
			"enrich: unknown strategy %q (want none, expansion, rewriting or auto)", s)
	}
}

// Enricher applies a [Table]. It is immutable and safe for concurrent use.
type Enricher struct {
	table *Table
}

// New returns an Enricher over t, or over [DefaultTable] when t is nil.
func New(t *Table) *Enricher {
	if t == nil {
		t = DefaultTable()
	}
	return &Enricher{table: t}
}

// Version returns the table version.
func (e *Enricher) Version() string { return e.table.Version }

// Info describes the loaded table.
type Info struct {
	Version  string `json:"version"`
	Synonyms int    `json:"synonyms"`
	Topics   int    `json:"topics"`
	Rewrites int    `json:"rewrites"`
}

// Info summarises the table.
func (e *Enricher) Info() Info {
	return Info{
		Version:  e.table.Version,
		Synonyms: len(e.table.Synonyms),
		Topics:   len(e.table.Topics),
		Rewrites: len(e.table.Rewrites),
	}
}

// Enrich returns query with the strategy's additions appended after a single
// space. Blank queries and queries that gain nothing are returned unchanged.
func (e *Enricher) Enrich(query string, s Strategy) (string, error) {
	if strings.TrimSpace(query) == "" {
		return query, nil
	}

	var additions []string
	switch s {
	case None:
		return query, nil
	case Expansion:
		additions = e.expand(query)
	case Rewriting:
		additions = e.rewrite(query)
	case Auto:
		additions = append(e.expand(query), e.rewrite(query)...)
	default:
		return "", kperr.Newf(kperr.KindInvalidArgument, kperr.StagePreprocess, "enrich: unknown strategy %q", s)
	}

	additions = dedupe(additions, words(query))
	if len(additions) == 0 {
		return query, nil
	}
	return query + " " + strings.Join(additions, " "), nil
}

// expand collects synonyms and topic expansions. Per word: the first
// SynonymLimit synonyms of an exact match and the first TopicWordLimit
// expansions of the first topic contained in the word. Then, for the whole
// query, every expansion of each topic it contains.
func (e *Enricher) expand(query string) []string {
	t := e.table
	var out []string
	for _, w := range words(query) {
		if syns, ok := t.synonyms[w]; ok {
			out = append(out, head(syns, t.SynonymLimit)...)
		}
		for _, topic := range t.Topics {
			if strings.Contains(w, topic.Term) {
				out = append(out, head(topic.Expansions, t.TopicWordLimit)...)
				break
			}
		}
	}
	folded := fold(query)
	for _, topic := range t.Topics {
		if strings.Contains(folded, topic.Term) {
			out = append(out, topic.Expansions...)
		}
	}
	return out
}

// rewrite applies the first matching rewrite rule, then the context rule.
func (e *Enricher) rewrite(query string) []string {
	t := e.table
	var out []string
	for _, r := range t.Rewrites {
		m := r.re.FindStringSubmatch(query)
		if m == nil {
			continue
		}
		captured := strings.TrimRight(strings.TrimSpace(m[1]), "?!. ")
		if captured == "" {
			continue
		}
		for _, p := range r.Phrases {
			out = append(out, strings.ReplaceAll(p, "{}", captured))
		}
		break
	}

	if t.Context.Suffix != "" && !containsAny(fold(query), t.Context.SkipKeywords) {
		for _, re := range t.Context.res {
			if re.MatchString(query) {
				out = append(out, t.Context.Suffix)
				break
			}
		}
	}
	return out
}

// fold normalises s for matching: NFKC then Unicode case folding.
func fold(s string) string {
	return cases.Fold().String(norm.NFKC.String(s))
}

// words returns the folded words of s with punctuation removed.
func words(s string) []string {
	var out []string
	for _, f := range strings.Fields(fold(s)) {
		w := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
				return r
			}
			return -1
		}, f)
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

// dedupe drops repeats and phrases equal to an original query word,
// keeping first occurrences in order.
func dedupe(phrases, original []string) []string {
	seen := make(map[string]struct{}, len(phrases)+len(original))
	for _, w := range original {
		seen[w] = struct{}{}
	}
	var out []string
	for _, p := range phrases {
		key := fold(p)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

// head returns the first n elements of s; n <= 0 means all.
func head(s []string, n int) []string {
	if n <= 0 || n >= len(s) {
		return s
	}
	return s[:n]
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func (s Strategy) String() string { return string(s) }

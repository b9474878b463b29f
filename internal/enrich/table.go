package enrich

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed tables/sat-v1.yaml
var defaultTableYAML []byte

// TermExpansion maps a term to the phrases appended when it appears.
type TermExpansion struct {
	Term       string   `yaml:"term"`
	Expansions []string `yaml:"expansions"`
}

// RewriteRule appends templated phrases when Pattern matches the query.
type RewriteRule struct {
	Pattern string   `yaml:"pattern"`
	Phrases []string `yaml:"phrases"`

	re *regexp.Regexp
}

// ContextRule appends Suffix to queries that match a trigger and contain
// none of the skip keywords.
type ContextRule struct {
	SkipKeywords []string `yaml:"skip_keywords"`
	Triggers     []string `yaml:"triggers"`
	Suffix       string   `yaml:"suffix"`

	res []*regexp.Regexp
}

// Table is the static, versioned data driving enrichment. Order within each
// list is significant and preserved from the source file.
type Table struct {
	Version        string          `yaml:"version"`
	SynonymLimit   int             `yaml:"synonym_limit"`
	TopicWordLimit int             `yaml:"topic_word_limit"`
	Synonyms       []TermExpansion `yaml:"synonyms"`
	Topics         []TermExpansion `yaml:"topics"`
	Rewrites       []RewriteRule   `yaml:"rewrites"`
	Context        ContextRule     `yaml:"context"`

	synonyms map[string][]string
}

// ParseTable decodes and compiles a table.
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("enrich: parse table: %w", err)
	}
	if strings.TrimSpace(t.Version) == "" {
		return nil, fmt.Errorf("enrich: table has no version")
	}

	t.synonyms = make(map[string][]string, len(t.Synonyms))
	for _, s := range t.Synonyms {
		t.synonyms[fold(s.Term)] = s.Expansions
	}
	for i := range t.Topics {
		t.Topics[i].Term = fold(t.Topics[i].Term)
	}
	for i := range t.Rewrites {
		re, err := regexp.Compile(t.Rewrites[i].Pattern)
		if err != nil {
			return nil, fmt.Errorf("enrich: rewrite %d: %w", i, err)
		}
		if re.NumSubexp() != 1 {
			return nil, fmt.Errorf("enrich: rewrite %d: pattern must have exactly one capture group", i)
		}
		t.Rewrites[i].re = re
	}
	for _, p := range t.Context.Triggers {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("enrich: context trigger %q: %w", p, err)
		}
		t.Context.res = append(t.Context.res, re)
	}
	for i, k := range t.Context.SkipKeywords {
		t.Context.SkipKeywords[i] = fold(k)
	}
	return &t, nil
}

// LoadTable reads a table from a YAML file.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("enrich: read table: %w", err)
	}
	return ParseTable(data)
}

var defaultTable = sync.OnceValue(func() *Table {
	t, err := ParseTable(defaultTableYAML)
	if err != nil {
		panic(err)
	}
	return t
})

// DefaultTable returns the built-in table.
func DefaultTable() *Table { return defaultTable() }

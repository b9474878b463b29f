// Package format renders retrieval responses for terminals and documents.
package format

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/54b3r/kpmatch-go/internal/retrieval"
)

// Kind selects an output format.
type Kind string

const (
	Text     Kind = "text"
	Markdown Kind = "markdown"
	JSON     Kind = "json"
)

// keyConceptsShown caps the key concepts printed per result.
const keyConceptsShown = 3

// ParseKind validates a --format value.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case Text, Markdown, JSON:
		return k, nil
	case "":
		return Text, nil
	case "md":
		return Markdown, nil
	default:
		return "", fmt.Errorf("format: unknown format %q (want text, markdown or json)", s)
	}
}

// Write renders resp to w.
func Write(w io.Writer, kind Kind, resp *retrieval.Response) error {
	if kind == JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	_, err := io.WriteString(w, Render(kind, resp))
	return err
}

// Render returns resp as text or markdown.
func Render(kind Kind, resp *retrieval.Response) string {
	if len(resp.Results) == 0 {
		return "No results found.\n"
	}

	var b strings.Builder
	if resp.Degraded {
		fmt.Fprintf(&b, "note: reranking unavailable, showing similarity order (%s)\n", resp.DegradeReason)
	}
	for i, r := range resp.Results {
		kp := r.Point
		b.WriteString("\n")
		if kind == Markdown {
			fmt.Fprintf(&b, "**Result %d** (Relevance: %s)\n", i+1, percent(r.Score))
			fmt.Fprintf(&b, "- **Topic**: %s\n", na(kp.Topic))
			fmt.Fprintf(&b, "- **Category**: %s > %s\n", na(kp.Category), na(kp.Subcategory))
			fmt.Fprintf(&b, "- **Description**: %s\n", na(kp.Description))
			fmt.Fprintf(&b, "- **Key Concepts**: %s\n", concepts(kp.KeyConcepts))
			fmt.Fprintf(&b, "- **Difficulty**: %s\n", na(kp.Difficulty))
			if r.Reranked {
				fmt.Fprintf(&b, "- **Scores**: similarity %.3f, rerank %.3f\n", r.Similarity, r.RerankNormalized)
			}
			continue
		}
		fmt.Fprintf(&b, "Result %d (Relevance: %s)\n", i+1, percent(r.Score))
		fmt.Fprintf(&b, "Topic: %s\n", na(kp.Topic))
		fmt.Fprintf(&b, "Category: %s > %s\n", na(kp.Category), na(kp.Subcategory))
		fmt.Fprintf(&b, "Description: %s\n", na(kp.Description))
		fmt.Fprintf(&b, "Key Concepts: %s\n", concepts(kp.KeyConcepts))
		fmt.Fprintf(&b, "Difficulty: %s\n", na(kp.Difficulty))
		if r.Reranked {
			fmt.Fprintf(&b, "Scores: similarity %.3f, rerank %.3f\n", r.Similarity, r.RerankNormalized)
		}
	}
	return b.String()
}

func percent(v float64) string { return fmt.Sprintf("%.2f%%", v*100) }

func na(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

func concepts(c []string) string {
	if len(c) > keyConceptsShown {
		c = c[:keyConceptsShown]
	}
	return strings.Join(c, ", ")
}

// Package budget estimates token counts for prompts sent to the LLM rerank
// scorer. Backends use different tokenizers, so it applies a conservative
// character heuristic: 1 token ≈ 4 characters of English prose.
package budget

import (
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
)

const (
	// charsPerToken is the character-to-token ratio used for estimation.
	charsPerToken = 4

	// messageOverhead approximates the per-message framing cost in most chat APIs.
	messageOverhead = 4

	// DefaultMaxPromptTokens is the default input budget for a single scoring
	// prompt. Candidates are short, so this mostly guards against outliers.
	DefaultMaxPromptTokens = 1024
)

// Estimate returns a rough token count for s.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessages returns the estimated total token count of msgs, summing
// role and content plus framing overhead for each message.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		total += messageOverhead
		total += Estimate(string(m.Role))
		total += Estimate(m.Content)
	}
	return total
}

// Truncate shortens s so that Estimate(s) <= maxTokens, cutting on a rune
// boundary. maxTokens <= 0 returns "".
func Truncate(s string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	limit := maxTokens * charsPerToken
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// FitLast truncates the content of the last message so the whole slice fits
// within maxTokens. Earlier messages are never changed. It returns false when
// even an empty last message does not fit.
func FitLast(msgs []*schema.Message, maxTokens int) bool {
	if len(msgs) == 0 {
		return true
	}
	over := EstimateMessages(msgs) - maxTokens
	if over <= 0 {
		return true
	}
	last := msgs[len(msgs)-1]
	keep := Estimate(last.Content) - over
	if keep <= 0 {
		last.Content = ""
		return EstimateMessages(msgs) <= maxTokens
	}
	last.Content = Truncate(last.Content, keep)
	return true
}

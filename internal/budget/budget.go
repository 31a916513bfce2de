// Package budget estimates token counts for chunk sizing and model prompts.
// Parse backends talk to different tokenizers, so a character heuristic is
// used: 1 token ≈ 4 characters.
package budget

import (
	"github.com/cloudwego/eino/schema"
)

const (
	charsPerToken = 4

	// DefaultMaxContextTokens is the input budget for a single llm parse
	// request, sized for 8k-context models.
	DefaultMaxContextTokens = 6000

	// messageOverhead approximates the per-message framing cost of chat APIs.
	messageOverhead = 4
)

// Estimate returns a rough token count for s. Any non-empty string costs at
// least one token.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessages sums role and content estimates plus framing overhead.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		if m == nil {
			continue
		}
		total += messageOverhead + Estimate(string(m.Role)) + Estimate(m.Content)
	}
	return total
}

// Fits reports whether s stays within maxTokens.
func Fits(s string, maxTokens int) bool {
	return Estimate(s) <= maxTokens
}

// MaxChars converts a token budget back into a character budget.
func MaxChars(maxTokens int) int {
	return maxTokens * charsPerToken
}

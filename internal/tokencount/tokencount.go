// Package tokencount provides token estimation for budget accounting and
// usage recording. Uses a character-based heuristic (~4 chars per token for
// English) which is sufficient for budgeting. Can be replaced with tiktoken
// for exact counts if needed.
package tokencount

import (
	gateway "github.com/modelmux/modelmux/internal"
)

// Counter estimates token counts for requests and text.
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// EstimateRequest estimates the total token count for a chat completion
// request, including per-message overhead.
func (c *Counter) EstimateRequest(model string, messages []gateway.Message) int {
	total := 0
	overhead := messageOverhead(model)
	for _, m := range messages {
		total += overhead
		total += estimateTokens(m.Role)
		total += estimateTokens(string(m.Content))
	}
	total += 3 // every reply is primed with <|start|>assistant<|message|>
	return max(total, 1)
}

// CountText estimates tokens for a plain text string.
func (c *Counter) CountText(_ string, text string) int {
	return max(estimateTokens(text), 1)
}

// Usage fills in a usage struct from prompt and completion text when the
// upstream did not report one.
func (c *Counter) Usage(model, prompt, completion string) *gateway.Usage {
	p := c.CountText(model, prompt)
	out := c.CountText(model, completion)
	return &gateway.Usage{PromptTokens: p, CompletionTokens: out, TotalTokens: p + out}
}

// estimateTokens uses ~4 characters per token heuristic.
// This is a reasonable approximation for English text with GPT-family tokenizers.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	// ~4 bytes per token for English; ceil division.
	return (len(s) + 3) / 4
}

// messageOverhead returns per-message token overhead.
func messageOverhead(_ string) int {
	return 4
}

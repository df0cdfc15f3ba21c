// Package budget fits retrieved context into the model's context window and
// assembles the final prompt.
package budget

import (
	"github.com/linnemanlabs/sentinel/internal/retrieve"
)

// Default window sizes, in tokens.
const (
	DefaultMaxContext      = 1_000_000
	DefaultOutputReserve   = 128_000
	DefaultBuffer          = 22_000
	DefaultMaxOutputTokens = 8192
)

// Limits are the fixed parts of a budget.
type Limits struct {
	MaxContext      int
	OutputReserve   int
	Buffer          int
	MaxOutputTokens int
}

// DefaultLimits returns the production window.
func DefaultLimits() Limits {
	return Limits{
		MaxContext:      DefaultMaxContext,
		OutputReserve:   DefaultOutputReserve,
		Buffer:          DefaultBuffer,
		MaxOutputTokens: DefaultMaxOutputTokens,
	}
}

// PromptBudget is the token accounting for one prompt.
type PromptBudget struct {
	MaxContext        int `json:"max_context"`
	SystemTokens      int `json:"system_tokens"`
	TriggerTokens     int `json:"trigger_tokens"`
	ContextTokensUsed int `json:"context_tokens_used"`
	OutputReserve     int `json:"output_reserve"`
	Buffer            int `json:"buffer"`
}

// Available is the room left for retrieved context before any is added.
func (b PromptBudget) Available() int {
	return b.MaxContext - b.SystemTokens - b.TriggerTokens - b.OutputReserve - b.Buffer
}

// Within reports whether the accounted parts fit in MaxContext.
func (b PromptBudget) Within() bool {
	return b.SystemTokens+b.TriggerTokens+b.ContextTokensUsed+b.OutputReserve+b.Buffer <= b.MaxContext
}

// Selection is the result of Fit.
type Selection struct {
	Included   []retrieve.Context
	Remaining  int // items never considered after the first overflow
	TokensUsed int
}

// Fit takes items in order until the next one would exceed maxTokens, then
// stops. It does not skip ahead to smaller items, so relevance order wins
// over packing density.
func Fit(items []retrieve.Context, maxTokens int) Selection {
	var sel Selection
	for i, it := range items {
		if sel.TokensUsed+it.Tokens > maxTokens {
			sel.Remaining = len(items) - i
			break
		}
		sel.Included = append(sel.Included, it)
		sel.TokensUsed += it.Tokens
	}
	return sel
}

// Package tokens estimates prompt sizes. Budgeting depends only on the
// Estimator interface so an exact tokenizer can replace the heuristic.
package tokens

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator returns an approximate token count for text.
type Estimator interface {
	Count(text string) int
}

// Chars estimates roughly four characters per token for English text.
type Chars struct{}

// Count implements Estimator.
func (Chars) Count(text string) int { return len(text) / 4 }

// Tiktoken counts with a BPE encoding. Claude's tokenizer is not public;
// cl100k_base tracks it closely enough for budgeting.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the named encoding, falling back to cl100k_base.
// Loading may fetch the BPE ranks over the network on first use.
func NewTiktoken(encoding string) (*Tiktoken, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("load tokenizer: %w", err)
		}
	}
	return &Tiktoken{enc: enc}, nil
}

// Count implements Estimator.
func (t *Tiktoken) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// Func adapts a plain function to Estimator.
type Func func(text string) int

// Count implements Estimator.
func (f Func) Count(text string) int { return f(text) }

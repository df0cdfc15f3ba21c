// Package llm defines the text generation contract used by the pipeline and
// the deadline extractor.
package llm

import "context"

// Request is a single-turn generation request.
type Request struct {
	System    string
	User      string
	MaxTokens int
	Model     string // empty uses the generator's default
}

// Response is the generated text plus usage.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
	StopReason   string
	Model        string
}

// Generator produces a completion for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (*Response, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

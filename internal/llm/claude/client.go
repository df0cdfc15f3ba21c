package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/sentinel/internal/llm"
	"github.com/linnemanlabs/sentinel/internal/retry"
)

// DefaultMaxTokens is used when a request does not set MaxTokens.
const DefaultMaxTokens = 4096

// Client implements llm.Generator for the Claude API.
type Client struct {
	sdk   anthropic.Client
	model string
}

// New creates a new Claude API client with the given API key and model name.
// Extra request options (base URL, retries) are passed through to the SDK.
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(180 * time.Second),
		option.WithMaxRetries(2),
	}
	return &Client{
		sdk:   anthropic.NewClient(append(base, opts...)...),
		model: model,
	}
}

// Generate sends a single user turn and returns the concatenated text blocks.
// Rate limit and overload responses are returned as transient errors.
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	msg, err := c.sdk.Messages.New(ctx, c.toParams(req))
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) && retryable(apiErr.StatusCode) {
			return nil, retry.Transient(fmt.Errorf("claude: %w", err))
		}
		return nil, fmt.Errorf("claude: %w", err)
	}
	return fromSDKResponse(msg), nil
}

func (c *Client) toParams(req llm.Request) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.User)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return params
}

func fromSDKResponse(msg *anthropic.Message) *llm.Response {
	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return &llm.Response{
		Text:         strings.Join(parts, "\n"),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		StopReason:   string(msg.StopReason),
		Model:        string(msg.Model),
	}
}

func retryable(status int) bool {
	// 529 is Anthropic's "overloaded"
	return status == http.StatusTooManyRequests || status >= 500
}

// Package voyage embeds text with the Voyage AI embeddings API.
package voyage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/linnemanlabs/sentinel/internal/retrieve"
	"github.com/linnemanlabs/sentinel/internal/retry"
)

const (
	DefaultEndpoint = "https://api.voyageai.com/v1/embeddings"
	DefaultModel    = "voyage-3"
)

// Client implements retrieve.Embedder.
type Client struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	policy   retry.Policy
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides the API URL.
func WithEndpoint(u string) Option { return func(c *Client) { c.endpoint = u } }

// WithLimiter overrides the request limiter.
func WithLimiter(l *rate.Limiter) Option { return func(c *Client) { c.limiter = l } }

// WithRetryPolicy overrides the backoff policy for 429 and 5xx responses.
func WithRetryPolicy(p retry.Policy) Option { return func(c *Client) { c.policy = p } }

// New creates a Voyage client.
func New(apiKey, model string, opts ...Option) *Client {
	if model == "" {
		model = DefaultModel
	}
	c := &Client{
		apiKey:   apiKey,
		model:    model,
		endpoint: DefaultEndpoint,
		client:   &http.Client{Timeout: 60 * time.Second},
		limiter:  rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
		policy:   retry.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type embedRequest struct {
	Model     string   `json:"model"`
	Input     []string `json:"input"`
	InputType string   `json:"input_type"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed returns the embedding for text.
func (c *Client) Embed(ctx context.Context, text string, mode retrieve.Mode) ([]float32, error) {
	if mode == "" {
		mode = retrieve.ModeQuery
	}
	body, err := json.Marshal(embedRequest{Model: c.model, Input: []string{text}, InputType: string(mode)})
	if err != nil {
		return nil, fmt.Errorf("voyage: marshal request: %w", err)
	}

	var out *embedResponse
	err = c.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = c.do(ctx, body)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, errors.New("voyage: no embeddings returned")
	}
	return out.Data[0].Embedding, nil
}

func (c *Client) do(ctx context.Context, body []byte) (*embedResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("voyage: rate limiter wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("voyage: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req) //nolint:gosec // G704: endpoint is operator-configured
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("voyage: request cancelled: %w", ctx.Err())
		}
		return nil, retry.Transient(fmt.Errorf("voyage: request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("voyage: read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, retry.TransientAfter(fmt.Errorf("voyage: status %d: %s", resp.StatusCode, respBody),
			retryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 500:
		return nil, retry.Transient(fmt.Errorf("voyage: status %d: %s", resp.StatusCode, respBody))
	default:
		return nil, fmt.Errorf("voyage: status %d: %s", resp.StatusCode, respBody)
	}

	var out embedResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, retry.Transient(fmt.Errorf("voyage: parse response: %w", err))
	}
	return &out, nil
}

func retryAfter(h string) time.Duration {
	if s, err := strconv.Atoi(h); err == nil && s > 0 {
		return time.Duration(s) * time.Second
	}
	return 0
}

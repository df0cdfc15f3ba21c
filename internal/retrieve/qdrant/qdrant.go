// Package qdrant is a minimal Qdrant REST client for similarity search and
// point upserts.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/linnemanlabs/sentinel/internal/retrieve"
	"github.com/linnemanlabs/sentinel/internal/retry"
)

// Client implements retrieve.VectorSearcher over the Qdrant HTTP API.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	policy     retry.Policy
}

// Option configures a Client.
type Option func(*Client)

// WithRetryPolicy overrides the backoff policy for network faults, 429 and
// 5xx responses.
func WithRetryPolicy(p retry.Policy) Option { return func(c *Client) { c.policy = p } }

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

// New creates a client for the Qdrant instance at endpoint.
func New(endpoint, apiKey string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		policy: retry.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// PointID maps an arbitrary source id to the UUID form Qdrant requires.
// The mapping is stable so re-upserting the same source replaces the point.
func PointID(sourceID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(sourceID)).String()
}

type condition struct {
	Key   string `json:"key"`
	Match struct {
		Value any `json:"value"`
	} `json:"match"`
}

type queryRequest struct {
	Query          []float32 `json:"query"`
	Limit          int       `json:"limit"`
	ScoreThreshold float64   `json:"score_threshold,omitempty"`
	WithPayload    bool      `json:"with_payload"`
	Filter         *struct {
		Must []condition `json:"must"`
	} `json:"filter,omitempty"`
}

type queryResponse struct {
	Result struct {
		Points []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"points"`
	} `json:"result"`
	Status any `json:"status"`
}

// Query runs a nearest-neighbour search in q.Collection.
func (c *Client) Query(ctx context.Context, q retrieve.Query) ([]retrieve.Hit, error) {
	req := queryRequest{
		Query:          q.Vector,
		Limit:          q.Limit,
		ScoreThreshold: q.Threshold,
		WithPayload:    true,
	}
	if len(q.Filter) > 0 {
		req.Filter = &struct {
			Must []condition `json:"must"`
		}{}
		for k, v := range q.Filter {
			var cond condition
			cond.Key = k
			cond.Match.Value = v
			req.Filter.Must = append(req.Filter.Must, cond)
		}
	}

	var out queryResponse
	if err := c.call(ctx, http.MethodPost, "/collections/"+url.PathEscape(q.Collection)+"/points/query", nil, req, &out); err != nil {
		return nil, err
	}

	hits := make([]retrieve.Hit, 0, len(out.Result.Points))
	for _, p := range out.Result.Points {
		hits = append(hits, retrieve.Hit{
			ID:      fmt.Sprint(p.ID),
			Score:   p.Score,
			Payload: p.Payload,
		})
	}
	return hits, nil
}

type upsertRequest struct {
	Points []point `json:"points"`
}

type point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Upsert writes one point. id is converted with PointID.
func (c *Client) Upsert(ctx context.Context, collection, id string, vector []float32, payload map[string]any) error {
	req := upsertRequest{Points: []point{{ID: PointID(id), Vector: vector, Payload: payload}}}
	v := url.Values{"wait": []string{"true"}}
	return c.call(ctx, http.MethodPut, "/collections/"+url.PathEscape(collection)+"/points", v, req, nil)
}

// call sends one request, retrying transient failures under the client's
// policy.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, in, out any) error {
	return c.policy.Do(ctx, func(ctx context.Context) error {
		return c.do(ctx, method, path, query, in, out)
	})
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	u = u.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: endpoint is operator-configured
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("qdrant request cancelled: %w", ctx.Err())
		}
		return retry.Transient(fmt.Errorf("qdrant request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return retry.Transient(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("qdrant returned %d: %s", resp.StatusCode, respBody)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return retry.Transient(err)
		}
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
